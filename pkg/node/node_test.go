package node

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/test"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/baderanaas/gossipnet/pkg/gossip"
	"github.com/baderanaas/gossipnet/pkg/swarm"
	"github.com/baderanaas/gossipnet/pkg/transport"
)

func newTestNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	n, err := New(cfg)
	require.NoError(t, err)
	return n
}

func TestNewNodeDefaults(t *testing.T) {
	n := newTestNode(t, Config{})
	defer func() { require.NoError(t, n.Close()) }()

	require.Equal(t, []string{DefaultListenAddr}, n.cfg.ListenAddrs)
	require.Equal(t, DefaultTopic, n.cfg.Topic)
	require.Equal(t, gossip.DefaultHeartbeatInterval, n.cfg.Gossip.HeartbeatInterval)
	require.NotEmpty(t, n.ID())
	require.Nil(t, n.history)
}

func TestNewNodeRejectsBadListenAddr(t *testing.T) {
	_, err := New(Config{ListenAddrs: []string{"not-an-address"}})
	var parseErr *transport.AddressParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestNodeIdentityPersists(t *testing.T) {
	dir := newTestDir(t)

	first := newTestNode(t, Config{IdentityDir: dir})
	require.NoError(t, first.Close())
	second := newTestNode(t, Config{IdentityDir: dir})
	require.NoError(t, second.Close())

	require.Equal(t, first.ID(), second.ID())
}

func TestNodeMalformedDialAddress(t *testing.T) {
	n := newTestNode(t, Config{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Dial:        "not-an-address",
		Clock:       clock.NewMock(),
	})
	defer func() { require.NoError(t, n.Close()) }()

	ctx := context.Background()
	require.NoError(t, n.Start(ctx), "a bad dial target must not stop the node")

	err := n.Dial(ctx, "not-an-address")
	var parseErr *transport.AddressParseError
	require.ErrorAs(t, err, &parseErr)

	loop := newLoop(n, nil, nil, n.swarm.Events(), n.cfg.Clock, n.cfg.Gossip.HeartbeatInterval)
	defer loop.ticker.Stop()
	require.NoError(t, loop.Tick(), "the loop keeps running")
}

func TestNodeIgnoresEventsFromUnknownLinks(t *testing.T) {
	n := newTestNode(t, Config{ListenAddrs: []string{}})
	defer func() { require.NoError(t, n.Close()) }()

	p := test.RandPeerIDFatal(t)
	require.NotPanics(t, func() {
		n.handleEvent(swarm.Event{Kind: swarm.Message, Peer: p})
		n.handleEvent(swarm.Event{Kind: swarm.Malformed, Peer: p})
		n.handleEvent(swarm.Event{Kind: swarm.Disconnected, Peer: p})
	})
	require.Empty(t, n.overlay.Peers())
}

func TestTwoNodesGossip(t *testing.T) {
	inputR, inputW := io.Pipe()
	t.Cleanup(func() { _ = inputW.Close() })

	clockA, clockB := clock.NewMock(), clock.NewMock()
	historyDir := newTestDir(t)
	a := newTestNode(t, Config{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		HistoryDir:  historyDir,
		Input:       inputR,
		Clock:       clockA,
	})
	delivered := make(chan *gossip.Message, 4)
	b := newTestNode(t, Config{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0/ws"},
		Clock:       clockB,
		OnMessage:   func(msg *gossip.Message) { delivered <- msg },
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	addrs := a.ListenAddrs()
	require.Len(t, addrs, 1)
	p2p, err := ma.NewComponent("p2p", a.ID().String())
	require.NoError(t, err)
	require.NoError(t, b.Dial(ctx, addrs[0].Encapsulate(p2p).String()))

	doneA, doneB := make(chan error, 1), make(chan error, 1)
	go func() { doneA <- a.Run(ctx) }()
	go func() { doneB <- b.Run(ctx) }()

	_, err = io.WriteString(inputW, "hello gossip\n")
	require.NoError(t, err)

	var got *gossip.Message
	require.Eventually(t, func() bool {
		clockA.Add(gossip.DefaultHeartbeatInterval)
		clockB.Add(gossip.DefaultHeartbeatInterval)
		select {
		case got = <-delivered:
			return true
		default:
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	require.Equal(t, "hello gossip", string(got.Data))
	require.Equal(t, a.ID(), got.From)
	require.Equal(t, DefaultTopic, got.Topic)
	require.Equal(t, gossip.ComputeID([]byte("hello gossip")), got.ID)

	cancel()
	require.NoError(t, <-doneA)
	require.NoError(t, <-doneB)
	require.NoError(t, a.Close())
	_ = b.Close() // its link may already be torn down by a

	records, err := a.history.LoadRecent(DefaultTopic, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "hello gossip", records[0].Content)
	require.Equal(t, a.ID().String(), records[0].From)

	select {
	case extra := <-delivered:
		t.Fatalf("message delivered twice: %s", extra.ID)
	default:
	}
}
