package node

import (
	"context"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/baderanaas/gossipnet/pkg/gossip"
	"github.com/baderanaas/gossipnet/pkg/identity"
	"github.com/baderanaas/gossipnet/pkg/swarm"
	"github.com/baderanaas/gossipnet/pkg/transport"
	"github.com/baderanaas/gossipnet/pkg/upgrader"
)

var log = logging.Logger("gossipnet/node")

const recentHistory = 20

// Node wires identity, transports, the swarm and the gossip overlay together.
// Everything is owned by the instance, so several nodes can share a process.
type Node struct {
	cfg Config
	id  *identity.Identity

	composer *transport.Composer
	upgrader *upgrader.Upgrader
	swarm    *swarm.Swarm
	overlay  *gossip.Overlay
	history  *History
}

// New builds a node from cfg without touching the network.
func New(cfg Config) (*Node, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, err := identity.Load(cfg.IdentityDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load or generate identity: %w", err)
	}

	n := &Node{cfg: cfg, id: id}
	n.composer = transport.NewComposer(cfg.Transport)
	n.upgrader, err = upgrader.New(id, cfg.Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to create upgrader: %w", err)
	}
	n.swarm, err = swarm.New(n.composer, n.upgrader, cfg.Swarm)
	if err != nil {
		return nil, err
	}
	n.overlay, err = gossip.New(id.PeerID(), cfg.Gossip, n.deliver)
	if err != nil {
		return nil, err
	}

	if cfg.HistoryDir != "" {
		n.history, err = OpenHistory(cfg.HistoryDir)
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) ID() peer.ID { return n.id.PeerID() }

// ListenAddrs returns the bound listen addresses. Safe from any goroutine.
func (n *Node) ListenAddrs() []ma.Multiaddr { return n.swarm.ListenAddrs() }

// Start binds the listeners, joins the default topic and dials the configured
// peer. A bad dial address is logged and does not stop the node.
func (n *Node) Start(ctx context.Context) error {
	fmt.Printf("🆔 Peer ID: %s\n", n.id.PeerID())

	for _, s := range n.cfg.ListenAddrs {
		addr, err := transport.ParseAddr(s)
		if err != nil {
			return err
		}
		if _, err := n.swarm.Listen(addr); err != nil {
			return err
		}
	}

	if err := n.overlay.Subscribe(n.cfg.Topic); err != nil {
		return fmt.Errorf("failed to join topic: %w", err)
	}
	n.showHistory()

	if n.cfg.Dial != "" {
		if err := n.Dial(ctx, n.cfg.Dial); err != nil {
			log.Errorf("❌ Failed to connect to %s: %v", n.cfg.Dial, err)
		}
	}
	return nil
}

// Dial parses s and connects to it in the background. Only a parse failure is
// reported here; connection failures are logged when they happen.
func (n *Node) Dial(ctx context.Context, s string) error {
	addr, err := transport.ParseAddr(s)
	if err != nil {
		return err
	}
	fmt.Printf("🔗 Dialing %s\n", addr)
	n.swarm.Dial(ctx, addr)
	return nil
}

// Run drives the node until ctx is done or the operator input ends.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	var (
		input    <-chan string
		inputErr func() error
	)
	if n.cfg.Input != nil {
		lr := NewLineReader(n.cfg.Input)
		input, inputErr = lr.Lines(), lr.Err
	}
	loop := newLoop(n, input, inputErr, n.swarm.Events(), n.cfg.Clock, n.cfg.Gossip.HeartbeatInterval)

	g.Go(func() error { return loop.Run(ctx) })
	if n.history != nil {
		g.Go(func() error { return n.history.Run(ctx) })
	}
	return g.Wait()
}

// Close shuts the swarm down. It must not race with Run.
func (n *Node) Close() error {
	return n.swarm.Close()
}

func (n *Node) publish(line string) {
	id, err := n.overlay.Publish(n.cfg.Topic, []byte(line))
	if err != nil {
		log.Errorf("❌ Failed to publish: %v", err)
		return
	}
	log.Debugf("published %s on %s", id, n.cfg.Topic)
	n.journal(&gossip.Message{ID: id, Topic: n.cfg.Topic, Data: []byte(line), From: n.id.PeerID()})
}

func (n *Node) handleEvent(ev swarm.Event) {
	switch ev.Kind {
	case swarm.Connected:
		link, ok := n.swarm.Attach(ev.Conn)
		if !ok {
			return
		}
		n.overlay.AddPeer(ev.Peer, link)
		fmt.Printf("🤝 Connected to peer: %s (%s, %s, %s)\n", ev.Peer, ev.Conn.Transport(), ev.Conn.Security(), ev.Conn.Muxer())

	case swarm.Disconnected:
		if !n.swarm.Current(ev) {
			return
		}
		n.swarm.Forget(ev)
		n.overlay.RemovePeer(ev.Peer)
		fmt.Printf("👋 Disconnected from peer: %s\n", ev.Peer)

	case swarm.Message:
		if !n.swarm.Current(ev) {
			return
		}
		if err := n.overlay.HandleRPC(ev.Peer, ev.RPC); err != nil {
			log.Warnf("⚠️ Bad rpc from %s: %v", ev.Peer, err)
			n.penalize(ev.Peer)
		}

	case swarm.Malformed:
		if !n.swarm.Current(ev) {
			return
		}
		log.Warnf("⚠️ %v", ev.Err)
		n.penalize(ev.Peer)
	}
}

func (n *Node) penalize(p peer.ID) {
	if !n.overlay.Penalize(p) {
		return
	}
	log.Warnf("disconnecting %s after repeated protocol errors", p)
	if err := n.swarm.ClosePeer(p); err != nil {
		log.Debugf("close %s: %v", p, err)
	}
}

func (n *Node) heartbeat() {
	if err := n.overlay.Heartbeat(); err != nil {
		log.Warnf("heartbeat: %v", err)
	}
}

func (n *Node) listenAddrs() []ma.Multiaddr { return n.swarm.ListenAddrs() }

func (n *Node) reportListenAddr(addr ma.Multiaddr) {
	fmt.Printf("🎧 Listening on %s/p2p/%s\n", addr, n.id.PeerID())
}

func (n *Node) deliver(msg *gossip.Message) {
	log.Infof("Got message: %s with id: %s from peer: %s", msg.Data, msg.ID, msg.From)
	n.journal(msg)
	if n.cfg.OnMessage != nil {
		n.cfg.OnMessage(msg)
	}
}

func (n *Node) journal(msg *gossip.Message) {
	if n.history == nil {
		return
	}
	r := Record{
		ID:        msg.ID.String(),
		From:      msg.From.String(),
		Topic:     msg.Topic,
		Content:   string(msg.Data),
		Timestamp: n.cfg.Clock.Now(),
	}
	if !n.history.Record(r) {
		log.Warnf("history queue full, message %s not journaled", msg.ID)
	}
}

func (n *Node) showHistory() {
	if n.history == nil {
		return
	}
	records, err := n.history.LoadRecent(n.cfg.Topic, recentHistory)
	if err != nil {
		log.Warnf("⚠️ Could not load message history: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	fmt.Printf("--- History for %s ---\n", n.cfg.Topic)
	for _, r := range records {
		fromShort := r.From
		if len(fromShort) > 12 {
			fromShort = fromShort[:12]
		}
		fmt.Printf("[%s] %s: %s\n", r.Timestamp.Format("15:04"), fromShort, r.Content)
	}
	fmt.Println("--- End of history ---")
}
