package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	mss "github.com/multiformats/go-multistream"

	"github.com/baderanaas/gossipnet/pkg/gossip"
	"github.com/baderanaas/gossipnet/pkg/upgrader"
)

var (
	// ErrQueueFull is returned by Send when the peer is not draining its queue.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrLinkClosed is returned by Send after the connection went away.
	ErrLinkClosed = errors.New("link closed")
)

// Link is the gossip plumbing for one attached connection. It implements
// gossip.Outbox.
type Link struct {
	s    *Swarm
	conn *upgrader.Conn

	queue     chan *pb.RPC
	closed    chan struct{}
	closeOnce sync.Once
}

func newLink(s *Swarm, conn *upgrader.Conn) *Link {
	return &Link{
		s:      s,
		conn:   conn,
		queue:  make(chan *pb.RPC, s.cfg.QueueSize),
		closed: make(chan struct{}),
	}
}

func (l *Link) Peer() peer.ID { return l.conn.RemotePeer() }

func (l *Link) Conn() *upgrader.Conn { return l.conn }

// Send queues rpc for the writer goroutine without blocking.
func (l *Link) Send(rpc *pb.RPC) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	select {
	case l.queue <- rpc:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close tears down the connection; every open stream fails.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}

func (l *Link) start() {
	l.s.wg.Add(2)
	go l.writeLoop()
	go l.acceptLoop()
}

// writeLoop owns the single outbound gossip stream of the link.
func (l *Link) writeLoop() {
	defer l.s.wg.Done()

	ctx, cancel := context.WithCancel(l.s.ctx)
	defer cancel()
	go func() {
		select {
		case <-l.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := l.conn.OpenStream(ctx)
	if err != nil {
		log.Debugf("failed to open gossip stream to %s: %v", l.Peer(), err)
		_ = l.Close()
		return
	}
	defer st.Close()

	if err := mss.SelectProtoOrFail(gossip.ProtocolID, st); err != nil {
		log.Warnf("peer %s does not speak %s: %v", l.Peer(), gossip.ProtocolID, err)
		_ = l.Close()
		return
	}

	w := gossip.NewRPCWriter(st)
	for {
		select {
		case rpc := <-l.queue:
			if err := w.WriteRPC(rpc); err != nil {
				log.Debugf("write to %s failed: %v", l.Peer(), err)
				_ = l.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// acceptLoop reads every inbound stream. It reports the disconnect exactly
// once, when the connection stops yielding streams.
func (l *Link) acceptLoop() {
	defer l.s.wg.Done()
	for {
		st, err := l.conn.AcceptStream()
		if err != nil {
			_ = l.Close()
			l.s.emit(Event{Kind: Disconnected, Peer: l.Peer(), Conn: l.conn, Err: err})
			return
		}
		l.s.wg.Add(1)
		go l.readStream(st)
	}
}

func (l *Link) readStream(st network.MuxedStream) {
	defer l.s.wg.Done()
	defer st.Close()

	if _, _, err := l.s.protocols.Negotiate(st); err != nil {
		log.Debugf("inbound stream from %s: %v", l.Peer(), err)
		_ = st.Reset()
		return
	}

	r := gossip.NewRPCReader(st, l.s.cfg.MaxMessageSize)
	for {
		rpc, err := r.ReadRPC()
		if err != nil {
			var perr *gossip.ProtocolError
			if !errors.As(err, &perr) {
				return
			}
			perr.Peer = l.Peer()
			if !l.s.emit(Event{Kind: Malformed, Peer: l.Peer(), Conn: l.conn, Err: perr}) {
				return
			}
			if errors.Is(err, msgio.ErrMsgTooLarge) {
				_ = st.Reset()
				return
			}
			continue
		}
		if !l.s.emit(Event{Kind: Message, Peer: l.Peer(), Conn: l.conn, RPC: rpc}) {
			return
		}
	}
}

func newProtocolMuxer() *mss.MultistreamMuxer[protocol.ID] {
	m := mss.NewMultistreamMuxer[protocol.ID]()
	m.AddHandler(gossip.ProtocolID, nil)
	return m
}

func (l *Link) String() string {
	return fmt.Sprintf("link{%s via %s}", l.Peer(), l.conn.RemoteMultiaddr())
}
