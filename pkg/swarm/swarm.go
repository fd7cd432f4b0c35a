package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	mss "github.com/multiformats/go-multistream"
	"go.uber.org/multierr"

	"github.com/baderanaas/gossipnet/pkg/transport"
	"github.com/baderanaas/gossipnet/pkg/upgrader"
)

var log = logging.Logger("gossipnet/swarm")

// Swarm owns the connection table. Dialing, accepting and stream I/O run on
// background goroutines that report through Events; Attach, ClosePeer, Links,
// Current, Forget and Close must be called from the goroutine consuming Events.
type Swarm struct {
	cfg       Config
	composer  *transport.Composer
	upgrader  *upgrader.Upgrader
	protocols *mss.MultistreamMuxer[protocol.ID]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan Event

	links map[peer.ID]*Link

	lk        sync.Mutex
	listeners []transport.Listener
}

// New creates a swarm dialing through composer and securing with upg.
func New(composer *transport.Composer, upg *upgrader.Upgrader, cfg Config) (*Swarm, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid swarm config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Swarm{
		cfg:       cfg,
		composer:  composer,
		upgrader:  upg,
		protocols: newProtocolMuxer(),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan Event, cfg.EventBuffer),
		links:     make(map[peer.ID]*Link),
	}, nil
}

// Events yields connection and protocol events in arrival order.
func (s *Swarm) Events() <-chan Event { return s.events }

func (s *Swarm) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Connect dials addr and upgrades the connection, blocking until done. A
// /p2p component in addr pins the identity the remote must prove. The upgrader
// timeout bounds the whole chain, dial included.
func (s *Swarm) Connect(ctx context.Context, addr ma.Multiaddr) (*upgrader.Conn, error) {
	_, expected := peer.SplitAddr(addr)

	timeout := s.upgrader.Timeout()
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := s.dial(dctx, addr)
	if err != nil {
		if ctx.Err() == nil && expired(dctx) {
			return nil, fmt.Errorf("%w: dialing %s after %s", upgrader.ErrUpgradeTimeout, addr, timeout)
		}
		return nil, err
	}
	return s.upgrader.Upgrade(dctx, raw, network.DirOutbound, expected)
}

// dial returns once ctx is done even if the transport ignores it. A connection
// that completes afterwards is closed.
func (s *Swarm) dial(ctx context.Context, addr ma.Multiaddr) (*transport.RawConn, error) {
	type result struct {
		raw *transport.RawConn
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := s.composer.Dial(ctx, addr)
		done <- result{raw, err}
	}()

	select {
	case r := <-done:
		return r.raw, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.raw != nil {
				_ = r.raw.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// expired reports whether ctx has reached its deadline. Transports that map the
// deadline onto socket timeouts can fail a moment before ctx itself is done.
func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return errors.Is(ctx.Err(), context.DeadlineExceeded)
	}
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

// Dial connects to addr in the background. Success is reported as a Connected
// event; failure is only logged.
func (s *Swarm) Dial(ctx context.Context, addr ma.Multiaddr) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()

		conn, err := s.Connect(ctx, addr)
		if err != nil {
			log.Warnf("dial %s failed: %v", addr, err)
			return
		}
		log.Infof("connected to %s at %s", conn.RemotePeer(), addr)
		if !s.emit(Event{Kind: Connected, Peer: conn.RemotePeer(), Conn: conn}) {
			_ = conn.Close()
		}
	}()
}

// Listen binds addr and serves it. It returns a nil address, and no error,
// when the platform cannot listen.
func (s *Swarm) Listen(addr ma.Multiaddr) (ma.Multiaddr, error) {
	l, err := s.composer.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if l == nil {
		log.Infof("listening is not supported here, %s ignored", addr)
		return nil, nil
	}
	s.Serve(l)
	return l.Multiaddr(), nil
}

// Serve accepts connections from l until the swarm is closed. Each inbound
// connection is upgraded on its own goroutine.
func (s *Swarm) Serve(l transport.Listener) {
	s.lk.Lock()
	s.listeners = append(s.listeners, l)
	s.lk.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			raw, err := l.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) && s.ctx.Err() == nil {
					log.Errorf("accept on %s failed: %v", l.Multiaddr(), err)
				}
				return
			}
			s.wg.Add(1)
			go s.upgradeInbound(raw)
		}
	}()
}

func (s *Swarm) upgradeInbound(raw *transport.RawConn) {
	defer s.wg.Done()
	conn, err := s.upgrader.Upgrade(s.ctx, raw, network.DirInbound, "")
	if err != nil {
		log.Debugf("inbound upgrade from %s failed: %v", raw.Remote, err)
		return
	}
	log.Infof("accepted connection from %s", conn.RemotePeer())
	if !s.emit(Event{Kind: Connected, Peer: conn.RemotePeer(), Conn: conn}) {
		_ = conn.Close()
	}
}

// ListenAddrs returns the addresses of every active listener.
func (s *Swarm) ListenAddrs() []ma.Multiaddr {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]ma.Multiaddr, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.Multiaddr())
	}
	return out
}

// Attach starts the gossip plumbing for conn. A peer keeps a single link: when
// one exists, the connection dialed by the smaller peer ID wins on both ends, so
// simultaneous dials converge on the same connection. The loser is closed and
// Attach returns false if that is conn.
func (s *Swarm) Attach(conn *upgrader.Conn) (*Link, bool) {
	p := conn.RemotePeer()
	if old, ok := s.links[p]; ok {
		if dialer(conn) >= dialer(old.conn) {
			log.Debugf("closing duplicate connection to %s", p)
			_ = conn.Close()
			return nil, false
		}
		log.Debugf("replacing connection to %s with one dialed by %s", p, dialer(conn))
		_ = old.Close()
	}
	l := newLink(s, conn)
	s.links[p] = l
	l.start()
	return l, true
}

func dialer(c *upgrader.Conn) peer.ID {
	if c.Direction() == network.DirOutbound {
		return c.LocalPeer()
	}
	return c.RemotePeer()
}

// Current reports whether ev belongs to the link currently attached for its peer.
func (s *Swarm) Current(ev Event) bool {
	l, ok := s.links[ev.Peer]
	return ok && l.conn == ev.Conn
}

// Forget drops the link of a Disconnected event from the table.
func (s *Swarm) Forget(ev Event) {
	if s.Current(ev) {
		delete(s.links, ev.Peer)
	}
}

// ClosePeer closes the connection to p. A Disconnected event follows.
func (s *Swarm) ClosePeer(p peer.ID) error {
	l, ok := s.links[p]
	if !ok {
		return fmt.Errorf("peer %s not connected", p)
	}
	return l.Close()
}

// Links returns the connected peers.
func (s *Swarm) Links() []peer.ID {
	out := make([]peer.ID, 0, len(s.links))
	for p := range s.links {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close shuts every listener and connection down and waits for the background
// goroutines to exit.
func (s *Swarm) Close() error {
	s.cancel()

	var errs error
	s.lk.Lock()
	for _, l := range s.listeners {
		errs = multierr.Append(errs, l.Close())
	}
	s.listeners = nil
	s.lk.Unlock()

	for _, l := range s.links {
		errs = multierr.Append(errs, l.Close())
	}
	s.wg.Wait()
	return errs
}
