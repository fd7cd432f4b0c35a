package transport

import (
	"context"
	"fmt"
	"net"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"
	mafmt "github.com/multiformats/go-multiaddr-fmt"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("gossipnet/transport")

var (
	tcpPattern       = mafmt.Or(mafmt.And(mafmt.IP, mafmt.Base(ma.P_TCP)), mafmt.And(mafmt.DNS, mafmt.Base(ma.P_TCP)))
	websocketPattern = mafmt.And(tcpPattern, mafmt.Base(ma.P_WS))
)

// Options configures a Composer.
type Options struct {
	// External is an optional injected transport. It is consulted first.
	External Transport
	// DisableNative drops the TCP and WebSocket candidates even when the platform has sockets.
	DisableNative bool
	// Resolver resolves /dns* addresses. Nil uses madns.DefaultResolver.
	Resolver *madns.Resolver
	// DisableDNS skips resolution and dials /dns* addresses unresolved.
	DisableDNS bool
}

type candidate struct {
	kind   Kind
	match  func(ma.Multiaddr) bool
	dial   func(ctx context.Context, addr ma.Multiaddr) (net.Conn, error)
	listen func(addr ma.Multiaddr) (Listener, error)
}

// Composer is a single logical transport built from an ordered candidate table.
// The first candidate whose scheme matches an address handles it; a failing
// candidate is not retried on the next one.
type Composer struct {
	candidates []candidate
	resolver   *madns.Resolver
	native     bool
}

// NewComposer builds the candidate table in declared order:
// injected, then WebSocket over TCP, then TCP.
func NewComposer(opts Options) *Composer {
	c := &Composer{}
	if !opts.DisableDNS {
		c.resolver = opts.Resolver
		if c.resolver == nil {
			c.resolver = madns.DefaultResolver
		}
	}

	if ext := opts.External; ext != nil {
		cand := candidate{kind: Injected, match: ext.CanDial, dial: ext.Dial}
		if lt, ok := ext.(ListeningTransport); ok {
			cand.listen = func(addr ma.Multiaddr) (Listener, error) {
				l, err := lt.Listen(addr)
				if err != nil {
					return nil, err
				}
				return &injectedListener{Listener: l, addr: addr}, nil
			}
		}
		c.candidates = append(c.candidates, cand)
	}

	if !opts.DisableNative && NativeSocketsAvailable() {
		c.native = true
		c.candidates = append(c.candidates,
			candidate{
				kind:   NativeStreamWithFraming,
				match:  websocketPattern.Matches,
				dial:   c.resolving(dialWebsocket),
				listen: listenWebsocket,
			},
			candidate{
				kind:   NativeStream,
				match:  tcpPattern.Matches,
				dial:   c.resolving(dialTCP),
				listen: listenTCP,
			},
		)
	}
	return c
}

// Kinds lists the configured candidates in routing order.
func (c *Composer) Kinds() []Kind {
	kinds := make([]Kind, 0, len(c.candidates))
	for _, cand := range c.candidates {
		kinds = append(kinds, cand.kind)
	}
	return kinds
}

// Route returns the candidate kind that would handle addr.
func (c *Composer) Route(addr ma.Multiaddr) (Kind, error) {
	cand, err := c.route(addr)
	if err != nil {
		return 0, err
	}
	return cand.kind, nil
}

func (c *Composer) route(addr ma.Multiaddr) (*candidate, error) {
	for i := range c.candidates {
		if c.candidates[i].match(addr) {
			return &c.candidates[i], nil
		}
	}
	return nil, ErrNoTransport
}

// Dial opens a raw connection to addr. A trailing /p2p component is ignored here;
// identity checks belong to the upgrader.
func (c *Composer) Dial(ctx context.Context, addr ma.Multiaddr) (*RawConn, error) {
	tptAddr, _ := peer.SplitAddr(addr)
	if tptAddr == nil {
		return nil, &DialError{Addr: addr, Err: ErrNoTransport}
	}

	cand, err := c.route(tptAddr)
	if err != nil {
		return nil, &DialError{Addr: addr, Err: err}
	}

	conn, err := cand.dial(ctx, tptAddr)
	if err != nil {
		return nil, &DialError{Addr: addr, Kind: cand.kind, Err: err}
	}
	log.Debugf("dialed %s via %s", tptAddr, cand.kind)
	return &RawConn{Conn: conn, Kind: cand.kind, Remote: tptAddr}, nil
}

// Listen binds addr on the first matching candidate that can listen. Without
// native sockets the node is dial-only, so an unlistenable address yields a nil
// Listener and no error; with them it is an error.
func (c *Composer) Listen(addr ma.Multiaddr) (Listener, error) {
	var cand *candidate
	for i := range c.candidates {
		if c.candidates[i].listen != nil && c.candidates[i].match(addr) {
			cand = &c.candidates[i]
			break
		}
	}
	if cand == nil {
		if !c.native {
			log.Debugf("listening on %s is not supported here, running dial-only", addr)
			return nil, nil
		}
		return nil, fmt.Errorf("listen %s: %w", addr, ErrNoTransport)
	}

	l, err := cand.listen(addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s via %s: %w", addr, cand.kind, err)
	}
	return l, nil
}

// resolving wraps a native dialer with DNS resolution. Resolution failures fall
// back to the unresolved address so literal and system-resolvable names still work.
func (c *Composer) resolving(dial func(context.Context, ma.Multiaddr) (net.Conn, error)) func(context.Context, ma.Multiaddr) (net.Conn, error) {
	return func(ctx context.Context, addr ma.Multiaddr) (net.Conn, error) {
		if c.resolver == nil || !madns.Matches(addr) {
			return dial(ctx, addr)
		}

		resolved, err := c.resolver.Resolve(ctx, addr)
		if err != nil || len(resolved) == 0 {
			log.Warnf("dns resolution of %s failed, dialing unresolved: %v", addr, err)
			return dial(ctx, addr)
		}
		return dial(ctx, resolved[0])
	}
}

type injectedListener struct {
	net.Listener
	addr ma.Multiaddr
}

func (l *injectedListener) Accept() (*RawConn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	remote, err := manet.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		remote = l.addr
	}
	return &RawConn{Conn: conn, Kind: Injected, Remote: remote}, nil
}

func (l *injectedListener) Multiaddr() ma.Multiaddr { return l.addr }
