package upgrader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/sec"
	yamux "github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	mplex "github.com/libp2p/go-libp2p-mplex"
	ma "github.com/multiformats/go-multiaddr"
	mss "github.com/multiformats/go-multistream"

	"github.com/baderanaas/gossipnet/pkg/identity"
	"github.com/baderanaas/gossipnet/pkg/transport"
)

var log = logging.Logger("gossipnet/upgrader")

type outboundSecurer interface {
	SecureOutbound(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error)
}

type securityTransport struct {
	sec.SecureTransport
	// anyPeer secures outbound connections when the remote PeerId is not known in advance.
	anyPeer outboundSecurer
}

// Upgrader turns raw connections into authenticated, multiplexed ones.
type Upgrader struct {
	local   peer.ID
	timeout time.Duration

	securityIDs []protocol.ID
	security    map[protocol.ID]securityTransport
	secMux      *mss.MultistreamMuxer[protocol.ID]

	muxerIDs []protocol.ID
	muxers   map[protocol.ID]network.Multiplexer
	muxMux   *mss.MultistreamMuxer[protocol.ID]
}

// New creates an Upgrader keyed by the local identity.
func New(id *identity.Identity, cfg Config) (*Upgrader, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	u := &Upgrader{
		local:       id.PeerID(),
		timeout:     cfg.Timeout,
		securityIDs: cfg.Security,
		security:    make(map[protocol.ID]securityTransport),
		secMux:      mss.NewMultistreamMuxer[protocol.ID](),
		muxerIDs:    cfg.Muxers,
		muxers:      make(map[protocol.ID]network.Multiplexer),
		muxMux:      mss.NewMultistreamMuxer[protocol.ID](),
	}

	for _, secID := range cfg.Security {
		st, err := newSecurityTransport(secID, id.PrivateKey())
		if err != nil {
			return nil, fmt.Errorf("failed to set up %s: %w", secID, err)
		}
		u.security[secID] = st
		u.secMux.AddHandler(secID, nil)
	}

	for _, muxID := range cfg.Muxers {
		switch muxID {
		case yamux.ID:
			u.muxers[muxID] = yamux.DefaultTransport
		case mplex.ID:
			u.muxers[muxID] = mplex.DefaultTransport
		}
		u.muxMux.AddHandler(muxID, nil)
	}
	return u, nil
}

func newSecurityTransport(id protocol.ID, priv crypto.PrivKey) (securityTransport, error) {
	switch id {
	case noise.ID:
		tpt, err := noise.New(noise.ID, priv, nil)
		if err != nil {
			return securityTransport{}, err
		}
		anyPeer, err := tpt.WithSessionOptions(noise.DisablePeerIDCheck())
		if err != nil {
			return securityTransport{}, err
		}
		return securityTransport{SecureTransport: tpt, anyPeer: anyPeer}, nil
	case libp2ptls.ID:
		tpt, err := libp2ptls.New(libp2ptls.ID, priv, nil)
		if err != nil {
			return securityTransport{}, err
		}
		return securityTransport{SecureTransport: tpt, anyPeer: tpt}, nil
	default:
		return securityTransport{}, fmt.Errorf("unsupported security protocol: %s", id)
	}
}

// Timeout returns the deadline applied to each upgrade.
func (u *Upgrader) Timeout() time.Duration { return u.timeout }

// Upgrade secures raw and layers a stream multiplexer over it. When expected is
// non-empty on an outbound connection, the remote must prove that identity.
// The raw connection is closed on any failure.
func (u *Upgrader) Upgrade(ctx context.Context, raw *transport.RawConn, dir network.Direction, expected peer.ID) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	// Negotiation reads do not take a context, so expiry unblocks them by closing the socket.
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })

	conn, err := u.upgrade(ctx, raw, dir, expected)
	if !stop() {
		if conn != nil {
			_ = conn.Close()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrUpgradeTimeout, raw.Remote, u.timeout)
		}
		return nil, fmt.Errorf("upgrade of %s aborted: %w", raw.Remote, ctx.Err())
	}
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func (u *Upgrader) upgrade(ctx context.Context, raw *transport.RawConn, dir network.Direction, expected peer.ID) (*Conn, error) {
	sconn, secID, err := u.secure(ctx, raw, dir, expected)
	if err != nil {
		return nil, err
	}

	muxed, muxID, err := u.multiplex(sconn, dir)
	if err != nil {
		return nil, err
	}

	log.Debugf("upgraded %s connection with %s (%s, %s, %s)", dir, sconn.RemotePeer(), raw.Kind, secID, muxID)
	return &Conn{
		MuxedConn: muxed,
		local:     u.local,
		remote:    sconn.RemotePeer(),
		remoteKey: sconn.RemotePublicKey(),
		addr:      raw.Remote,
		kind:      raw.Kind,
		security:  secID,
		muxer:     muxID,
		dir:       dir,
	}, nil
}

func (u *Upgrader) secure(ctx context.Context, raw *transport.RawConn, dir network.Direction, expected peer.ID) (sec.SecureConn, protocol.ID, error) {
	fail := func(err error) (sec.SecureConn, protocol.ID, error) {
		return nil, "", &HandshakeError{Remote: raw.Remote, Expected: expected, Err: err}
	}

	var (
		secID protocol.ID
		err   error
	)
	if dir == network.DirOutbound {
		secID, err = mss.SelectOneOf(u.securityIDs, raw)
	} else {
		secID, _, err = u.secMux.Negotiate(raw)
	}
	if err != nil {
		return fail(fmt.Errorf("security negotiation: %w", err))
	}

	st := u.security[secID]
	var sconn sec.SecureConn
	switch {
	case dir == network.DirInbound:
		sconn, err = st.SecureInbound(ctx, raw, "")
	case expected == "":
		sconn, err = st.anyPeer.SecureOutbound(ctx, raw, "")
	default:
		sconn, err = st.SecureOutbound(ctx, raw, expected)
	}
	if err != nil {
		return fail(err)
	}
	if expected != "" && sconn.RemotePeer() != expected {
		_ = sconn.Close()
		return fail(fmt.Errorf("remote proved %s", sconn.RemotePeer()))
	}
	return sconn, secID, nil
}

func (u *Upgrader) multiplex(sconn sec.SecureConn, dir network.Direction) (network.MuxedConn, protocol.ID, error) {
	var (
		muxID protocol.ID
		err   error
	)
	if dir == network.DirOutbound {
		muxID, err = mss.SelectOneOf(u.muxerIDs, sconn)
	} else {
		muxID, _, err = u.muxMux.Negotiate(sconn)
	}
	if err != nil {
		return nil, "", &MultiplexNegotiationError{Peer: sconn.RemotePeer(), Err: err}
	}

	muxed, err := u.muxers[muxID].NewConn(sconn, dir == network.DirInbound, &network.NullScope{})
	if err != nil {
		return nil, "", &MultiplexNegotiationError{Peer: sconn.RemotePeer(), Err: err}
	}
	return muxed, muxID, nil
}

// Conn is an authenticated, multiplexed connection to a single peer.
type Conn struct {
	network.MuxedConn

	local     peer.ID
	remote    peer.ID
	remoteKey crypto.PubKey
	addr      ma.Multiaddr
	kind      transport.Kind
	security  protocol.ID
	muxer     protocol.ID
	dir       network.Direction
}

func (c *Conn) LocalPeer() peer.ID { return c.local }
func (c *Conn) RemotePeer() peer.ID { return c.remote }
func (c *Conn) RemotePublicKey() crypto.PubKey { return c.remoteKey }
func (c *Conn) RemoteMultiaddr() ma.Multiaddr { return c.addr }
func (c *Conn) Transport() transport.Kind { return c.kind }
func (c *Conn) Security() protocol.ID { return c.security }
func (c *Conn) Muxer() protocol.ID { return c.muxer }
func (c *Conn) Direction() network.Direction { return c.dir }
