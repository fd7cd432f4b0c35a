package upgrader

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// ErrUpgradeTimeout is returned when the upgrade chain does not finish in time.
var ErrUpgradeTimeout = errors.New("connection upgrade timed out")

// HandshakeError reports a failed authentication with the remote side.
type HandshakeError struct {
	Remote   ma.Multiaddr
	Expected peer.ID
	Err      error
}

func (e *HandshakeError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("handshake with %s (expected %s) failed: %v", e.Remote, e.Expected, e.Err)
	}
	return fmt.Sprintf("handshake with %s failed: %v", e.Remote, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// MultiplexNegotiationError reports that no common stream multiplexer was found.
type MultiplexNegotiationError struct {
	Peer peer.ID
	Err  error
}

func (e *MultiplexNegotiationError) Error() string {
	return fmt.Sprintf("multiplexer negotiation with %s failed: %v", e.Peer, e.Err)
}

func (e *MultiplexNegotiationError) Unwrap() error { return e.Err }
