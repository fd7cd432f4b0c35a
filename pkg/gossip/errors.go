package gossip

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ProtocolError is a malformed frame or RPC from a single peer. It never
// affects other peers.
type ProtocolError struct {
	Peer   peer.ID
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error from %s: %s: %v", e.Peer, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error from %s: %s", e.Peer, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
