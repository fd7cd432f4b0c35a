package swarm

import (
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/baderanaas/gossipnet/pkg/upgrader"
)

// EventKind tags an Event.
type EventKind int

const (
	// Connected carries a freshly upgraded connection that is not attached yet.
	Connected EventKind = iota
	// Disconnected reports that an attached connection died.
	Disconnected
	// Message carries a decoded RPC.
	Message
	// Malformed reports an undecodable or oversized frame.
	Malformed
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Message:
		return "message"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Event is something the network produced for the event loop.
type Event struct {
	Kind EventKind
	Peer peer.ID
	Conn *upgrader.Conn
	RPC  *pb.RPC
	Err  error
}
