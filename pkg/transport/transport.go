package transport

import (
	"context"
	"net"
	"runtime"

	ma "github.com/multiformats/go-multiaddr"
)

// Kind tags the transport variant that produced a connection.
type Kind int

const (
	// Injected is an externally supplied transport, e.g. one handed in by a sandboxed host.
	Injected Kind = iota
	// NativeStream is plain TCP.
	NativeStream
	// NativeStreamWithFraming is WebSocket framing over TCP.
	NativeStreamWithFraming
)

func (k Kind) String() string {
	switch k {
	case Injected:
		return "injected"
	case NativeStream:
		return "tcp"
	case NativeStreamWithFraming:
		return "websocket"
	default:
		return "unknown"
	}
}

// Transport is the contract an injected transport satisfies.
type Transport interface {
	// CanDial reports whether the transport handles the address scheme.
	CanDial(addr ma.Multiaddr) bool
	Dial(ctx context.Context, addr ma.Multiaddr) (net.Conn, error)
}

// ListeningTransport is an injected transport that can also accept connections.
type ListeningTransport interface {
	Transport
	Listen(addr ma.Multiaddr) (net.Listener, error)
}

// RawConn is a connection before the security and multiplexer upgrade.
type RawConn struct {
	net.Conn
	Kind   Kind
	Remote ma.Multiaddr
}

// Listener yields inbound raw connections.
type Listener interface {
	Accept() (*RawConn, error)
	Multiaddr() ma.Multiaddr
	Close() error
}

// NativeSocketsAvailable reports whether the platform can open raw sockets.
// Browser and WASI hosts cannot; nodes there are dial-only through an injected transport.
func NativeSocketsAvailable() bool {
	return runtime.GOOS != "js" && runtime.GOOS != "wasip1"
}
