package transport

import (
	"context"
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

func dialTCP(ctx context.Context, addr ma.Multiaddr) (net.Conn, error) {
	var d manet.Dialer
	return d.DialContext(ctx, addr)
}

type tcpListener struct {
	manet.Listener
}

func listenTCP(addr ma.Multiaddr) (Listener, error) {
	l, err := manet.Listen(addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{Listener: l}, nil
}

func (l *tcpListener) Accept() (*RawConn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &RawConn{Conn: conn, Kind: NativeStream, Remote: conn.RemoteMultiaddr()}, nil
}
