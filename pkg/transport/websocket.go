package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var wsComponent = ma.StringCast("/ws")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser peers connect from arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

func dialWebsocket(ctx context.Context, addr ma.Multiaddr) (net.Conn, error) {
	_, hostport, err := manet.DialArgs(addr.Decapsulate(wsComponent))
	if err != nil {
		return nil, err
	}

	c, resp, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+hostport+"/", nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSConn(c), nil
}

// wsConn presents a WebSocket as a byte stream. Each Write is one binary message.
type wsConn struct {
	*websocket.Conn

	reader    io.Reader
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{Conn: c}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.Conn.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.SetWriteDeadline(t)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.Conn.Close()
	})
	return err
}

type wsListener struct {
	addr     ma.Multiaddr
	server   *http.Server
	incoming chan *RawConn
	closed   chan struct{}
	once     sync.Once
}

func listenWebsocket(addr ma.Multiaddr) (Listener, error) {
	l, err := manet.Listen(addr.Decapsulate(wsComponent))
	if err != nil {
		return nil, err
	}

	wl := &wsListener{
		addr:     l.Multiaddr().Encapsulate(wsComponent),
		incoming: make(chan *RawConn),
		closed:   make(chan struct{}),
	}
	wl.server = &http.Server{Handler: wl, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := wl.server.Serve(manet.NetListener(l)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("websocket listener on %s stopped: %v", wl.addr, err)
		}
	}()
	return wl, nil
}

func (l *wsListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	remote := l.addr
	if tcpAddr, err := manet.FromNetAddr(c.RemoteAddr()); err == nil {
		remote = tcpAddr.Encapsulate(wsComponent)
	}

	select {
	case l.incoming <- &RawConn{Conn: newWSConn(c), Kind: NativeStreamWithFraming, Remote: remote}:
	case <-l.closed:
		_ = c.Close()
	}
}

func (l *wsListener) Accept() (*RawConn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Multiaddr() ma.Multiaddr { return l.addr }

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.server.Close()
	})
	return err
}
