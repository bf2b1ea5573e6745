// Package ws provides a websocket transport for courier connections, for
// brokers exposed behind HTTP infrastructure. Install it with
// courier.WithDialer:
//
//	conn, err := courier.Connect("ws://broker.example.com:8080",
//	    courier.WithDialer(ws.New()))
package ws

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer dials courier servers over websockets. The zero value is usable;
// set Dialer to customize TLS, proxies or handshake behavior.
type Dialer struct {
	// Dialer is the underlying websocket dialer. Nil means
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// New returns a websocket dialer with default settings.
func New() *Dialer {
	return &Dialer{}
}

// DialContext implements courier.ContextDialer. addr is the raw server URL
// and must use the ws or wss scheme.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("ws: invalid address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("ws: unsupported scheme %q (want ws or wss)", u.Scheme)
	}

	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}

	c, resp, err := wd.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: handshake failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("ws: handshake failed: %w", err)
	}
	return &wsConn{conn: c}, nil
}

// wsConn adapts a websocket connection to net.Conn. The byte stream is
// carried in binary messages; message boundaries have no protocol meaning.
type wsConn struct {
	conn *websocket.Conn

	// r is the reader for the websocket message currently being consumed.
	r io.Reader

	// wmu serializes writes; the websocket package allows only one
	// concurrent writer.
	wmu sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
