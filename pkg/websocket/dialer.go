package websocket

import (
	"context"
	"net/http"
	"time"

	gws "github.com/gorilla/websocket"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadLimit        = 4 << 20
)

// GorillaDialer dials URL with gorilla/websocket.
type GorillaDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// NewDialer returns a dialer with default handshake timeout and read limit.
func NewDialer(url string) *GorillaDialer {
	return &GorillaDialer{
		URL:              url,
		HandshakeTimeout: DefaultHandshakeTimeout,
		ReadLimit:        DefaultReadLimit,
	}
}

// Dial opens a connection, bounded by the handshake timeout.
func (d *GorillaDialer) Dial(ctx context.Context) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := gws.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	c, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &gorillaConn{c: c}, nil
}

type gorillaConn struct {
	c *gws.Conn
}

func (g *gorillaConn) Read(ctx context.Context) (MessageType, []byte, error) {
	msgType, payload, err := g.c.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	return MessageType(msgType), payload, nil
}

func (g *gorillaConn) Write(ctx context.Context, msgType MessageType, payload []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	switch msgType {
	case MessagePing, MessagePong, MessageClose:
		return g.c.WriteControl(int(msgType), payload, deadline)
	}
	if err := g.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return g.c.WriteMessage(int(msgType), payload)
}

func (g *gorillaConn) Close(code CloseCode, reason string) error {
	msg := gws.FormatCloseMessage(int(code), reason)
	_ = g.c.WriteControl(gws.CloseMessage, msg, time.Now().Add(time.Second))
	return g.c.Close()
}
