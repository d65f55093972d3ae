package chaos

import (
	"context"
	"errors"
	"sync"

	"marketmaker/pkg/exception"
	"marketmaker/pkg/websocket"
)

// ErrInjected is returned by dials failed on purpose.
var ErrInjected = errors.New("chaos: injected failure")

// Dialer wraps a dialer with dial failures and inbound frame faults.
type Dialer struct {
	inner websocket.Dialer
	cfg   Config

	mu      sync.Mutex
	dials   int
	failing int
}

// NewDialer creates a fault-injecting dialer.
func NewDialer(inner websocket.Dialer, cfg Config) (*Dialer, error) {
	if inner == nil {
		return nil, exception.ErrWebSocketNilDialer
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dialer{inner: inner, cfg: cfg, failing: cfg.FailDials}, nil
}

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	d.failing += n
	d.mu.Unlock()
}

// Dials returns the number of dial attempts so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *Dialer) Dial(ctx context.Context) (websocket.Conn, error) {
	d.mu.Lock()
	d.dials++
	attempt := d.dials
	fail := d.failing > 0
	if fail {
		d.failing--
	}
	d.mu.Unlock()
	if fail {
		return nil, ErrInjected
	}

	conn, err := d.inner.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if d.cfg.DropRate == 0 && d.cfg.DuplicateRate == 0 && d.cfg.ReorderWindow <= 1 {
		return conn, nil
	}
	cfg := d.cfg
	if cfg.Seed != 0 {
		cfg.Seed += int64(attempt)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, engine: engine}, nil
}

// Conn applies the engine to every inbound data frame.
type Conn struct {
	websocket.Conn
	engine *Engine
	queue  [][]byte
}

func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	for {
		if len(c.queue) > 0 {
			frame := c.queue[0]
			c.queue = c.queue[1:]
			return websocket.MessageText, frame, nil
		}
		msgType, payload, err := c.Conn.Read(ctx)
		if err != nil {
			if rest := c.engine.Flush(); len(rest) > 0 {
				c.queue = append(c.queue, rest...)
				continue
			}
			return msgType, payload, err
		}
		if msgType != websocket.MessageText && msgType != websocket.MessageBinary {
			return msgType, payload, nil
		}
		c.queue = append(c.queue, c.engine.Process(payload)...)
	}
}

// MemDialer hands out in-memory connections and publishes each one on Conns.
type MemDialer struct {
	Conns chan *MemConn
}

// NewMemDialer creates a dialer able to buffer capacity connections.
func NewMemDialer(capacity int) *MemDialer {
	if capacity <= 0 {
		capacity = 16
	}
	return &MemDialer{Conns: make(chan *MemConn, capacity)}
}

func (d *MemDialer) Dial(ctx context.Context) (websocket.Conn, error) {
	conn := NewMemConn()
	select {
	case d.Conns <- conn:
	default:
	}
	return conn, nil
}

// MemConn is an in-memory connection; Push plays the server, Writes observes the client.
type MemConn struct {
	inbound   chan []byte
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

// NewMemConn creates an open in-memory connection.
func NewMemConn() *MemConn {
	return &MemConn{
		inbound: make(chan []byte, 256),
		writes:  make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

// Push delivers a frame to the client side.
func (c *MemConn) Push(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	case c.inbound <- payload:
		return true
	}
}

// Writes streams every frame the client wrote.
func (c *MemConn) Writes() <-chan []byte {
	return c.writes
}

// Written returns a copy of every frame the client wrote.
func (c *MemConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Done is closed once the connection is closed by either side.
func (c *MemConn) Done() <-chan struct{} {
	return c.closed
}

func (c *MemConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, exception.ErrWebSocketConnectionClose
	case payload := <-c.inbound:
		return websocket.MessageText, payload, nil
	}
}

func (c *MemConn) Write(ctx context.Context, msgType websocket.MessageType, payload []byte) error {
	select {
	case <-c.closed:
		return exception.ErrWebSocketConnectionClose
	default:
	}
	buf := append([]byte(nil), payload...)
	c.mu.Lock()
	c.written = append(c.written, buf)
	c.mu.Unlock()
	select {
	case c.writes <- buf:
	default:
	}
	return nil
}

func (c *MemConn) Close(code websocket.CloseCode, reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
