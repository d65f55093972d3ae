package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"marketmaker/internal/errors"
	"marketmaker/pkg/backoff"
	"marketmaker/pkg/exception"
)

const defaultSubscribeBatch = 10

// Config defines the manager runtime configuration.
type Config struct {
	Name           string
	Dialer         Dialer
	Encoder        ControlEncoder
	Handler        Handler
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SubscribeBatch int
	Backoff        backoff.Backoff
	// OnConnect runs after dial and before resubscription. Auth frames go here.
	OnConnect    func(ctx context.Context, w Writer) error
	OnDisconnect func(err error)
	Logger       *zap.SugaredLogger
}

// Manager owns one WebSocket lifecycle: dial, auth, resubscribe, keepalive, reconnect.
type Manager struct {
	cfg           Config
	subscriptions *subscriptions

	connMu sync.Mutex
	conn   Conn

	writeMu     sync.Mutex
	connected   atomic.Bool
	running     atomic.Bool
	lastMessage atomic.Int64
	reconnects  atomic.Uint64
}

// NewManager validates config and builds a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, exception.ErrWebSocketNilDialer
	}
	if cfg.Encoder == nil || cfg.Handler == nil {
		return nil, exception.ErrInvalidArgument
	}
	if cfg.SubscribeBatch <= 0 {
		cfg.SubscribeBatch = defaultSubscribeBatch
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Backoff == (backoff.Backoff{}) {
		cfg.Backoff = backoff.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Manager{
		cfg:           cfg,
		subscriptions: newSubscriptions(),
	}, nil
}

// Subscribe adds topics to the desired set and sends them when connected.
func (m *Manager) Subscribe(ctx context.Context, topics ...string) error {
	added := m.subscriptions.Add(topics...)
	if len(added) == 0 || !m.connected.Load() {
		return nil
	}
	return m.sendSubscribe(ctx, added)
}

// Unsubscribe removes topics from the desired set.
func (m *Manager) Unsubscribe(ctx context.Context, topics ...string) error {
	removed := m.subscriptions.Remove(topics...)
	if len(removed) == 0 || !m.connected.Load() {
		return nil
	}
	msgType, payload, err := m.cfg.Encoder.EncodeUnsubscribe(removed)
	if err != nil {
		return err
	}
	return m.Send(ctx, msgType, payload)
}

// Desired returns the topics that will be restored on every reconnect.
func (m *Manager) Desired() []string {
	return m.subscriptions.Desired()
}

// Active returns the topics sent on the current connection.
func (m *Manager) Active() []string {
	return m.subscriptions.Active()
}

// Connected reports whether a session is live.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// LastMessage returns when the last inbound frame arrived.
func (m *Manager) LastMessage() time.Time {
	ns := m.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reconnects returns how many sessions were re-established after the first.
func (m *Manager) Reconnects() uint64 {
	return m.reconnects.Load()
}

// Send writes a frame on the live connection.
func (m *Manager) Send(ctx context.Context, msgType MessageType, payload []byte) error {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return exception.ErrWebSocketNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.Write(ctx, msgType, payload)
}

// Run drives the connection lifecycle until ctx is done or reconnect attempts are exhausted.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return exception.ErrInvalidArgument
	}
	defer m.running.Store(false)

	attempt := 0
	sessions := 0
	var lastErr error
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 0 {
			if m.cfg.Backoff.Exhausted(attempt) {
				m.cfg.Logger.Errorf("%s: give up after %d attempts, err: %+v", m.cfg.Name, attempt, lastErr)
				return errors.Wrap(exception.ErrReconnectExhausted, m.cfg.Name)
			}
			if err := m.cfg.Backoff.Sleep(ctx, attempt); err != nil {
				return err
			}
		}

		conn, err := m.cfg.Dialer.Dial(ctx)
		if err != nil {
			attempt++
			lastErr = err
			m.cfg.Logger.Warnf("%s: dial attempt %d, err: %+v", m.cfg.Name, attempt, err)
			continue
		}

		if err := m.open(ctx, conn); err != nil {
			m.close(conn, "open_failed")
			attempt++
			lastErr = err
			m.cfg.Logger.Warnf("%s: open session attempt %d, err: %+v", m.cfg.Name, attempt, err)
			continue
		}

		attempt = 0
		if sessions > 0 {
			m.reconnects.Add(1)
		}
		sessions++
		m.cfg.Logger.Infof("%s: connected, topics: %d", m.cfg.Name, len(m.subscriptions.Active()))

		err = m.serve(ctx, conn)
		m.close(conn, "session_end")
		if m.cfg.OnDisconnect != nil {
			m.cfg.OnDisconnect(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		lastErr = err
		m.cfg.Logger.Warnf("%s: disconnected, err: %+v", m.cfg.Name, err)
	}
}

func (m *Manager) open(ctx context.Context, conn Conn) error {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	m.connected.Store(true)
	m.lastMessage.Store(time.Now().UnixNano())

	if m.cfg.OnConnect != nil {
		if err := m.cfg.OnConnect(ctx, m); err != nil {
			return errors.Wrap(err, "on connect")
		}
	}

	m.subscriptions.ClearActive()
	if err := m.sendSubscribe(ctx, m.subscriptions.Desired()); err != nil {
		return errors.Wrap(err, "resubscribe")
	}
	return nil
}

func (m *Manager) close(conn Conn, reason string) {
	m.connected.Store(false)
	m.connMu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.connMu.Unlock()
	_ = conn.Close(CloseNormal, reason)
}

func (m *Manager) sendSubscribe(ctx context.Context, topics []string) error {
	for start := 0; start < len(topics); start += m.cfg.SubscribeBatch {
		end := min(start+m.cfg.SubscribeBatch, len(topics))
		batch := topics[start:end]
		msgType, payload, err := m.cfg.Encoder.EncodeSubscribe(batch)
		if err != nil {
			return err
		}
		if err := m.Send(ctx, msgType, payload); err != nil {
			return err
		}
		m.subscriptions.MarkActive(batch...)
	}
	return nil
}

func (m *Manager) serve(ctx context.Context, conn Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.readLoop(sessionCtx, conn, errCh)
	}()
	defer func() {
		// unblock the reader before waiting on it so frames never overlap sessions
		_ = conn.Close(CloseNormal, "session_end")
		<-done
	}()

	var ping, watchdog <-chan time.Time
	if m.cfg.PingInterval > 0 {
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	if m.cfg.ReadTimeout > 0 {
		ticker := time.NewTicker(m.cfg.ReadTimeout / 2)
		defer ticker.Stop()
		watchdog = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ping:
			if err := m.ping(sessionCtx); err != nil {
				return errors.Wrap(err, "ping")
			}
		case now := <-watchdog:
			if now.Sub(m.LastMessage()) > m.cfg.ReadTimeout {
				return exception.ErrWebSocketReadTimeout
			}
		}
	}
}

func (m *Manager) ping(ctx context.Context) error {
	msgType, payload, err := m.cfg.Encoder.EncodePing()
	if err != nil {
		return err
	}
	if payload == nil {
		msgType = MessagePing
	}
	return m.Send(ctx, msgType, payload)
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, errCh chan<- error) {
	for {
		msgType, payload, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		m.lastMessage.Store(time.Now().UnixNano())
		if msgType != MessageText && msgType != MessageBinary {
			continue
		}
		if len(payload) == 0 {
			continue
		}
		m.cfg.Handler(msgType, payload)
	}
}
