package websocket_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketmaker/internal/chaos"
	"marketmaker/pkg/backoff"
	"marketmaker/pkg/exception"
	"marketmaker/pkg/websocket"
)

type lineEncoder struct{}

func (lineEncoder) EncodeSubscribe(topics []string) (websocket.MessageType, []byte, error) {
	return websocket.MessageText, []byte("sub:" + strings.Join(topics, ",")), nil
}

func (lineEncoder) EncodeUnsubscribe(topics []string) (websocket.MessageType, []byte, error) {
	return websocket.MessageText, []byte("unsub:" + strings.Join(topics, ",")), nil
}

func (lineEncoder) EncodePing() (websocket.MessageType, []byte, error) {
	return websocket.MessageText, []byte("ping"), nil
}

func fastBackoff(maxAttempts int) backoff.Backoff {
	return backoff.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, MaxAttempts: maxAttempts}
}

func nextConn(t *testing.T, d *chaos.MemDialer) *chaos.MemConn {
	t.Helper()
	select {
	case conn := <-d.Conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for connection")
		return nil
	}
}

func subscribedTopics(t *testing.T, conn *chaos.MemConn) []string {
	t.Helper()
	for {
		select {
		case frame := <-conn.Writes():
			s := string(frame)
			if strings.HasPrefix(s, "sub:") {
				return strings.Split(strings.TrimPrefix(s, "sub:"), ",")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for subscribe frame")
			return nil
		}
	}
}

func TestManagerResubscribesAfterFailures(t *testing.T) {
	mem := chaos.NewMemDialer(8)
	dialer, err := chaos.NewDialer(mem, chaos.Config{FailDials: 2})
	require.NoError(t, err)

	manager, err := websocket.NewManager(websocket.Config{
		Name:    "test",
		Dialer:  dialer,
		Encoder: lineEncoder{},
		Handler: func(websocket.MessageType, []byte) {},
		Backoff: fastBackoff(5),
	})
	require.NoError(t, err)
	require.NoError(t, manager.Subscribe(context.Background(), "orderbook.50.BTCUSDT", "kline.1.BTCUSDT", "publicTrade.BTCUSDT"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	first := nextConn(t, mem)
	before := subscribedTopics(t, first)
	require.Equal(t, manager.Desired(), before)

	dialer.FailNext(3)
	require.NoError(t, first.Close(websocket.CloseNormal, "server drop"))

	second := nextConn(t, mem)
	after := subscribedTopics(t, second)
	require.Equal(t, before, after)
	require.Equal(t, 7, dialer.Dials())
	require.Eventually(t, func() bool { return manager.Reconnects() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("manager did not stop")
	}
}

func TestManagerGivesUp(t *testing.T) {
	dialer, err := chaos.NewDialer(chaos.NewMemDialer(1), chaos.Config{FailDials: 100})
	require.NoError(t, err)
	manager, err := websocket.NewManager(websocket.Config{
		Dialer:  dialer,
		Encoder: lineEncoder{},
		Handler: func(websocket.MessageType, []byte) {},
		Backoff: fastBackoff(3),
	})
	require.NoError(t, err)

	err = manager.Run(context.Background())
	if !errors.Is(err, exception.ErrReconnectExhausted) {
		t.Fatalf("error mismatch: got %v want %v", err, exception.ErrReconnectExhausted)
	}
	require.Equal(t, 3, dialer.Dials())
}

func TestManagerDeliversInOrder(t *testing.T) {
	mem := chaos.NewMemDialer(4)
	var mu sync.Mutex
	var got []string
	manager, err := websocket.NewManager(websocket.Config{
		Dialer:  mem,
		Encoder: lineEncoder{},
		Handler: func(_ websocket.MessageType, payload []byte) {
			mu.Lock()
			got = append(got, string(payload))
			mu.Unlock()
		},
		Backoff: fastBackoff(3),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = manager.Run(ctx) }()

	conn := nextConn(t, mem)
	for _, s := range []string{"1", "2", "3", "4"} {
		require.True(t, conn.Push([]byte(s)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"1", "2", "3", "4"}, got)
	mu.Unlock()
	require.False(t, manager.LastMessage().IsZero())
}

func TestManagerReadTimeoutReconnects(t *testing.T) {
	mem := chaos.NewMemDialer(4)
	manager, err := websocket.NewManager(websocket.Config{
		Dialer:      mem,
		Encoder:     lineEncoder{},
		Handler:     func(websocket.MessageType, []byte) {},
		ReadTimeout: 20 * time.Millisecond,
		Backoff:     fastBackoff(3),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = manager.Run(ctx) }()

	first := nextConn(t, mem)
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("silent connection was not closed")
	}
	_ = nextConn(t, mem)
}

func TestManagerAuthBeforeSubscribe(t *testing.T) {
	mem := chaos.NewMemDialer(4)
	manager, err := websocket.NewManager(websocket.Config{
		Dialer:  mem,
		Encoder: lineEncoder{},
		Handler: func(websocket.MessageType, []byte) {},
		OnConnect: func(ctx context.Context, w websocket.Writer) error {
			return w.Send(ctx, websocket.MessageText, []byte("auth"))
		},
		Backoff: fastBackoff(3),
	})
	require.NoError(t, err)
	require.NoError(t, manager.Subscribe(context.Background(), "order"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = manager.Run(ctx) }()

	conn := nextConn(t, mem)
	_ = subscribedTopics(t, conn)
	written := conn.Written()
	require.GreaterOrEqual(t, len(written), 2)
	require.Equal(t, "auth", string(written[0]))
	require.Equal(t, "sub:order", string(written[1]))
}
