package stream

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"marketmaker/internal/errors"
	"marketmaker/internal/obs"
	"marketmaker/internal/schema"
	"marketmaker/internal/venue"
	"marketmaker/pkg/backoff"
	"marketmaker/pkg/exception"
	"marketmaker/pkg/websocket"
)

// Handler receives decoded messages of one symbol in arrival order. The message is one of
// schema.BookUpdate, schema.Trade, schema.Kline, schema.OrderUpdate, schema.Execution,
// schema.PositionUpdate or schema.Balance.
type Handler func(msg any)

// Config configures one stream connection.
type Config struct {
	Name         string
	URL          string
	PingInterval time.Duration
	ReadTimeout  time.Duration
	Backoff      backoff.Backoff
	// Signer makes the connection private: an auth frame is sent on every connect.
	Signer  *venue.Signer
	AuthTTL time.Duration
	// Dialer overrides the gorilla dialer built from URL.
	Dialer  websocket.Dialer
	Logger  *zap.SugaredLogger
	Metrics *obs.Metrics
}

// Client decodes venue frames and dispatches them to the handler of their symbol.
type Client struct {
	cfg     Config
	mgr     *websocket.Manager
	log     *zap.SugaredLogger
	metrics *obs.Metrics

	mu       sync.Mutex
	handlers map[string]Handler

	// read loop only
	books map[string]*localBook

	runMu   sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	authErr error

	fatal chan error
}

// New builds a stream client. Call Run to connect.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		cfg.Name = "stream"
	}
	if cfg.AuthTTL <= 0 {
		cfg.AuthTTL = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * cfg.PingInterval
	}
	dialer := cfg.Dialer
	if dialer == nil {
		if cfg.URL == "" {
			return nil, exception.ErrWebSocketNilDialer
		}
		dialer = websocket.NewDialer(cfg.URL)
	}

	c := &Client{
		cfg:      cfg,
		log:      obs.Nop(cfg.Logger).With("stream", cfg.Name),
		metrics:  cfg.Metrics,
		handlers: make(map[string]Handler),
		books:    make(map[string]*localBook),
		fatal:    make(chan error, 1),
	}

	wcfg := websocket.Config{
		Name:         cfg.Name,
		Dialer:       dialer,
		Encoder:      Encoder{},
		Handler:      c.onFrame,
		PingInterval: cfg.PingInterval,
		ReadTimeout:  cfg.ReadTimeout,
		Backoff:      cfg.Backoff,
		OnDisconnect: c.onDisconnect,
		Logger:       c.log,
	}
	if cfg.Signer != nil {
		wcfg.OnConnect = c.auth
	}
	mgr, err := websocket.NewManager(wcfg)
	if err != nil {
		return nil, err
	}
	c.mgr = mgr
	return c, nil
}

// Register routes messages of symbol to h.
func (c *Client) Register(symbol string, h Handler) error {
	if h == nil {
		return exception.ErrStreamNilHandler
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[symbol]; ok {
		return errors.Wrap(exception.ErrStreamDuplicateSub, symbol)
	}
	c.handlers[symbol] = h
	return nil
}

// Unregister removes the handler of symbol.
func (c *Client) Unregister(symbol string) {
	c.mu.Lock()
	delete(c.handlers, symbol)
	c.mu.Unlock()
}

// Subscribe adds topics to the desired set. They are re-sent identically after a reconnect.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	return c.mgr.Subscribe(ctx, topics...)
}

// Unsubscribe removes topics from the desired set.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	return c.mgr.Unsubscribe(ctx, topics...)
}

// Topics returns the desired topic set.
func (c *Client) Topics() []string {
	return c.mgr.Desired()
}

// LastMessage returns the arrival time of the latest frame.
func (c *Client) LastMessage() time.Time {
	return c.mgr.LastMessage()
}

// Connected reports whether a session is up.
func (c *Client) Connected() bool {
	return c.mgr.Connected()
}

// Fatal fires once when Run gives up.
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

// Run connects and serves until ctx is done, reconnect attempts run out, or the venue
// rejects authentication.
func (c *Client) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.runMu.Lock()
	c.runCtx, c.cancel = runCtx, cancel
	c.runMu.Unlock()
	defer cancel()

	err := c.mgr.Run(runCtx)

	c.runMu.Lock()
	if c.authErr != nil {
		err = c.authErr
	}
	c.runMu.Unlock()

	if err != nil && ctx.Err() == nil {
		select {
		case c.fatal <- err:
		default:
		}
	}
	return err
}

func (c *Client) auth(ctx context.Context, w websocket.Writer) error {
	msgType, payload, err := EncodeAuth(c.cfg.Signer, time.Now(), c.cfg.AuthTTL)
	if err != nil {
		return err
	}
	return w.Send(ctx, msgType, payload)
}

func (c *Client) onDisconnect(err error) {
	c.metrics.Inc(obs.CounterReconnects)
	c.log.Warnf("disconnected, err: %+v", err)
}

func (c *Client) onFrame(_ websocket.MessageType, payload []byte) {
	f, err := decodeFrame(payload)
	if err != nil {
		c.drop(err)
		return
	}
	if f.Op != "" {
		c.onOp(f)
		return
	}
	if f.Topic == "" {
		return
	}
	if err := c.dispatch(f); err != nil {
		c.drop(err)
	}
}

func (c *Client) onOp(f frame) {
	switch f.Op {
	case "ping":
		msgType, pong, err := encodePong()
		if err != nil {
			return
		}
		if err := c.mgr.Send(c.context(), msgType, pong); err != nil {
			c.log.Warnf("send pong, err: %+v", err)
		}
	case "auth":
		if f.Success != nil && !*f.Success {
			c.runMu.Lock()
			c.authErr = errors.Mark(errors.Wrap(exception.ErrStreamAuthRejected, f.RetMsg), exception.ErrFatalSession)
			cancel := c.cancel
			c.runMu.Unlock()
			if cancel != nil {
				cancel()
			}
			return
		}
		c.log.Infof("authenticated")
	case "subscribe":
		if f.Success != nil && !*f.Success {
			c.log.Errorf("subscribe rejected: %s", f.RetMsg)
		}
	}
}

func (c *Client) context() context.Context {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

func (c *Client) dispatch(f frame) error {
	switch {
	case strings.HasPrefix(f.Topic, "orderbook."):
		return c.onBook(f)
	case strings.HasPrefix(f.Topic, "publicTrade."):
		rows, err := decodeList[tradeData](f.Topic, f.Data)
		if err != nil {
			return err
		}
		for _, r := range rows {
			trade, err := r.toTrade()
			if err != nil {
				c.drop(err)
				continue
			}
			c.deliver(r.Symbol, trade)
		}
	case strings.HasPrefix(f.Topic, "kline."):
		rows, err := decodeList[klineData](f.Topic, f.Data)
		if err != nil {
			return err
		}
		for _, r := range rows {
			kline, err := r.toKline(f.Topic)
			if err != nil {
				c.drop(err)
				continue
			}
			c.deliver(kline.Symbol, kline)
		}
	case f.Topic == TopicOrder:
		rows, err := decodeList[orderData](f.Topic, f.Data)
		if err != nil {
			return err
		}
		for _, r := range rows {
			update, err := r.toUpdate()
			if err != nil {
				c.drop(err)
				continue
			}
			c.deliver(r.Symbol, update)
		}
	case f.Topic == TopicExecution:
		rows, err := decodeList[executionData](f.Topic, f.Data)
		if err != nil {
			return err
		}
		for _, r := range rows {
			exec, err := r.toExecution()
			if err != nil {
				c.drop(err)
				continue
			}
			c.deliver(r.Symbol, exec)
		}
	case f.Topic == TopicPosition:
		rows, err := decodeList[positionData](f.Topic, f.Data)
		if err != nil {
			return err
		}
		for _, r := range rows {
			update, err := r.toUpdate()
			if err != nil {
				c.drop(err)
				continue
			}
			c.deliver(r.Symbol, update)
		}
	case f.Topic == TopicWallet:
		rows, err := decodeList[walletData](f.Topic, f.Data)
		if err != nil {
			return err
		}
		ts := time.UnixMilli(f.Ts).UTC()
		for _, w := range rows {
			for _, coin := range w.Coin {
				p := fieldParser{topic: f.Topic}
				bal := schema.Balance{Coin: coin.Coin, Equity: p.required("equity", coin.Equity), Available: p.decimal("availableToWithdraw", coin.AvailableToWithdraw), Ts: ts}
				if p.err != nil {
					c.drop(p.err)
					continue
				}
				c.broadcast(bal)
			}
		}
	default:
		return errors.Wrap(exception.ErrStreamUnknownTopic, f.Topic)
	}
	return nil
}

func (c *Client) onBook(f frame) error {
	var data bookData
	if err := sonic.ConfigDefault.Unmarshal(f.Data, &data); err != nil {
		return malformed(f.Topic, err)
	}
	bids, err := parseLevels(data.Bids)
	if err != nil {
		return malformed(f.Topic, err)
	}
	asks, err := parseLevels(data.Asks)
	if err != nil {
		return malformed(f.Topic, err)
	}

	book, ok := c.books[data.Symbol]
	switch f.Type {
	case "snapshot":
		if !ok {
			book = newLocalBook()
			c.books[data.Symbol] = book
		}
		book.reset()
		book.synced = true
	case "delta":
		if !ok || !book.synced {
			return malformed(f.Topic, errors.New("delta before snapshot"))
		}
		if data.Update <= book.seq {
			return errors.Mark(errors.Wrap(exception.ErrStreamBookStale, fmt.Sprintf("%s: u=%d seq=%d", f.Topic, data.Update, book.seq)), exception.ErrDataIntegrity)
		}
		if data.Update > book.seq+1 {
			gap := fmt.Sprintf("%s: u=%d seq=%d", f.Topic, data.Update, book.seq)
			book.reset()
			c.resync(f.Topic)
			return errors.Mark(errors.Wrap(exception.ErrStreamBookGap, gap), exception.ErrDataIntegrity)
		}
	default:
		return malformed(f.Topic, errors.New("unknown book type "+f.Type))
	}
	book.apply(book.bids, bids)
	book.apply(book.asks, asks)
	book.seq = data.Update

	update := book.snapshot(data.Symbol)
	update.Ts = time.UnixMilli(f.Ts).UTC()
	c.deliver(data.Symbol, update)
	return nil
}

// resync re-subscribes topic so the venue pushes a fresh snapshot.
func (c *Client) resync(topic string) {
	if !slices.Contains(c.mgr.Desired(), topic) {
		return
	}
	ctx := c.context()
	if err := c.mgr.Unsubscribe(ctx, topic); err != nil {
		c.log.Warnf("resync unsubscribe %s, err: %+v", topic, err)
	}
	if err := c.mgr.Subscribe(ctx, topic); err != nil {
		c.log.Warnf("resync subscribe %s, err: %+v", topic, err)
	}
}

func (c *Client) deliver(symbol string, msg any) {
	c.mu.Lock()
	h, ok := c.handlers[symbol]
	c.mu.Unlock()
	if !ok {
		return
	}
	h(msg)
}

func (c *Client) broadcast(msg any) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (c *Client) drop(err error) {
	c.metrics.Inc(obs.CounterDroppedMessages)
	c.log.Warnf("drop message, err: %+v", err)
}
