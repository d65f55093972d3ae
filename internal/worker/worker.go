package worker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketmaker/internal/bus"
	"marketmaker/internal/errors"
	"marketmaker/internal/market"
	"marketmaker/internal/obs"
	"marketmaker/internal/og"
	"marketmaker/internal/ops"
	"marketmaker/internal/quote"
	"marketmaker/internal/risk"
	"marketmaker/internal/schema"
	"marketmaker/internal/signal"
	"marketmaker/internal/state"
	"marketmaker/pkg/exception"
)

const (
	defaultInboxSize   = 1024
	defaultStopTimeout = 5 * time.Second
	defaultCallTimeout = 3 * time.Second
	klineInterval      = "1"
	maxSeedKlines      = 200
)

// Venue is the exchange surface an instrument worker needs.
type Venue interface {
	og.Venue
	Position(ctx context.Context, symbol string) ([]schema.PositionUpdate, error)
	Balance(ctx context.Context, coin string) (schema.Balance, error)
	Instrument(ctx context.Context, symbol string) (schema.Instrument, error)
	SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error
	Klines(ctx context.Context, symbol, interval string, limit int) ([]schema.Kline, error)
}

// Deps is everything a worker shares with the rest of the process. Nothing in it is
// package-level state.
type Deps struct {
	Venue   Venue
	Store   *state.FileStore
	Trades  *state.TradeStore
	Signals signal.Provider
	Logger  *zap.SugaredLogger
	Metrics *obs.Metrics
	// Location splits trading days. Nil means UTC.
	Location    *time.Location
	TradeLimit  int
	Coin        string
	InboxSize   int
	StopTimeout time.Duration
	Clock       func() time.Time
}

// Worker runs one instrument. All of its state is owned by the goroutine in Run.
type Worker struct {
	cfg     ops.InstrumentConfig
	deps    Deps
	log     *zap.SugaredLogger
	metrics *obs.Metrics
	inbox   *bus.Queue[any]

	market *market.State
	engine *quote.Engine
	orders *og.Manager
	guard  *risk.Guard
	ledger *state.Ledger

	smoothed     decimal.Decimal
	decision     risk.Decision
	lastSync     time.Time
	closeSentAt  time.Time
	bootstrapped bool
}

// New creates a worker. Nothing touches the network until Run.
func New(cfg ops.InstrumentConfig, deps Deps) (*Worker, error) {
	if deps.Venue == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "venue")
	}
	if deps.Signals == nil {
		deps.Signals = signal.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Coin == "" {
		deps.Coin = "USDT"
	}
	if deps.InboxSize <= 0 {
		deps.InboxSize = defaultInboxSize
	}
	if deps.StopTimeout <= 0 {
		deps.StopTimeout = defaultStopTimeout
	}

	guard, err := risk.NewGuard(cfg.Risk)
	if err != nil {
		return nil, errors.Wrap(err, "build guard")
	}

	log := obs.Nop(deps.Logger).With("symbol", cfg.Symbol)
	return &Worker{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		metrics: deps.Metrics,
		inbox:   bus.NewQueue[any](deps.InboxSize),
		market:  market.NewState(cfg.Symbol, cfg.Strategy.EMAAlpha),
		guard:   guard,
		ledger:  state.NewLedger(cfg.Symbol, deps.Location, deps.TradeLimit),
	}, nil
}

func (w *Worker) Symbol() string {
	return w.cfg.Symbol
}

// Config returns the config the worker runs with, including venue metadata filled in at
// bootstrap.
func (w *Worker) Config() ops.InstrumentConfig {
	return w.cfg
}

// Summary returns the ledger totals. Call it from the goroutine driving the worker or
// after Run returned.
func (w *Worker) Summary() state.Metrics {
	return w.ledger.Metrics()
}

// Offer hands a market data message to the worker without blocking. A full inbox drops
// the message.
func (w *Worker) Offer(msg any) error {
	err := w.inbox.TryPublish(msg)
	if errors.Is(err, exception.ErrQueueFull) {
		w.metrics.Inc(obs.CounterQueueDrops)
	}
	return err
}

// Publish hands an authoritative message (order, execution, position, balance) to the
// worker, waiting for inbox space.
func (w *Worker) Publish(ctx context.Context, msg any) error {
	return w.inbox.Publish(ctx, msg)
}

// Leftover drains the messages the worker never applied. Call it after Run returned.
func (w *Worker) Leftover() []any {
	var out []any
	for {
		select {
		case msg := <-w.inbox.C():
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Done is closed once the worker stopped accepting messages.
func (w *Worker) Done() <-chan struct{} {
	return w.inbox.Done()
}

// Run bootstraps the instrument and runs cycles until ctx is done or a fatal error
// occurs. Resting orders are cancelled and state is persisted on the way out.
func (w *Worker) Run(ctx context.Context) error {
	defer w.inbox.Close()

	if err := w.Bootstrap(ctx); err != nil {
		return err
	}
	defer w.shutdown()

	ticker := time.NewTicker(w.cfg.CycleInterval)
	defer ticker.Stop()

	w.log.Infof("worker started, cycle: %s", w.cfg.CycleInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-w.inbox.C():
			w.Apply(ctx, msg)
		case <-ticker.C:
			w.drain(ctx)
			if err := w.Cycle(ctx, w.deps.Clock()); err != nil {
				return err
			}
		}
	}
}

// drain applies queued messages so a cycle sees every event that arrived before it.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case msg := <-w.inbox.C():
			w.Apply(ctx, msg)
		default:
			return
		}
	}
}

func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.deps.StopTimeout)
	defer cancel()

	if w.orders != nil {
		if err := w.orders.CancelAll(ctx); err != nil {
			w.log.Errorf("cancel all on stop, err: %+v", err)
		}
	}
	w.drain(ctx)
	w.ledger.Touch()
	w.persist()
	w.log.Infof("worker stopped")
}
