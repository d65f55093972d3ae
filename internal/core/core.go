/*
Core runs one worker per instrument and wires them to the shared infrastructure.

# Module
  - workers: one goroutine per instrument, panics contained and reported
  - routing: stream messages and paper venue reports go to the worker of their symbol;
    order and execution reports park while a symbol restarts and replay to the new worker
  - reload: a changed instrument config restarts its worker, removed ones stop, added ones start
  - stats: counters and latencies are logged periodically

# Source
 1. public stream: book, trades, klines
 2. private stream: orders, executions, positions, wallet
 3. paper venue reports in paper mode

# Produce
  - fatal worker and stream errors on Handle.Errors
*/
package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"marketmaker/internal/bus"
	"marketmaker/internal/errors"
	"marketmaker/internal/obs"
	"marketmaker/internal/ops"
	"marketmaker/internal/signal"
	"marketmaker/internal/state"
	"marketmaker/internal/stream"
	"marketmaker/internal/venue"
	"marketmaker/internal/worker"
	"marketmaker/pkg/exception"
)

const (
	defaultDepth      = 50
	defaultReportSize = 4096
	errorBuffer       = 16
)

// Env is the infrastructure shared by every worker. Only Venue is required.
type Env struct {
	Venue worker.Venue
	// Paper is set in paper mode. Public trades cross its resting orders and its reports
	// replace the private stream.
	Paper   *venue.Paper
	Public  *stream.Client
	Private *stream.Client
	Store   *state.FileStore
	Trades  *state.TradeStore
	Signals signal.Provider
	Logger  *zap.SugaredLogger
	Metrics *obs.Metrics

	Location        *time.Location
	TradeLimit      int
	Coin            string
	Depth           int
	MetricsInterval time.Duration
}

type running struct {
	cfg         ops.InstrumentConfig
	fingerprint string
	worker      *worker.Worker
	cancel      context.CancelFunc
	done        chan struct{}
}

// Handle controls a started engine.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
	env    Env
	log    *zap.SugaredLogger

	mu      sync.Mutex
	workers map[string]*running
	// private handlers registered per symbol, guarded by mu
	private map[string]bool

	routeMu sync.RWMutex
	routes  map[string]*worker.Worker
	parked  map[string][]any

	reports *bus.Queue[venue.Report]
	wg      conc.WaitGroup

	errMu    sync.Mutex
	failures []error
	errs     chan error
	stopOnce sync.Once
}

// Start launches a worker per instrument config and the stream connections in env.
// It fails without leaving anything running when any worker cannot be built.
func Start(ctx context.Context, env Env, configs []ops.InstrumentConfig) (*Handle, error) {
	if env.Venue == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "venue")
	}
	if env.Signals == nil {
		env.Signals = signal.Nop{}
	}
	if env.Depth <= 0 {
		env.Depth = defaultDepth
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ctx:     runCtx,
		cancel:  cancel,
		env:     env,
		log:     obs.Nop(env.Logger).With("module", "core"),
		workers: make(map[string]*running),
		private: make(map[string]bool),
		routes:  make(map[string]*worker.Worker),
		parked:  make(map[string][]any),
		reports: bus.NewQueue[venue.Report](defaultReportSize),
		errs:    make(chan error, errorBuffer),
	}

	if env.Paper != nil {
		env.Paper.SetReporter(h.onPaperReport)
		h.wg.Go(func() {
			h.reports.Run(runCtx, h.dispatchReport)
		})
	}

	h.mu.Lock()
	for _, cfg := range configs {
		if err := h.start(cfg); err != nil {
			h.mu.Unlock()
			_ = Stop(h)
			return nil, errors.Wrap(err, "start "+cfg.Symbol)
		}
	}
	h.mu.Unlock()

	h.runStream("public", env.Public)
	if env.Private != nil {
		if err := env.Private.Subscribe(runCtx, stream.PrivateTopics()...); err != nil {
			_ = Stop(h)
			return nil, errors.Wrap(err, "subscribe private topics")
		}
		h.runStream("private", env.Private)
	}
	if env.MetricsInterval > 0 {
		h.wg.Go(func() {
			h.logStats(runCtx, env.MetricsInterval)
		})
	}

	h.log.Infof("engine started, instruments: %v", h.Symbols())
	return h, nil
}

// Stop stops every worker and stream, waits for them and returns their combined fatal
// errors. It is safe to call more than once.
func Stop(h *Handle) error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		h.mu.Lock()
		for symbol, r := range h.workers {
			h.stopWorker(r)
			delete(h.workers, symbol)
			h.forget(symbol)
		}
		h.mu.Unlock()

		h.cancel()
		h.reports.Close()
		h.wg.Wait()
		h.log.Infof("engine stopped")
	})

	h.errMu.Lock()
	defer h.errMu.Unlock()
	return multierr.Combine(h.failures...)
}

// Errors delivers fatal worker and stream errors as they happen. Delivery is best effort;
// Stop returns all of them.
func (h *Handle) Errors() <-chan error {
	return h.errs
}

// Symbols lists the running instruments, sorted.
func (h *Handle) Symbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	symbols := make([]string, 0, len(h.workers))
	for symbol := range h.workers {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Worker returns the running worker of symbol.
func (h *Handle) Worker(symbol string) (*worker.Worker, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.workers[symbol]
	if !ok {
		return nil, false
	}
	return r.worker, true
}

// Reload applies a new instrument set. Unchanged instruments keep running; a changed
// fingerprint restarts the worker.
func (h *Handle) Reload(configs []ops.InstrumentConfig) error {
	want := make(map[string]ops.InstrumentConfig, len(configs))
	for _, cfg := range configs {
		want[cfg.Symbol] = cfg
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return errors.Wrap(exception.ErrNilInstance, "engine stopped")
	}

	var stopped, started []string
	for symbol, r := range h.workers {
		cfg, ok := want[symbol]
		if ok && cfg.Fingerprint() == r.fingerprint && !r.exited() {
			continue
		}
		h.stopWorker(r)
		delete(h.workers, symbol)
		stopped = append(stopped, symbol)
	}
	for _, symbol := range h.unowned() {
		if _, ok := want[symbol]; !ok {
			h.forget(symbol)
		}
	}

	var errs error
	for symbol, cfg := range want {
		if _, ok := h.workers[symbol]; ok {
			continue
		}
		if err := h.start(cfg); err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "start "+symbol))
			continue
		}
		started = append(started, symbol)
	}
	sort.Strings(stopped)
	sort.Strings(started)
	h.log.Infof("reload, stopped: %v, started: %v", stopped, started)
	return errs
}

// start builds and launches a worker. h.mu must be held.
func (h *Handle) start(cfg ops.InstrumentConfig) error {
	w, err := worker.New(cfg, worker.Deps{
		Venue:      h.env.Venue,
		Store:      h.env.Store,
		Trades:     h.env.Trades,
		Signals:    h.env.Signals,
		Logger:     h.env.Logger,
		Metrics:    h.env.Metrics,
		Location:   h.env.Location,
		TradeLimit: h.env.TradeLimit,
		Coin:       h.env.Coin,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(h.ctx)
	r := &running{
		cfg:         cfg,
		fingerprint: cfg.Fingerprint(),
		worker:      w,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if err := h.route(w); err != nil {
		cancel()
		h.unroute(cfg.Symbol, w.Leftover())
		return err
	}
	h.workers[cfg.Symbol] = r

	h.wg.Go(func() {
		defer close(r.done)
		var (
			pc     panics.Catcher
			runErr error
		)
		pc.Try(func() {
			runErr = w.Run(ctx)
		})
		if rec := pc.Recovered(); rec != nil {
			runErr = errors.Wrap(rec.AsError(), "worker panic")
		}
		if runErr != nil {
			h.fail(errors.Wrap(runErr, "worker "+cfg.Symbol))
		}
	})
	return nil
}

// unowned lists symbols with a parked backlog or private handler but no worker. h.mu
// must be held.
func (h *Handle) unowned() []string {
	seen := make(map[string]struct{})
	h.routeMu.RLock()
	for symbol := range h.parked {
		seen[symbol] = struct{}{}
	}
	h.routeMu.RUnlock()
	for symbol := range h.private {
		seen[symbol] = struct{}{}
	}
	var out []string
	for symbol := range seen {
		if _, ok := h.workers[symbol]; !ok {
			out = append(out, symbol)
		}
	}
	return out
}

// stopWorker cancels a worker and waits until it has cancelled its orders and persisted.
// Reports it never applied are parked for its successor.
func (h *Handle) stopWorker(r *running) {
	r.cancel()
	<-r.done
	h.unroute(r.cfg.Symbol, r.worker.Leftover())
}

func (r *running) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (h *Handle) fail(err error) {
	h.log.Errorf("fatal, err: %+v", err)
	h.errMu.Lock()
	h.failures = append(h.failures, err)
	h.errMu.Unlock()
	select {
	case h.errs <- err:
	default:
	}
}

func (h *Handle) runStream(name string, c *stream.Client) {
	if c == nil {
		return
	}
	h.wg.Go(func() {
		err := c.Run(h.ctx)
		if err != nil && h.ctx.Err() == nil {
			h.fail(errors.Wrap(err, name+" stream"))
		}
	})
}

func (h *Handle) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := h.env.Metrics.Snapshot()
			h.log.Infof("metrics, counters: %v, rest: %+v, cycle: %+v", snap.Counters, snap.RESTLatency, snap.CycleLatency)
		}
	}
}
