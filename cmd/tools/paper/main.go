package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"marketmaker/internal/mdg"
	"marketmaker/internal/obs"
	"marketmaker/internal/ops"
	"marketmaker/internal/schema"
	"marketmaker/internal/state"
	"marketmaker/internal/venue"
	"marketmaker/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML or JSON config")
	symbol := flag.String("symbol", "", "Instrument to simulate (default: first enabled)")
	steps := flag.Int("steps", 3600, "Number of simulated cycles")
	step := flag.Duration("step", time.Second, "Simulated time per cycle")
	startPrice := flag.String("start-price", "100", "Initial mid price")
	volatility := flag.Float64("volatility", 0.0005, "Per-step relative price shock (stddev)")
	halfSpread := flag.String("half-spread", "0.0001", "Book half spread as a fraction of mid")
	balance := flag.String("balance", "10000", "Starting paper equity")
	stateDir := flag.String("state-dir", "", "Persist simulated state here (empty=disable)")
	seed := flag.Uint64("seed", 0, "RNG seed (0=now)")
	verbose := flag.Bool("verbose", false, "Log worker activity")
	flag.Parse()

	if *steps <= 0 || *step <= 0 {
		fatalf("steps and step must be > 0")
	}
	loaded, err := ops.Load(*configPath)
	if err != nil {
		fatalf("config load failed: %v", err)
	}
	cfg, ok := pick(loaded, *symbol)
	if !ok {
		fatalf("instrument %q not found or disabled", *symbol)
	}

	sim, err := newSimulation(cfg, simulationConfig{
		startPrice: decimal.RequireFromString(*startPrice),
		volatility: *volatility,
		halfSpread: decimal.RequireFromString(*halfSpread),
		balance:    decimal.RequireFromString(*balance),
		stateDir:   *stateDir,
		seed:       *seed,
		verbose:    *verbose,
		logCfg:     loaded.Log,
	})
	if err != nil {
		fatalf("simulation init failed: %v", err)
	}
	if err := sim.run(context.Background(), *steps, *step); err != nil {
		fatalf("simulation failed: %v", err)
	}

	m := sim.worker.Summary()
	snap := sim.metrics.Snapshot()
	logs.Infof("paper completed: symbol=%s steps=%d last=%s fills=%d wins=%d losses=%d volume=%s",
		cfg.Symbol, *steps, sim.market.Price(), m.Fills, m.Wins, m.Losses, m.Volume)
	logs.Infof("pnl: position=%s avg_entry=%s realized=%s fees=%s net=%s unrealized=%s",
		m.Position.Qty, m.Position.AvgEntry, m.Position.Realized, m.Position.Fees, m.NetPnL(), m.Position.Unrealized(sim.market.Price()))
	logs.Infof("counters: %v", snap.Counters)
}

func fatalf(format string, args ...any) {
	logs.Errorf(format, args...)
	os.Exit(1)
}

func pick(loaded ops.Loaded, symbol string) (ops.InstrumentConfig, bool) {
	for _, inst := range loaded.Enabled() {
		if symbol == "" || inst.Symbol == strings.ToUpper(symbol) {
			return inst, true
		}
	}
	return ops.InstrumentConfig{}, false
}

type simulationConfig struct {
	startPrice decimal.Decimal
	volatility float64
	halfSpread decimal.Decimal
	balance    decimal.Decimal
	stateDir   string
	seed       uint64
	verbose    bool
	logCfg     obs.LogConfig
}

type simulation struct {
	symbol  string
	market  *mdg.Generator
	paper   *venue.Paper
	worker  *worker.Worker
	metrics *obs.Metrics
	now     time.Time
	reports []venue.Report
}

func newSimulation(cfg ops.InstrumentConfig, sc simulationConfig) (*simulation, error) {
	market, err := mdg.NewGenerator(mdg.Config{
		Symbol:     cfg.Symbol,
		TickSize:   cfg.TickSize,
		BaseSize:   cfg.BaseQty,
		BasePrice:  sc.startPrice,
		HalfSpread: sc.halfSpread,
		Volatility: sc.volatility,
		Seed:       sc.seed,
	})
	if err != nil {
		return nil, err
	}
	s := &simulation{
		symbol:  cfg.Symbol,
		market:  market,
		metrics: obs.NewMetrics(),
		now:     time.Now().UTC().Truncate(time.Minute),
	}
	s.paper = venue.NewPaper(venue.PaperConfig{
		Balance:  sc.balance,
		MakerFee: cfg.MakerFee,
		TakerFee: cfg.MakerFee,
		Instruments: map[string]schema.Instrument{cfg.Symbol: {
			Symbol:      cfg.Symbol,
			TickSize:    cfg.TickSize,
			QtyStep:     cfg.QtyStep,
			MinQty:      cfg.MinQty,
			MinNotional: cfg.MinNotional,
		}},
	}, func(r venue.Report) {
		s.reports = append(s.reports, r)
	})

	deps := worker.Deps{
		Venue:   s.paper,
		Metrics: s.metrics,
		Clock:   func() time.Time { return s.now },
	}
	if sc.verbose {
		logger, err := obs.NewLogger(sc.logCfg)
		if err != nil {
			return nil, err
		}
		deps.Logger = logger
	}
	if sc.stateDir != "" {
		store, err := state.NewFileStore(sc.stateDir)
		if err != nil {
			return nil, err
		}
		deps.Store = store
	}

	w, err := worker.New(cfg, deps)
	if err != nil {
		return nil, err
	}
	s.worker = w
	return s, nil
}

func (s *simulation) run(ctx context.Context, steps int, step time.Duration) error {
	if err := s.worker.Bootstrap(ctx); err != nil {
		return err
	}
	for i := 0; i < steps; i++ {
		tick := s.market.Next(s.now)
		s.worker.Apply(ctx, tick.Book)
		s.worker.Apply(ctx, tick.Kline)

		s.paper.Cross(s.symbol, tick.Trade.Price)
		s.deliver(ctx)
		s.worker.Apply(ctx, tick.Trade)

		if err := s.worker.Cycle(ctx, s.now); err != nil {
			return err
		}
		s.deliver(ctx)
		s.now = s.now.Add(step)
	}
	return nil
}

// deliver hands buffered paper reports to the worker, fills before order state.
func (s *simulation) deliver(ctx context.Context) {
	reports := s.reports
	s.reports = nil
	for _, r := range reports {
		if r.Execution != nil {
			s.worker.Apply(ctx, *r.Execution)
		}
		s.worker.Apply(ctx, r.Order)
	}
}
