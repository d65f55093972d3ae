package main

import (
	"context"
	"flag"
	"log"
	"os"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/pkg/sys"
	"go.uber.org/zap"

	"marketmaker/internal/core"
	"marketmaker/internal/errors"
	"marketmaker/internal/obs"
	"marketmaker/internal/ops"
	"marketmaker/internal/schema"
	"marketmaker/internal/state"
	"marketmaker/internal/stream"
	"marketmaker/internal/venue"
	"marketmaker/pkg/conn"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML or JSON config")
	paper := flag.Bool("paper", false, "Trade against the in-memory paper venue with live public data")
	paperBalance := flag.String("paper-balance", "10000", "Starting paper equity")
	profile := flag.String("profile", "", "Pyroscope server address (empty=disable)")
	flag.Parse()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		<-sys.Shutdown()
		stop()
	}()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, err := obs.NewLogger(loaded.Log)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if *profile != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "marketmaker",
			ServerAddress:   *profile,
			Logger:          logger,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logger.Fatalf("pyroscope start, err: %+v", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	if err := run(ctx, loaded, *paper, *paperBalance, logger); err != nil {
		logger.Errorf("trader exit, err: %+v", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, loaded ops.Loaded, paperMode bool, paperBalance string, logger *zap.SugaredLogger) error {
	metrics := obs.NewMetrics()
	env := core.Env{
		Logger:          logger,
		Metrics:         metrics,
		Location:        loaded.Runtime.Location(),
		TradeLimit:      loaded.Persistence.TradeHistoryLimit,
		Depth:           loaded.Stream.Depth,
		MetricsInterval: loaded.Runtime.MetricsInterval,
	}

	store, err := state.NewFileStore(loaded.Persistence.Dir)
	if err != nil {
		return err
	}
	env.Store = store

	if db := loaded.Persistence.DB; db.Driver != "" {
		client, err := conn.New(conn.Option{Driver: db.Driver, ConnString: db.DSN})
		if err != nil {
			return errors.Wrap(err, "open trade store")
		}
		defer func() { _ = client.Close() }()
		trades, err := state.NewTradeStore(client.DB())
		if err != nil {
			return err
		}
		env.Trades = trades
	}

	if paperMode {
		balance, err := decimal.NewFromString(paperBalance)
		if err != nil {
			return errors.Wrap(err, "parse paper balance")
		}
		paper := venue.NewPaper(paperConfig(loaded, balance), nil)
		env.Venue, env.Paper = paper, paper
		logger.Infof("paper mode, balance: %s", balance)
	} else {
		client, err := venue.NewClient(loaded.Venue, loaded.Retry, logger, metrics)
		if err != nil {
			return err
		}
		env.Venue = client
		private, err := stream.New(stream.Config{
			Name:         "private",
			URL:          loaded.Stream.PrivateURL,
			PingInterval: loaded.Stream.PingInterval,
			ReadTimeout:  loaded.Stream.ReadTimeout,
			Backoff:      loaded.Stream.Backoff,
			Signer:       client.Signer(),
			Logger:       logger,
			Metrics:      metrics,
		})
		if err != nil {
			return errors.Wrap(err, "private stream")
		}
		env.Private = private
	}

	public, err := stream.New(stream.Config{
		Name:         "public",
		URL:          loaded.Stream.PublicURL,
		PingInterval: loaded.Stream.PingInterval,
		ReadTimeout:  loaded.Stream.ReadTimeout,
		Backoff:      loaded.Stream.Backoff,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return errors.Wrap(err, "public stream")
	}
	env.Public = public

	h, err := core.Start(ctx, env, loaded.Enabled())
	if err != nil {
		return err
	}

	go core.Watch(ctx, loaded.Path, loaded.ModTime, loaded.Runtime.ConfigPollInterval, logger, func(next ops.Loaded) {
		if err := h.Reload(next.Enabled()); err != nil {
			logger.Errorf("apply config %s, err: %+v", next.Version, err)
		}
	})

	select {
	case <-ctx.Done():
		logger.Infof("shutdown signal received")
	case err := <-h.Errors():
		logger.Errorf("fatal error, stopping, err: %+v", err)
	}
	return core.Stop(h)
}

// paperConfig seeds the paper venue with the configured filters and the highest maker fee.
func paperConfig(loaded ops.Loaded, balance decimal.Decimal) venue.PaperConfig {
	cfg := venue.PaperConfig{
		Balance:     balance,
		Instruments: make(map[string]schema.Instrument),
	}
	for _, inst := range loaded.Instruments {
		cfg.MakerFee = decimal.Max(cfg.MakerFee, inst.MakerFee)
		cfg.Instruments[inst.Symbol] = schema.Instrument{
			Symbol:      inst.Symbol,
			TickSize:    inst.TickSize,
			QtyStep:     inst.QtyStep,
			MinQty:      inst.MinQty,
			MinNotional: inst.MinNotional,
		}
	}
	cfg.TakerFee = cfg.MakerFee
	return cfg
}
