package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmaker/internal/errors"
	"marketmaker/internal/obs"
	"marketmaker/internal/ops"
	"marketmaker/internal/schema"
	"marketmaker/internal/state"
	"marketmaker/internal/venue"
	"marketmaker/pkg/exception"
)

const engineConfig = `
instruments:
  - symbol: BTCUSDT
    tick_size: "0.01"
    qty_step: "0.001"
    min_qty: "0.001"
    max_exposure: "10"
    base_qty: "1"
    cycle_interval: 100ms
    strategy:
      base_spread: "0.001"
      ema_alpha: "1"
      depth_check: false
  - symbol: ETHUSDT
    tick_size: "0.01"
    qty_step: "0.01"
    min_qty: "0.01"
    max_exposure: "100"
    base_qty: "1"
    cycle_interval: 100ms
    strategy:
      base_spread: "0.002"
      depth_check: false
`

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func loadInstruments(t *testing.T, text string) []ops.InstrumentConfig {
	t.Helper()
	cfg, err := ops.Parse([]byte(text))
	require.NoError(t, err)
	return cfg.Instruments
}

func book(symbol, bid, ask string) schema.BookUpdate {
	return schema.BookUpdate{
		Symbol: symbol,
		Bids:   []schema.Level{{Price: d(bid), Qty: d("5")}},
		Asks:   []schema.Level{{Price: d(ask), Qty: d("5")}},
	}
}

func TestPaperFillReachesLedger(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	paper := venue.NewPaper(venue.PaperConfig{Balance: d("10000")}, nil)

	h, err := Start(context.Background(), Env{
		Venue:   paper,
		Paper:   paper,
		Store:   store,
		Metrics: obs.NewMetrics(),
	}, loadInstruments(t, engineConfig))
	require.NoError(t, err)
	defer Stop(h)

	_, ok := h.Worker("BTCUSDT")
	require.True(t, ok)
	deliver := h.handler("BTCUSDT")

	require.Eventually(t, func() bool {
		deliver(book("BTCUSDT", "99.99", "100.01"))
		orders, err := paper.OpenOrders(context.Background(), "BTCUSDT")
		return err == nil && len(orders) == 2
	}, 5*time.Second, 50*time.Millisecond)

	deliver(schema.Trade{Symbol: "BTCUSDT", Side: schema.SideSell, Price: d("99.95"), Qty: d("1")})

	require.Eventually(t, func() bool {
		deliver(book("BTCUSDT", "99.99", "100.01"))
		snap, ok, err := store.Load("BTCUSDT")
		return err == nil && ok && snap.Metrics.Position.Qty.Equal(d("1"))
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, Stop(h))
	orders, err := paper.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestReload(t *testing.T) {
	paper := venue.NewPaper(venue.PaperConfig{}, nil)
	configs := loadInstruments(t, engineConfig)

	h, err := Start(context.Background(), Env{Venue: paper}, configs)
	require.NoError(t, err)
	defer Stop(h)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, h.Symbols())

	btc, _ := h.Worker("BTCUSDT")
	eth, _ := h.Worker("ETHUSDT")

	changed := make([]ops.InstrumentConfig, len(configs))
	copy(changed, configs)
	changed[1].BaseQty = d("2")
	added := configs[0]
	added.Symbol = "SOLUSDT"
	changed = append(changed, added)

	require.NoError(t, h.Reload(changed))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, h.Symbols())

	sameBTC, _ := h.Worker("BTCUSDT")
	newETH, _ := h.Worker("ETHUSDT")
	assert.Same(t, btc, sameBTC)
	assert.NotSame(t, eth, newETH)

	require.NoError(t, h.Reload(configs[:1]))
	assert.Equal(t, []string{"BTCUSDT"}, h.Symbols())
	require.NoError(t, Stop(h))

	assert.Error(t, h.Reload(configs))
}

func TestReportsParkAcrossRestart(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	paper := venue.NewPaper(venue.PaperConfig{Balance: d("10000")}, nil)
	configs := loadInstruments(t, engineConfig)

	h, err := Start(context.Background(), Env{Venue: paper, Store: store, Metrics: obs.NewMetrics()}, configs[:1])
	require.NoError(t, err)
	defer Stop(h)

	h.mu.Lock()
	r := h.workers["BTCUSDT"]
	h.stopWorker(r)
	delete(h.workers, "BTCUSDT")
	h.mu.Unlock()

	// a fill that lands while no worker owns the symbol
	deliver := h.handler("BTCUSDT")
	deliver(schema.Execution{
		Symbol:  "BTCUSDT",
		ExecID:  "gap-1",
		Side:    schema.SideBuy,
		Price:   d("99.95"),
		Qty:     d("1"),
		IsMaker: true,
	})
	deliver(book("BTCUSDT", "99.99", "100.01"))

	h.routeMu.RLock()
	parked := len(h.parked["BTCUSDT"])
	h.routeMu.RUnlock()
	if parked != 1 {
		t.Fatalf("parked mismatch: got %d want 1", parked)
	}

	h.mu.Lock()
	require.NoError(t, h.start(configs[0]))
	h.mu.Unlock()

	require.Eventually(t, func() bool {
		snap, ok, err := store.Load("BTCUSDT")
		return err == nil && ok && snap.Metrics.Position.Qty.Equal(d("1"))
	}, 5*time.Second, 50*time.Millisecond)

	h.routeMu.RLock()
	assert.Empty(t, h.parked["BTCUSDT"])
	h.routeMu.RUnlock()
}

func TestRemovedSymbolDropsParked(t *testing.T) {
	metrics := obs.NewMetrics()
	paper := venue.NewPaper(venue.PaperConfig{}, nil)
	configs := loadInstruments(t, engineConfig)

	h, err := Start(context.Background(), Env{Venue: paper, Metrics: metrics}, configs)
	require.NoError(t, err)
	defer Stop(h)

	h.mu.Lock()
	h.stopWorker(h.workers["ETHUSDT"])
	delete(h.workers, "ETHUSDT")
	h.mu.Unlock()
	h.handler("ETHUSDT")(schema.OrderUpdate{Symbol: "ETHUSDT", OrderID: "o1", Status: schema.OrderStatusCancelled})

	dropped := metrics.Get(obs.CounterDroppedMessages)
	require.NoError(t, h.Reload(configs[:1]))
	assert.Equal(t, dropped+1, metrics.Get(obs.CounterDroppedMessages))
	assert.Equal(t, []string{"BTCUSDT"}, h.Symbols())
}

type authFailVenue struct {
	*venue.Paper
}

func (authFailVenue) Instrument(context.Context, string) (schema.Instrument, error) {
	return schema.Instrument{}, errors.Wrap(exception.ErrFatalSession, "api key invalid")
}

func TestFatalWorkerErrorSurfaces(t *testing.T) {
	v := authFailVenue{Paper: venue.NewPaper(venue.PaperConfig{}, nil)}
	h, err := Start(context.Background(), Env{Venue: v}, loadInstruments(t, engineConfig)[:1])
	require.NoError(t, err)

	select {
	case err := <-h.Errors():
		assert.True(t, errors.Is(err, exception.ErrFatalSession))
	case <-time.After(5 * time.Second):
		t.Fatal("fatal error not reported")
	}
	assert.True(t, errors.Is(Stop(h), exception.ErrFatalSession))
}

func TestStartRequiresVenue(t *testing.T) {
	_, err := Start(context.Background(), Env{}, nil)
	assert.True(t, errors.Is(err, exception.ErrNilInstance))
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(engineConfig), 0o644))
	loaded, err := ops.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan ops.Loaded, 1)
	go Watch(ctx, path, loaded.ModTime, 10*time.Millisecond, nil, func(l ops.Loaded) {
		got <- l
	})

	testCases := []struct {
		desc    string
		content string
		want    int
	}{
		{desc: "invalid file is skipped", content: "instruments: []", want: -1},
		{desc: "valid change is applied", content: engineConfig, want: 2},
	}
	for i, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))
			mod := loaded.ModTime.Add(time.Duration(i+1) * time.Second)
			require.NoError(t, os.Chtimes(path, mod, mod))

			select {
			case l := <-got:
				if tc.want < 0 {
					t.Fatalf("apply mismatch: got %d instruments want none", len(l.Instruments))
				}
				if len(l.Instruments) != tc.want {
					t.Fatalf("instruments mismatch: got %d want %d", len(l.Instruments), tc.want)
				}
			case <-time.After(300 * time.Millisecond):
				if tc.want >= 0 {
					t.Fatal("config change not applied")
				}
			}
		})
	}
}
