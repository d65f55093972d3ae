package worker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmaker/internal/errors"
	"marketmaker/internal/obs"
	"marketmaker/internal/ops"
	"marketmaker/internal/quote"
	"marketmaker/internal/risk"
	"marketmaker/internal/schema"
	"marketmaker/internal/signal"
	"marketmaker/internal/state"
	"marketmaker/internal/venue"
	"marketmaker/pkg/exception"
)

const testSymbol = "BTCUSDT"

const testConfig = `
instruments:
  - symbol: btcusdt
    tick_size: "0.01"
    qty_step: "0.001"
    min_qty: "0.001"
    max_exposure: "2"
    base_qty: "1"
    strategy:
      base_spread: "0.001"
      skew_intensity: "0.5"
      max_inventory_ratio: "0.5"
      ema_alpha: "1"
      stale_age: 30s
      depth_check: false
    risk:
      breaker:
        window: 10s
        max_move: "0.01"
        pause: 30s
        resume: 30s
`

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type harness struct {
	t       *testing.T
	w       *Worker
	paper   *venue.Paper
	metrics *obs.Metrics
	now     time.Time
	reports []venue.Report
}

func newHarness(t *testing.T, store *state.FileStore, signals signal.Provider) *harness {
	t.Helper()

	cfg, err := ops.Parse([]byte(testConfig))
	require.NoError(t, err)

	h := &harness{t: t, now: t0, metrics: obs.NewMetrics()}
	h.paper = venue.NewPaper(venue.PaperConfig{Balance: d("10000")}, func(r venue.Report) {
		h.reports = append(h.reports, r)
	})

	w, err := New(cfg.Instruments[0], Deps{
		Venue:   h.paper,
		Store:   store,
		Signals: signals,
		Metrics: h.metrics,
		Clock:   func() time.Time { return h.now },
	})
	require.NoError(t, err)
	require.NoError(t, w.Bootstrap(context.Background()))
	h.w = w
	return h
}

func (h *harness) book(bid, ask string) {
	h.w.Apply(context.Background(), schema.BookUpdate{
		Symbol: testSymbol,
		Bids:   []schema.Level{{Price: d(bid), Qty: d("5")}},
		Asks:   []schema.Level{{Price: d(ask), Qty: d("5")}},
		Ts:     h.now,
	})
}

func (h *harness) cycle() {
	h.t.Helper()
	require.NoError(h.t, h.w.Cycle(context.Background(), h.now))
	h.deliver()
}

func (h *harness) advance(dur time.Duration) {
	h.now = h.now.Add(dur)
}

// deliver feeds collected venue reports back the way the private stream would.
func (h *harness) deliver() {
	reports := h.reports
	h.reports = nil
	for _, r := range reports {
		if r.Execution != nil {
			h.w.Apply(context.Background(), *r.Execution)
		}
		h.w.Apply(context.Background(), r.Order)
	}
}

func (h *harness) open() map[schema.Side][]string {
	h.t.Helper()
	orders, err := h.paper.OpenOrders(context.Background(), testSymbol)
	require.NoError(h.t, err)
	result := make(map[schema.Side][]string)
	for _, o := range orders {
		result[o.Side] = append(result[o.Side], o.Price.String())
	}
	return result
}

func (h *harness) openCount() int {
	n := 0
	for _, prices := range h.open() {
		n += len(prices)
	}
	return n
}

func TestQuoteAroundMidAndSkewAfterFill(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.book("99.99", "100.01")
	h.cycle()

	open := h.open()
	assert.Equal(t, []string{"99.95"}, open[schema.SideBuy])
	assert.Equal(t, []string{"100.05"}, open[schema.SideSell])

	h.advance(time.Second)
	h.paper.Cross(testSymbol, d("99.95"))
	h.deliver()

	pos := h.w.ledger.Position()
	if !pos.Qty.Equal(d("1")) {
		t.Fatalf("position mismatch: got %s want 1", pos.Qty)
	}
	assert.Equal(t, uint64(1), h.metrics.Get(obs.CounterFills))

	quotes := h.w.Quotes(d("100"), decimal.Zero)
	require.Len(t, quotes, 2)
	assert.Equal(t, "99.92", quotes[0].Price.String())
	assert.Equal(t, "100.03", quotes[1].Price.String())

	h.cycle()
	open = h.open()
	assert.Equal(t, []string{"99.92"}, open[schema.SideBuy])
	assert.Equal(t, []string{"100.03"}, open[schema.SideSell])
}

func TestSkewAndExposureCapShareUnits(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.book("99.99", "100.01")
	h.cycle()

	h.advance(time.Second)
	h.paper.Cross(testSymbol, d("99.95"))
	h.deliver()

	// one unit is max_exposure * max_inventory_ratio, so the skew saturates at any price
	pos := h.w.ledger.Position()
	require.True(t, pos.Qty.Equal(d("1")))
	if got := h.w.engine.Skew(pos.Qty, decimal.Zero); !got.Equal(d("-0.5")) {
		t.Fatalf("skew mismatch: got %s want -0.5", got)
	}
	require.Len(t, h.w.Quotes(d("100"), decimal.Zero), 2)

	h.cycle()
	h.advance(time.Second)
	h.paper.Cross(testSymbol, d("99.92"))
	h.deliver()
	require.True(t, h.w.ledger.Position().Qty.Equal(d("2")))

	// two units is max_exposure, so the same quantity cap now blocks further buys
	quotes := h.w.Quotes(d("100"), decimal.Zero)
	require.Len(t, quotes, 1)
	assert.Equal(t, schema.SideSell, quotes[0].Side)
}

func TestDuplicateExecutionIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.book("99.99", "100.01")
	h.cycle()

	h.paper.Cross(testSymbol, d("99.95"))
	reports := h.reports
	h.deliver()
	for _, r := range reports {
		if r.Execution != nil {
			h.w.Apply(context.Background(), *r.Execution)
		}
	}

	assert.True(t, h.w.ledger.Position().Qty.Equal(d("1")))
	assert.Equal(t, 1, h.w.ledger.Metrics().Fills)
	assert.Equal(t, uint64(1), h.metrics.Get(obs.CounterFills))
}

func TestBreakerFlattensUntilCooldown(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.book("99.99", "100.01")
	h.cycle()
	require.Equal(t, 2, h.openCount())

	h.advance(time.Second)
	h.book("101.99", "102.01")
	h.cycle()
	assert.Equal(t, 0, h.openCount())
	assert.Equal(t, risk.Decision{Action: risk.Flatten, Reason: risk.ReasonCircuitBreaker}, h.w.decision)

	h.advance(10 * time.Second)
	h.book("101.99", "102.01")
	h.cycle()
	assert.Equal(t, 0, h.openCount())

	h.advance(20 * time.Second)
	h.book("101.99", "102.01")
	h.cycle()
	assert.Equal(t, 0, h.openCount())
	assert.Equal(t, risk.Decision{Action: risk.Block, Reason: risk.ReasonCircuitRecovering}, h.w.decision)

	h.advance(31 * time.Second)
	h.book("101.99", "102.01")
	h.cycle()
	assert.Equal(t, risk.Allow, h.w.decision.Action)
	assert.Equal(t, 2, h.openCount())
}

func TestStaleDataOnlyExpiresOrders(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.book("99.99", "100.01")
	h.cycle()
	require.Equal(t, 2, h.openCount())

	testCases := []struct {
		desc    string
		advance time.Duration
		want    int
	}{
		{desc: "stale but young orders rest", advance: 20 * time.Second, want: 2},
		{desc: "aged orders cancel one per interval", advance: 20 * time.Second, want: 1},
		{desc: "deferred cancel goes next cycle", advance: time.Second, want: 0},
		{desc: "nothing placed while stale", advance: time.Second, want: 0},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			h.advance(tc.advance)
			h.cycle()
			if got := h.openCount(); got != tc.want {
				t.Fatalf("open orders mismatch: got %d want %d", got, tc.want)
			}
		})
	}
}

func TestPauseSignalWithdrawsQuotes(t *testing.T) {
	signals := signal.NewStatic()
	h := newHarness(t, nil, signals)

	h.book("99.99", "100.01")
	h.cycle()
	require.Equal(t, 2, h.openCount())

	signals.Set(testSymbol, signal.Signal{Pause: true})
	for i := 0; i < 2; i++ {
		h.advance(time.Second)
		h.book("99.99", "100.01")
		h.cycle()
	}
	assert.Equal(t, 0, h.openCount())

	signals.Clear(testSymbol)
	h.advance(time.Second)
	h.book("99.99", "100.01")
	h.cycle()
	assert.Equal(t, 2, h.openCount())
}

func TestPersistAndRestore(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)

	h := newHarness(t, store, nil)
	h.book("99.99", "100.01")
	h.cycle()

	snap, ok, err := store.Load(testSymbol)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, snap.ActiveOrders, 2)

	h.advance(time.Second)
	h.paper.Cross(testSymbol, d("99.95"))
	h.deliver()
	h.cycle()

	snap, ok, err = store.Load(testSymbol)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, snap.Metrics.Position.Qty.Equal(d("1")))
	assert.Len(t, snap.TradeHistory, 1)

	restarted := newHarness(t, store, nil)
	assert.True(t, restarted.w.ledger.Position().Qty.Equal(d("1")))
	assert.Equal(t, 1, restarted.w.ledger.Metrics().Fills)
	// restored orders the fresh venue does not know are dropped by the first sync
	restarted.advance(2 * time.Minute)
	restarted.book("99.99", "100.01")
	restarted.w.lastSync = time.Time{}
	require.NoError(t, restarted.w.syncVenue(context.Background(), restarted.now))
	assert.Empty(t, restarted.w.orders.Orders())
}

func TestFillPersistedBeforeNextCycle(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)

	h := newHarness(t, store, nil)
	h.book("99.99", "100.01")
	h.cycle()

	h.advance(time.Second)
	h.paper.Cross(testSymbol, d("99.95"))
	h.deliver()

	// no cycle ran since the fill
	snap, ok, err := store.Load(testSymbol)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, snap.Metrics.Position.Qty.Equal(d("1")))
	require.Len(t, snap.TradeHistory, 1)

	restarted := newHarness(t, store, nil)
	exec := schema.Execution{
		Symbol:  testSymbol,
		ExecID:  snap.TradeHistory[0].ExecID,
		Side:    schema.SideBuy,
		Price:   d("99.95"),
		Qty:     d("1"),
		IsMaker: true,
		Ts:      h.now,
	}
	restarted.w.Apply(context.Background(), exec)
	assert.True(t, restarted.w.ledger.Position().Qty.Equal(d("1")), "replayed fill must not double count")
}

func TestLimitExposure(t *testing.T) {
	buy := func(layer int) quote.Quote {
		return quote.Quote{Side: schema.SideBuy, Price: d("99"), Qty: d("1"), Layer: layer}
	}
	sell := quote.Quote{Side: schema.SideSell, Price: d("101"), Qty: d("1")}

	testCases := []struct {
		desc     string
		position string
		quotes   []quote.Quote
		want     int
	}{
		{desc: "flat keeps all", position: "0", quotes: []quote.Quote{buy(0), buy(1), sell}, want: 3},
		{desc: "near limit drops buys", position: "9.5", quotes: []quote.Quote{buy(0), buy(1), sell}, want: 1},
		{desc: "pending buys count", position: "8", quotes: []quote.Quote{buy(0), buy(1), buy(2)}, want: 2},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got := limitExposure(tc.quotes, d(tc.position), d("10"))
			if len(got) != tc.want {
				t.Fatalf("quotes mismatch: got %d want %d", len(got), tc.want)
			}
		})
	}
}

func TestRunStopsAndCloses(t *testing.T) {
	cfg, err := ops.Parse([]byte(testConfig))
	require.NoError(t, err)

	paper := venue.NewPaper(venue.PaperConfig{}, nil)
	w, err := New(cfg.Instruments[0], Deps{Venue: paper})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	select {
	case <-w.Done():
	default:
		t.Fatal("worker inbox still open")
	}
	assert.True(t, errors.Is(w.Offer(schema.Trade{Symbol: testSymbol}), exception.ErrQueueClosed))
}

func TestNewRequiresVenue(t *testing.T) {
	_, err := New(ops.InstrumentConfig{Symbol: testSymbol}, Deps{})
	assert.True(t, errors.Is(err, exception.ErrNilInstance))
}
