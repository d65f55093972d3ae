package state

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
	"marketmaker/internal/schema"
	"marketmaker/pkg/conn"
	"marketmaker/pkg/exception"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var day1 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func exec(id string, side schema.Side, qty, price, fee string, ts time.Time) schema.Execution {
	return schema.Execution{
		Symbol:  "BTCUSDT",
		ExecID:  id,
		OrderID: "o-" + id,
		Side:    side,
		Qty:     d(qty),
		Price:   d(price),
		Fee:     d(fee),
		IsMaker: true,
		Ts:      ts,
	}
}

func TestLedgerFIFO(t *testing.T) {
	l := NewLedger("BTCUSDT", time.UTC, 10)

	testCases := []struct {
		desc     string
		fill     schema.Execution
		realized string
		qty      string
		avg      string
		lots     int
	}{
		{
			desc:     "open long",
			fill:     exec("e1", schema.SideBuy, "1", "100", "0", day1),
			realized: "0",
			qty:      "1",
			avg:      "100",
			lots:     1,
		},
		{
			desc:     "add long",
			fill:     exec("e2", schema.SideBuy, "1", "102", "0", day1),
			realized: "0",
			qty:      "2",
			avg:      "101",
			lots:     2,
		},
		{
			desc:     "close oldest lot and part of the next",
			fill:     exec("e3", schema.SideSell, "1.5", "104", "0", day1),
			realized: "5",
			qty:      "0.5",
			avg:      "102",
			lots:     1,
		},
		{
			desc:     "flip short",
			fill:     exec("e4", schema.SideSell, "1", "101", "0", day1),
			realized: "-0.5",
			qty:      "-0.5",
			avg:      "101",
			lots:     1,
		},
		{
			desc:     "close short",
			fill:     exec("e5", schema.SideBuy, "0.5", "100", "0", day1),
			realized: "0.5",
			qty:      "0",
			avg:      "0",
			lots:     0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			fill, err := l.ApplyFill(tc.fill)
			require.NoError(t, err)
			if !fill.Realized.Equal(d(tc.realized)) {
				t.Fatalf("realized mismatch: got %v want %v", fill.Realized, tc.realized)
			}
			pos := l.Position()
			if !pos.Qty.Equal(d(tc.qty)) {
				t.Fatalf("qty mismatch: got %v want %v", pos.Qty, tc.qty)
			}
			if !pos.AvgEntry.Equal(d(tc.avg)) {
				t.Fatalf("avg entry mismatch: got %v want %v", pos.AvgEntry, tc.avg)
			}
			if len(pos.Lots) != tc.lots {
				t.Fatalf("lots mismatch: got %v want %v", len(pos.Lots), tc.lots)
			}
		})
	}

	m := l.Metrics()
	assert.True(t, m.Position.Realized.Equal(d("5")))
	assert.Equal(t, 5, m.Fills)
	assert.Equal(t, 2, m.Wins)
	assert.Equal(t, 1, m.Losses)
	assert.True(t, m.Position.Flat())
	assert.Len(t, l.Trades(), 5)
}

func TestLedgerFeesDecideWinLoss(t *testing.T) {
	l := NewLedger("BTCUSDT", time.UTC, 10)

	_, err := l.ApplyFill(exec("a", schema.SideBuy, "1", "100", "0.05", day1))
	require.NoError(t, err)
	_, err = l.ApplyFill(exec("b", schema.SideSell, "1", "100.1", "0.2", day1))
	require.NoError(t, err)

	m := l.Metrics()
	assert.Equal(t, 0, m.Wins)
	assert.Equal(t, 1, m.Losses, "gross gain below fee is a loss")
	assert.True(t, m.Position.Fees.Equal(d("0.25")))
	assert.True(t, m.NetPnL().Equal(d("-0.15")))

	today := l.Today()
	assert.Equal(t, "2024-05-01", today.Date)
	assert.True(t, today.NetPnL().Equal(d("-0.15")))
	assert.True(t, today.Volume.Equal(d("200.1")))
	assert.Equal(t, 2, today.Fills)
}

func TestLedgerRejectsBadFills(t *testing.T) {
	l := NewLedger("BTCUSDT", time.UTC, 10)
	_, err := l.ApplyFill(exec("dup", schema.SideBuy, "1", "100", "0", day1))
	require.NoError(t, err)
	l.MarkClean()

	other := exec("x", schema.SideBuy, "1", "100", "0", day1)
	other.Symbol = "ETHUSDT"

	testCases := []struct {
		desc   string
		fill   schema.Execution
		target error
	}{
		{desc: "duplicate exec id", fill: exec("dup", schema.SideBuy, "1", "100", "0", day1), target: exception.ErrLedgerDuplicateFill},
		{desc: "zero qty", fill: exec("z", schema.SideBuy, "0", "100", "0", day1), target: exception.ErrLedgerInvalidFill},
		{desc: "unknown side", fill: exec("u", schema.SideUnknown, "1", "100", "0", day1), target: exception.ErrLedgerInvalidFill},
		{desc: "other symbol", fill: other, target: exception.ErrLedgerSymbolMismatch},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := l.ApplyFill(tc.fill)
			if !errors.Is(err, tc.target) {
				t.Fatalf("error mismatch: got %v want %v", err, tc.target)
			}
		})
	}

	assert.True(t, l.Position().Qty.Equal(d("1")))
	assert.False(t, l.Dirty())
}

func TestLedgerRollover(t *testing.T) {
	l := NewLedger("BTCUSDT", time.UTC, 10)
	assert.False(t, l.Rollover(day1))
	assert.Equal(t, "2024-05-01", l.Day())

	_, err := l.ApplyFill(exec("a", schema.SideBuy, "1", "100", "0", day1))
	require.NoError(t, err)
	_, err = l.ApplyFill(exec("b", schema.SideSell, "1", "101", "0", day1.Add(time.Hour)))
	require.NoError(t, err)

	assert.False(t, l.Rollover(day1.Add(2*time.Hour)))
	assert.True(t, l.Rollover(day1.Add(24*time.Hour)))
	assert.False(t, l.Rollover(day1), "never rolls back")

	history := l.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Realized.Equal(d("1")))
	assert.Equal(t, 1, history[0].Wins)

	today := l.Today()
	assert.Equal(t, "2024-05-02", today.Date)
	assert.True(t, today.Realized.IsZero())
	assert.Equal(t, 0, today.Fills)
	assert.True(t, l.Metrics().Position.Realized.Equal(d("1")), "lifetime totals survive rollover")
}

func TestLedgerDayPnLIncludesUnrealized(t *testing.T) {
	l := NewLedger("BTCUSDT", time.UTC, 10)
	_, err := l.ApplyFill(exec("a", schema.SideSell, "2", "100", "0.1", day1))
	require.NoError(t, err)

	assert.True(t, l.Position().Unrealized(d("99")).Equal(d("2")))
	assert.True(t, l.DayPnL(d("99")).Equal(d("1.9")))
	assert.True(t, l.DayPnL(d("101")).Equal(d("-2.1")))
}

func TestLedgerTradeLimit(t *testing.T) {
	l := NewLedger("BTCUSDT", time.UTC, 2)
	for i, id := range []string{"a", "b", "c"} {
		_, err := l.ApplyFill(exec(id, schema.SideBuy, "1", "100", "0", day1.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	trades := l.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, "b", trades[0].ExecID)
	assert.Equal(t, "c", trades[1].ExecID)
}

func TestSnapshotRoundTripByteIdentical(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	l := NewLedger("BTCUSDT", time.UTC, 10)
	fills := []schema.Execution{
		exec("a", schema.SideBuy, "0.01", "99.95", "0.0002", day1),
		exec("b", schema.SideBuy, "0.02", "99.90", "0.0004", day1.Add(time.Minute)),
		exec("c", schema.SideSell, "0.015", "100.05", "0.0003", day1.Add(25*time.Hour)),
	}
	for _, f := range fills {
		_, err := l.ApplyFill(f)
		require.NoError(t, err)
	}
	orders := []ActiveOrder{
		{
			OrderID:  "123",
			ClientID: "b0-abc",
			Side:     schema.SideBuy,
			Price:    d("99.90"),
			Qty:      d("0.01"),
			Filled:   decimal.Zero,
			Status:   schema.OrderStatusNew,
			Layer:    0,
			PlacedAt: day1.Add(26 * time.Hour),
		},
	}

	require.NoError(t, store.Save(l.Snapshot(orders)))
	first, err := os.ReadFile(store.Path("BTCUSDT"))
	require.NoError(t, err)

	snap, ok, err := store.Load("BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)

	reloaded := NewLedger("BTCUSDT", time.UTC, 10)
	require.NoError(t, reloaded.Restore(snap))
	require.NoError(t, store.Save(reloaded.Snapshot(snap.ActiveOrders)))
	second, err := os.ReadFile(store.Path("BTCUSDT"))
	require.NoError(t, err)

	if string(first) != string(second) {
		t.Fatalf("state mismatch: got %s want %s", second, first)
	}

	assert.True(t, reloaded.Position().Qty.Equal(d("0.015")))
	assert.Len(t, reloaded.History(), 1)
	assert.Equal(t, "2024-05-02", reloaded.Day())
	_, err = reloaded.ApplyFill(fills[2])
	assert.ErrorIs(t, err, exception.ErrLedgerDuplicateFill)

	symbols, err := store.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, symbols)
}

func TestStoreLoadMissingAndCorrupt(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, ok, err := store.Load("NONE")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(store.Path("BAD"), []byte("{not json"), 0o644))
	_, _, err = store.Load("BAD")
	assert.ErrorIs(t, err, exception.ErrLedgerCorruptState)
	assert.ErrorIs(t, err, exception.ErrDataIntegrity)
}

func TestRestoreValidates(t *testing.T) {
	l := NewLedger("BTCUSDT", time.UTC, 10)

	err := l.Restore(Snapshot{Symbol: "ETHUSDT"})
	assert.ErrorIs(t, err, exception.ErrLedgerSymbolMismatch)

	bad := Snapshot{Symbol: "BTCUSDT"}
	bad.Metrics.Position.Qty = d("1")
	bad.Metrics.Position.Lots = []Lot{{Qty: d("0.5"), Price: d("100")}}
	err = l.Restore(bad)
	assert.ErrorIs(t, err, exception.ErrLedgerCorruptState)
}

func TestTradeStore(t *testing.T) {
	client, err := conn.New(conn.Option{
		Driver:     conn.DriverSQLite,
		ConnString: filepath.Join(t.TempDir(), "trades.db"),
	})
	require.NoError(t, err)
	defer client.Close()

	store, err := NewTradeStore(client.DB())
	require.NoError(t, err)

	ctx := context.Background()
	l := NewLedger("BTCUSDT", time.UTC, 10)
	for i, id := range []string{"a", "b", "c"} {
		side := schema.SideBuy
		if i == 2 {
			side = schema.SideSell
		}
		fill, err := l.ApplyFill(exec(id, side, "1", "100.5", "0.01", day1.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, "BTCUSDT", fill))
	}
	trades := l.Trades()
	require.NoError(t, store.Append(ctx, "BTCUSDT", trades[0]), "re-append is a no-op")

	count, err := store.Count(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	recent, err := store.Recent(ctx, "BTCUSDT", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].ExecID)
	assert.Equal(t, "c", recent[1].ExecID)
	assert.Equal(t, schema.SideSell, recent[1].Side)
	assert.True(t, recent[1].Price.Equal(d("100.5")))
	assert.True(t, recent[1].Time.Equal(day1.Add(2*time.Minute)))

	none, err := store.Recent(ctx, "ETHUSDT", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
