package state

import (
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/errors"
	"marketmaker/internal/schema"
	"marketmaker/pkg/exception"
)

// ActiveOrder is a resting order as persisted between runs.
type ActiveOrder struct {
	OrderID    string             `json:"order_id"`
	ClientID   string             `json:"client_id"`
	Side       schema.Side        `json:"side"`
	Price      decimal.Decimal    `json:"price"`
	Qty        decimal.Decimal    `json:"qty"`
	Filled     decimal.Decimal    `json:"filled"`
	Status     schema.OrderStatus `json:"status"`
	Layer      int                `json:"layer"`
	ReduceOnly bool               `json:"reduce_only,omitempty"`
	PlacedAt   time.Time          `json:"placed_at"`
}

// Snapshot is the persisted state of one instrument. Daily metrics are oldest first and
// the last entry is the live day.
type Snapshot struct {
	Symbol       string         `json:"symbol"`
	ActiveOrders []ActiveOrder  `json:"active_orders"`
	Metrics      Metrics        `json:"metrics"`
	DailyMetrics []DailyMetrics `json:"daily_metrics"`
	TradeHistory []TradeFill    `json:"trade_history"`
}

// Snapshot captures the ledger together with the given resting orders.
func (l *Ledger) Snapshot(orders []ActiveOrder) Snapshot {
	daily := make([]DailyMetrics, 0, len(l.history)+1)
	daily = append(daily, l.history...)
	if l.day.Date != "" {
		daily = append(daily, l.day)
	}
	active := make([]ActiveOrder, 0, len(orders))
	active = append(active, orders...)
	trades := make([]TradeFill, 0, len(l.trades))
	trades = append(trades, l.trades...)
	return Snapshot{
		Symbol:       l.symbol,
		ActiveOrders: active,
		Metrics:      l.Metrics(),
		DailyMetrics: daily,
		TradeHistory: trades,
	}
}

// Restore replaces the ledger with a persisted snapshot. Execution ids of the retained
// trade history are remembered, so replayed fills are ignored.
func (l *Ledger) Restore(s Snapshot) error {
	if s.Symbol != l.symbol {
		return errors.Wrap(exception.ErrLedgerSymbolMismatch, s.Symbol)
	}
	sum := decimal.Zero
	for _, lot := range s.Metrics.Position.Lots {
		if lot.Qty.IsZero() || lot.Qty.Sign() != s.Metrics.Position.Lots[0].Qty.Sign() {
			return errors.Wrap(exception.ErrLedgerCorruptState, "lots must be non-zero and one-sided")
		}
		sum = sum.Add(lot.Qty)
	}
	if !sum.Equal(s.Metrics.Position.Qty) {
		return errors.Wrap(exception.ErrLedgerCorruptState, "lots do not add up to position")
	}

	l.metrics = s.Metrics
	l.metrics.Position.Lots = append([]Lot(nil), s.Metrics.Position.Lots...)
	l.history = nil
	l.day = DailyMetrics{}
	if n := len(s.DailyMetrics); n > 0 {
		l.history = append([]DailyMetrics(nil), s.DailyMetrics[:n-1]...)
		l.day = s.DailyMetrics[n-1]
	}
	l.trades = append([]TradeFill(nil), s.TradeHistory...)
	l.seen = make(map[string]struct{}, len(l.trades))
	l.seenLog = nil
	for _, t := range l.trades {
		l.remember(t.ExecID)
	}
	l.dirty = false
	return nil
}
