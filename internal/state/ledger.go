package state

import (
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/errors"
	"marketmaker/internal/schema"
	"marketmaker/pkg/exception"
)

const (
	dayLayout          = "2006-01-02"
	defaultTradeLimit  = 500
	defaultHistoryDays = 90
	dedupWindow        = 4096
)

// Lot is an open FIFO lot. Qty is signed: positive long, negative short.
type Lot struct {
	Qty   decimal.Decimal `json:"qty"`
	Price decimal.Decimal `json:"price"`
}

// Position is the net position of one instrument.
type Position struct {
	Qty      decimal.Decimal `json:"qty"`
	AvgEntry decimal.Decimal `json:"avg_entry"`
	Realized decimal.Decimal `json:"realized_pnl"`
	Fees     decimal.Decimal `json:"fees"`
	Lots     []Lot           `json:"lots"`
}

// Unrealized returns the mark-to-market PnL of the open lots.
func (p Position) Unrealized(mark decimal.Decimal) decimal.Decimal {
	if p.Qty.IsZero() || !mark.IsPositive() {
		return decimal.Zero
	}
	return mark.Sub(p.AvgEntry).Mul(p.Qty)
}

// Flat reports whether no lots are open.
func (p Position) Flat() bool {
	return p.Qty.IsZero()
}

// TradeFill is one applied execution. Trade history is append-only.
type TradeFill struct {
	ExecID   string          `json:"exec_id"`
	OrderID  string          `json:"order_id"`
	ClientID string          `json:"client_id,omitempty"`
	Side     schema.Side     `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	Fee      decimal.Decimal `json:"fee"`
	Realized decimal.Decimal `json:"realized_pnl"`
	Maker    bool            `json:"maker"`
	Time     time.Time       `json:"time"`
}

// Metrics are the lifetime totals of an instrument.
type Metrics struct {
	Position Position        `json:"position"`
	Fills    int             `json:"fills"`
	Wins     int             `json:"wins"`
	Losses   int             `json:"losses"`
	Volume   decimal.Decimal `json:"volume"`
}

// NetPnL is realized PnL after fees.
func (m Metrics) NetPnL() decimal.Decimal {
	return m.Position.Realized.Sub(m.Position.Fees)
}

// DailyMetrics is the record of one trading day. Only the current day is mutable.
type DailyMetrics struct {
	Date     string          `json:"date"`
	Realized decimal.Decimal `json:"realized_pnl"`
	Fees     decimal.Decimal `json:"fees"`
	Volume   decimal.Decimal `json:"volume"`
	Fills    int             `json:"fills"`
	Wins     int             `json:"wins"`
	Losses   int             `json:"losses"`
}

// NetPnL is the day's realized PnL after fees.
func (d DailyMetrics) NetPnL() decimal.Decimal {
	return d.Realized.Sub(d.Fees)
}

// Ledger tracks position, PnL and fills of one instrument. It has a single writer.
type Ledger struct {
	symbol  string
	loc     *time.Location
	limit   int
	metrics Metrics
	day     DailyMetrics
	history []DailyMetrics
	trades  []TradeFill
	seen    map[string]struct{}
	seenLog []string
	dirty   bool
}

// NewLedger creates an empty ledger. Days are split in loc; nil means UTC.
func NewLedger(symbol string, loc *time.Location, tradeLimit int) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	if tradeLimit <= 0 {
		tradeLimit = defaultTradeLimit
	}
	return &Ledger{
		symbol: symbol,
		loc:    loc,
		limit:  tradeLimit,
		seen:   make(map[string]struct{}),
	}
}

func (l *Ledger) Symbol() string {
	return l.symbol
}

// Position returns a copy of the current position.
func (l *Ledger) Position() Position {
	p := l.metrics.Position
	p.Lots = append([]Lot(nil), p.Lots...)
	return p
}

func (l *Ledger) Metrics() Metrics {
	m := l.metrics
	m.Position = l.Position()
	return m
}

// Today returns the live daily record.
func (l *Ledger) Today() DailyMetrics {
	return l.day
}

// Day returns the current day key.
func (l *Ledger) Day() string {
	return l.day.Date
}

// History returns the closed daily records, oldest first.
func (l *Ledger) History() []DailyMetrics {
	return append([]DailyMetrics(nil), l.history...)
}

// Trades returns the retained fills, oldest first.
func (l *Ledger) Trades() []TradeFill {
	return append([]TradeFill(nil), l.trades...)
}

// DayPnL is the day's realized PnL after fees plus the open position's unrealized PnL.
func (l *Ledger) DayPnL(mark decimal.Decimal) decimal.Decimal {
	return l.day.NetPnL().Add(l.metrics.Position.Unrealized(mark))
}

// Dirty reports whether state changed since the last MarkClean.
func (l *Ledger) Dirty() bool {
	return l.dirty
}

func (l *Ledger) MarkClean() {
	l.dirty = false
}

// Touch marks the ledger dirty, e.g. after the active orders changed.
func (l *Ledger) Touch() {
	l.dirty = true
}

// Rollover closes the live daily record when now is on a later day. It returns true when
// a new day started.
func (l *Ledger) Rollover(now time.Time) bool {
	key := now.In(l.loc).Format(dayLayout)
	if l.day.Date == "" {
		l.day = DailyMetrics{Date: key}
		l.dirty = true
		return false
	}
	if key <= l.day.Date {
		return false
	}
	l.history = append(l.history, l.day)
	if len(l.history) > defaultHistoryDays {
		l.history = append([]DailyMetrics(nil), l.history[len(l.history)-defaultHistoryDays:]...)
	}
	l.day = DailyMetrics{Date: key}
	l.dirty = true
	return true
}

// ApplyFill nets an execution against the open lots FIFO. A duplicate execution id is
// rejected with exception.ErrLedgerDuplicateFill and leaves the ledger untouched.
func (l *Ledger) ApplyFill(e schema.Execution) (TradeFill, error) {
	if e.Symbol != "" && e.Symbol != l.symbol {
		return TradeFill{}, errors.Wrap(exception.ErrLedgerSymbolMismatch, e.Symbol)
	}
	if e.Side.Sign() == 0 || !e.Qty.IsPositive() || !e.Price.IsPositive() {
		return TradeFill{}, errors.Wrap(exception.ErrLedgerInvalidFill, e.ExecID)
	}
	if e.ExecID != "" {
		if _, ok := l.seen[e.ExecID]; ok {
			return TradeFill{}, errors.Wrap(exception.ErrLedgerDuplicateFill, e.ExecID)
		}
	}
	if !e.Ts.IsZero() {
		l.Rollover(e.Ts)
	}

	realized, closed := l.net(e.Side, e.Qty, e.Price)
	fill := TradeFill{
		ExecID:   e.ExecID,
		OrderID:  e.OrderID,
		ClientID: e.ClientID,
		Side:     e.Side,
		Price:    e.Price,
		Qty:      e.Qty,
		Fee:      e.Fee,
		Realized: realized,
		Maker:    e.IsMaker,
		Time:     e.Ts,
	}

	notional := e.Qty.Mul(e.Price)
	pos := &l.metrics.Position
	pos.Realized = pos.Realized.Add(realized)
	pos.Fees = pos.Fees.Add(e.Fee)
	l.metrics.Fills++
	l.metrics.Volume = l.metrics.Volume.Add(notional)

	l.day.Realized = l.day.Realized.Add(realized)
	l.day.Fees = l.day.Fees.Add(e.Fee)
	l.day.Volume = l.day.Volume.Add(notional)
	l.day.Fills++

	if closed {
		net := realized.Sub(e.Fee)
		switch net.Sign() {
		case 1:
			l.metrics.Wins++
			l.day.Wins++
		case -1:
			l.metrics.Losses++
			l.day.Losses++
		}
	}

	l.remember(e.ExecID)
	l.trades = append(l.trades, fill)
	if len(l.trades) > l.limit {
		l.trades = append([]TradeFill(nil), l.trades[len(l.trades)-l.limit:]...)
	}
	l.dirty = true
	return fill, nil
}

// net matches the fill against opposite lots, oldest first, and appends any remainder as
// a new lot. It returns the realized PnL and whether any lot was closed.
func (l *Ledger) net(side schema.Side, qty, price decimal.Decimal) (decimal.Decimal, bool) {
	pos := &l.metrics.Position
	remaining := qty.Mul(decimal.NewFromInt(side.Sign()))
	realized := decimal.Zero
	closed := false

	for !remaining.IsZero() && len(pos.Lots) > 0 && pos.Lots[0].Qty.Sign() != remaining.Sign() {
		lot := &pos.Lots[0]
		match := decimal.Min(remaining.Abs(), lot.Qty.Abs())
		direction := decimal.NewFromInt(int64(lot.Qty.Sign()))
		realized = realized.Add(price.Sub(lot.Price).Mul(match).Mul(direction))
		closed = true

		lot.Qty = lot.Qty.Sub(match.Mul(direction))
		remaining = remaining.Add(match.Mul(direction))
		if lot.Qty.IsZero() {
			pos.Lots = pos.Lots[1:]
		}
	}
	if !remaining.IsZero() {
		pos.Lots = append(pos.Lots, Lot{Qty: remaining, Price: price})
	}
	if len(pos.Lots) == 0 {
		pos.Lots = nil
	}

	l.recompute()
	return realized, closed
}

func (l *Ledger) recompute() {
	pos := &l.metrics.Position
	qty := decimal.Zero
	abs := decimal.Zero
	cost := decimal.Zero
	for _, lot := range pos.Lots {
		qty = qty.Add(lot.Qty)
		abs = abs.Add(lot.Qty.Abs())
		cost = cost.Add(lot.Qty.Abs().Mul(lot.Price))
	}
	pos.Qty = qty
	if abs.IsZero() {
		pos.AvgEntry = decimal.Zero
		return
	}
	pos.AvgEntry = cost.Div(abs)
}

func (l *Ledger) remember(execID string) {
	if execID == "" {
		return
	}
	l.seen[execID] = struct{}{}
	l.seenLog = append(l.seenLog, execID)
	if len(l.seenLog) > dedupWindow {
		drop := l.seenLog[0]
		l.seenLog = l.seenLog[1:]
		delete(l.seen, drop)
	}
}
