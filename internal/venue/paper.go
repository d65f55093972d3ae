package venue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketmaker/internal/errors"
	"marketmaker/internal/schema"
	"marketmaker/pkg/exception"
)

// Report is one paper venue event. Execution is nil for status-only updates.
type Report struct {
	Order     schema.OrderUpdate
	Execution *schema.Execution
}

// PaperConfig configures the simulated account.
type PaperConfig struct {
	Coin        string
	Balance     decimal.Decimal
	MakerFee    decimal.Decimal
	TakerFee    decimal.Decimal
	Instruments map[string]schema.Instrument
}

type paperPosition struct {
	size decimal.Decimal
	avg  decimal.Decimal
}

// Paper is an in-memory venue. Resting orders fill when Cross reports a trade through
// their price. Reports are delivered synchronously to the callback, outside the lock.
type Paper struct {
	mu        sync.Mutex
	cfg       PaperConfig
	orders    map[string]*schema.OrderUpdate
	positions map[string]*paperPosition
	marks     map[string]decimal.Decimal
	realized  decimal.Decimal
	onReport  func(Report)
	now       func() time.Time
}

// NewPaper creates a paper venue. onReport may be nil.
func NewPaper(cfg PaperConfig, onReport func(Report)) *Paper {
	if cfg.Coin == "" {
		cfg.Coin = "USDT"
	}
	if onReport == nil {
		onReport = func(Report) {}
	}
	return &Paper{
		cfg:       cfg,
		orders:    make(map[string]*schema.OrderUpdate),
		positions: make(map[string]*paperPosition),
		marks:     make(map[string]decimal.Decimal),
		onReport:  onReport,
		now:       time.Now,
	}
}

// SetReporter replaces the report callback.
func (p *Paper) SetReporter(onReport func(Report)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReport = onReport
}

func (p *Paper) PlaceOrder(_ context.Context, intent schema.OrderIntent) (string, error) {
	if !intent.Qty.IsPositive() || intent.Side == schema.SideUnknown {
		return "", errors.Mark(errors.Wrap(exception.ErrInvalidArgument, "paper order"), exception.ErrFatalOrder)
	}

	p.mu.Lock()
	o := &schema.OrderUpdate{
		Symbol:   intent.Symbol,
		OrderID:  uuid.NewString(),
		ClientID: intent.ClientID,
		Side:     intent.Side,
		Price:    intent.Price,
		Qty:      intent.Qty,
		CumQty:   decimal.Zero,
		Status:   schema.OrderStatusNew,
		Ts:       p.now(),
	}

	mark, hasMark := p.marks[intent.Symbol]
	var reports []Report
	switch {
	case intent.TimeInForce == schema.TimeInForceIOC || !intent.Price.IsPositive():
		if !hasMark {
			p.mu.Unlock()
			return "", errors.Mark(errors.Wrap(exception.ErrInvalidArgument, "paper market order without mark"), exception.ErrFatalOrder)
		}
		if intent.ReduceOnly {
			pos := p.position(intent.Symbol)
			o.Qty = decimal.Min(o.Qty, pos.size.Abs())
			if !o.Qty.IsPositive() || pos.size.Sign() == int(intent.Side.Sign()) {
				o.Status = schema.OrderStatusCancelled
				reports = append(reports, Report{Order: *o})
				break
			}
		}
		reports = append(reports, p.fill(o, mark, false))
	case intent.TimeInForce == schema.TimeInForcePostOnly && hasMark && crosses(intent.Side, intent.Price, mark):
		o.Status = schema.OrderStatusRejected
		o.Reason = "post only would cross"
		reports = append(reports, Report{Order: *o})
	default:
		p.orders[o.OrderID] = o
		reports = append(reports, Report{Order: *o})
	}
	onReport := p.onReport
	p.mu.Unlock()

	for _, r := range reports {
		onReport(r)
	}
	return o.OrderID, nil
}

func (p *Paper) CancelOrder(_ context.Context, symbol, orderID string) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok || o.Symbol != symbol {
		p.mu.Unlock()
		return &APIError{Code: CodeOrderNotFound, Msg: "order not exists", Path: pathOrderCancel}
	}
	delete(p.orders, orderID)
	o.Status = schema.OrderStatusCancelled
	o.Ts = p.now()
	report := Report{Order: *o}
	onReport := p.onReport
	p.mu.Unlock()

	onReport(report)
	return nil
}

func (p *Paper) CancelAll(_ context.Context, symbol string) error {
	p.mu.Lock()
	var reports []Report
	for id, o := range p.orders {
		if o.Symbol != symbol {
			continue
		}
		delete(p.orders, id)
		o.Status = schema.OrderStatusCancelled
		o.Ts = p.now()
		reports = append(reports, Report{Order: *o})
	}
	onReport := p.onReport
	p.mu.Unlock()

	for _, r := range reports {
		onReport(r)
	}
	return nil
}

func (p *Paper) OpenOrders(_ context.Context, symbol string) ([]schema.OrderUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schema.OrderUpdate, 0, len(p.orders))
	for _, o := range p.orders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (p *Paper) Position(_ context.Context, symbol string) ([]schema.PositionUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.position(symbol)
	return []schema.PositionUpdate{{
		Symbol:        symbol,
		Size:          pos.size,
		AvgPrice:      pos.avg,
		UnrealizedPnL: p.unrealized(symbol, pos),
		Ts:            p.now(),
	}}, nil
}

func (p *Paper) Balance(_ context.Context, coin string) (schema.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.cfg.Balance.Add(p.realized)
	for symbol, pos := range p.positions {
		equity = equity.Add(p.unrealized(symbol, pos))
	}
	return schema.Balance{Coin: coin, Equity: equity, Available: equity, Ts: p.now()}, nil
}

func (p *Paper) Instrument(_ context.Context, symbol string) (schema.Instrument, error) {
	inst, ok := p.cfg.Instruments[symbol]
	if !ok {
		return schema.Instrument{Symbol: symbol}, nil
	}
	return inst, nil
}

func (p *Paper) SetLeverage(context.Context, string, decimal.Decimal) error {
	return nil
}

func (p *Paper) Klines(context.Context, string, string, int) ([]schema.Kline, error) {
	return nil, nil
}

// Cross reports a trade at price. Resting buys at or above and sells at or below fill
// in full as maker.
func (p *Paper) Cross(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.marks[symbol] = price

	ids := make([]string, 0, len(p.orders))
	for id, o := range p.orders {
		if o.Symbol == symbol && crosses(o.Side, o.Price, price) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	reports := make([]Report, 0, len(ids))
	for _, id := range ids {
		o := p.orders[id]
		delete(p.orders, id)
		reports = append(reports, p.fill(o, o.Price, true))
	}
	onReport := p.onReport
	p.mu.Unlock()

	for _, r := range reports {
		onReport(r)
	}
}

// crosses reports whether a trade at price reaches an order on side at limit.
func crosses(side schema.Side, limit, price decimal.Decimal) bool {
	if side == schema.SideBuy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

func (p *Paper) fill(o *schema.OrderUpdate, price decimal.Decimal, maker bool) Report {
	qty := o.Qty.Sub(o.CumQty)
	rate := p.cfg.TakerFee
	if maker {
		rate = p.cfg.MakerFee
	}
	fee := price.Mul(qty).Mul(rate)

	pos := p.position(o.Symbol)
	signed := qty.Mul(decimal.NewFromInt(o.Side.Sign()))
	switch {
	case pos.size.IsZero() || pos.size.Sign() == signed.Sign():
		total := pos.size.Abs().Add(qty)
		pos.avg = pos.avg.Mul(pos.size.Abs()).Add(price.Mul(qty)).DivRound(total, 12)
		pos.size = pos.size.Add(signed)
	default:
		closed := decimal.Min(qty, pos.size.Abs())
		pnl := price.Sub(pos.avg).Mul(closed)
		if pos.size.IsNegative() {
			pnl = pnl.Neg()
		}
		p.realized = p.realized.Add(pnl)
		pos.size = pos.size.Add(signed)
		switch {
		case pos.size.IsZero():
			pos.avg = decimal.Zero
		case pos.size.Sign() == signed.Sign():
			pos.avg = price
		}
	}
	p.realized = p.realized.Sub(fee)

	now := p.now()
	o.CumQty = o.Qty
	o.Status = schema.OrderStatusFilled
	o.Ts = now
	return Report{
		Order: *o,
		Execution: &schema.Execution{
			Symbol:   o.Symbol,
			ExecID:   uuid.NewString(),
			OrderID:  o.OrderID,
			ClientID: o.ClientID,
			Side:     o.Side,
			Price:    price,
			Qty:      qty,
			Fee:      fee,
			IsMaker:  maker,
			Ts:       now,
		},
	}
}

func (p *Paper) position(symbol string) *paperPosition {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &paperPosition{}
		p.positions[symbol] = pos
	}
	return pos
}

func (p *Paper) unrealized(symbol string, pos *paperPosition) decimal.Decimal {
	mark, ok := p.marks[symbol]
	if !ok || pos.size.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(pos.avg).Mul(pos.size)
}
