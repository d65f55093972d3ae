package risk

import (
	"github.com/shopspring/decimal"
)

// TrailingConfig controls position exits. All values are fractions of entry price;
// zero disables that rule.
type TrailingConfig struct {
	// Activation arms the trailing stop once profit reaches it.
	Activation decimal.Decimal `yaml:"activation"`
	// Callback closes when price retraces this far from the best price since activation.
	Callback   decimal.Decimal `yaml:"callback"`
	TakeProfit decimal.Decimal `yaml:"take_profit"`
	StopLoss   decimal.Decimal `yaml:"stop_loss"`
}

func (c TrailingConfig) enabled() bool {
	return c.Activation.IsPositive() || c.TakeProfit.IsPositive() || c.StopLoss.IsPositive()
}

// Trailing tracks the best price of the open position.
type Trailing struct {
	cfg    TrailingConfig
	sign   int
	best   decimal.Decimal
	active bool
}

func NewTrailing(cfg TrailingConfig) *Trailing {
	return &Trailing{cfg: cfg}
}

// Evaluate returns the exit reason for a position of signed qty entered at entry, or
// ReasonNone. A flat position or a direction flip resets the tracker.
func (t *Trailing) Evaluate(qty, entry, mark decimal.Decimal) Reason {
	sign := qty.Sign()
	if sign == 0 || !entry.IsPositive() || !mark.IsPositive() || !t.cfg.enabled() {
		t.reset(0)
		return ReasonNone
	}
	if sign != t.sign {
		t.reset(sign)
	}

	profit := mark.Sub(entry).DivRound(entry, 12)
	if sign < 0 {
		profit = profit.Neg()
	}
	if t.cfg.TakeProfit.IsPositive() && profit.GreaterThanOrEqual(t.cfg.TakeProfit) {
		return ReasonTakeProfit
	}
	if t.cfg.StopLoss.IsPositive() && profit.LessThanOrEqual(t.cfg.StopLoss.Neg()) {
		return ReasonStopLoss
	}
	if !t.cfg.Activation.IsPositive() {
		return ReasonNone
	}

	if !t.active && profit.GreaterThanOrEqual(t.cfg.Activation) {
		t.active = true
		t.best = mark
	}
	if !t.active {
		return ReasonNone
	}
	if (sign > 0 && mark.GreaterThan(t.best)) || (sign < 0 && mark.LessThan(t.best)) {
		t.best = mark
	}
	retrace := t.best.Sub(mark).DivRound(t.best, 12)
	if sign < 0 {
		retrace = retrace.Neg()
	}
	if t.cfg.Callback.IsPositive() && retrace.GreaterThanOrEqual(t.cfg.Callback) {
		return ReasonTrailingStop
	}
	return ReasonNone
}

func (t *Trailing) reset(sign int) {
	t.sign = sign
	t.active = false
	t.best = decimal.Zero
}
