package risk

import "github.com/shopspring/decimal"

// DailyConfig bounds one day's PnL. MaxLoss and TakeProfit are fractions of the day's
// starting capital; zero disables the check. A zero StartingCapital uses the equity seen
// at the first evaluation of each day.
type DailyConfig struct {
	StartingCapital decimal.Decimal `yaml:"starting_capital"`
	MaxLoss         decimal.Decimal `yaml:"max_loss"`
	TakeProfit      decimal.Decimal `yaml:"take_profit"`
}

// DailyGuard disables trading for the rest of the day once a PnL bound is hit.
type DailyGuard struct {
	cfg      DailyConfig
	day      string
	capital  decimal.Decimal
	disabled Reason
}

func NewDailyGuard(cfg DailyConfig) *DailyGuard {
	return &DailyGuard{cfg: cfg}
}

// Evaluate checks pnl (realized + unrealized for day) and returns a non-None reason once
// trading should stop. The result is sticky until day changes.
func (g *DailyGuard) Evaluate(day string, equity, pnl decimal.Decimal) Reason {
	if day != g.day {
		g.day = day
		g.disabled = ReasonNone
		g.capital = g.cfg.StartingCapital
		if !g.capital.IsPositive() {
			g.capital = equity
		}
	}
	if g.disabled != ReasonNone {
		return g.disabled
	}
	if !g.capital.IsPositive() {
		return ReasonNone
	}
	if g.cfg.MaxLoss.IsPositive() && pnl.LessThanOrEqual(g.capital.Mul(g.cfg.MaxLoss).Neg()) {
		g.disabled = ReasonDailyLoss
	}
	if g.cfg.TakeProfit.IsPositive() && pnl.GreaterThanOrEqual(g.capital.Mul(g.cfg.TakeProfit)) {
		g.disabled = ReasonDailyTakeProfit
	}
	return g.disabled
}

// Capital returns the starting capital of the current day.
func (g *DailyGuard) Capital() decimal.Decimal {
	return g.capital
}
