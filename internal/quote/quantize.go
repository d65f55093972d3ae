package quote

import "github.com/shopspring/decimal"

// FloorToStep rounds x down to a multiple of step. Non-positive steps return x unchanged.
func FloorToStep(x, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return x
	}
	q, r := x.QuoRem(step, 0)
	if r.IsNegative() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.Mul(step)
}

// CeilToStep rounds x up to a multiple of step. Non-positive steps return x unchanged.
func CeilToStep(x, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return x
	}
	q, r := x.QuoRem(step, 0)
	if r.IsPositive() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q.Mul(step)
}

// OnStep reports whether x is an exact multiple of step.
func OnStep(x, step decimal.Decimal) bool {
	if !step.IsPositive() {
		return true
	}
	_, r := x.QuoRem(step, 0)
	return r.IsZero()
}

func clamp(x, lo, hi decimal.Decimal) decimal.Decimal {
	if x.LessThan(lo) {
		return lo
	}
	if x.GreaterThan(hi) {
		return hi
	}
	return x
}
