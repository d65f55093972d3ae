package market

import (
	"github.com/shopspring/decimal"

	"marketmaker/internal/schema"
)

const indicatorPlaces = 12

// EMA is an exponential moving average. The zero value is unseeded.
type EMA struct {
	Alpha decimal.Decimal
	value decimal.Decimal
	ready bool
}

// Update folds x in and returns the new average. The first sample seeds it.
func (e *EMA) Update(x decimal.Decimal) decimal.Decimal {
	if !e.ready || !e.Alpha.IsPositive() {
		e.value = x
		e.ready = true
		return e.value
	}
	// value = alpha*x + (1-alpha)*value
	e.value = e.Alpha.Mul(x).Add(decimal.NewFromInt(1).Sub(e.Alpha).Mul(e.value)).Round(indicatorPlaces)
	return e.value
}

func (e *EMA) Value() (decimal.Decimal, bool) {
	return e.value, e.ready
}

// ATR is the simple average true range of the last period candles.
// It needs period+1 candles; with fewer it returns false.
func ATR(klines []schema.Kline, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(klines) < period+1 {
		return decimal.Zero, false
	}
	window := klines[len(klines)-period-1:]
	sum := decimal.Zero
	for i := 1; i < len(window); i++ {
		sum = sum.Add(trueRange(window[i], window[i-1].Close))
	}
	return sum.Div(decimal.NewFromInt(int64(period))).Round(indicatorPlaces), true
}

func trueRange(k schema.Kline, prevClose decimal.Decimal) decimal.Decimal {
	hl := k.High.Sub(k.Low)
	hc := k.High.Sub(prevClose).Abs()
	lc := k.Low.Sub(prevClose).Abs()
	return decimal.Max(hl, hc, lc)
}
