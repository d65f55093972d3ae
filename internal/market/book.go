package market

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/schema"
)

var two = decimal.NewFromInt(2)

// Book is an immutable order book snapshot. Bids are sorted descending, asks ascending.
type Book struct {
	Symbol string
	Bids   []schema.Level
	Asks   []schema.Level
	Seq    int64
	Ts     time.Time
}

// NewBook copies and normalizes a book update. Zero or negative levels are dropped.
func NewBook(u schema.BookUpdate) Book {
	b := Book{
		Symbol: u.Symbol,
		Bids:   cleanLevels(u.Bids),
		Asks:   cleanLevels(u.Asks),
		Seq:    u.Seq,
		Ts:     u.Ts,
	}
	sort.SliceStable(b.Bids, func(i, j int) bool { return b.Bids[i].Price.GreaterThan(b.Bids[j].Price) })
	sort.SliceStable(b.Asks, func(i, j int) bool { return b.Asks[i].Price.LessThan(b.Asks[j].Price) })
	return b
}

func cleanLevels(levels []schema.Level) []schema.Level {
	out := make([]schema.Level, 0, len(levels))
	for _, lv := range levels {
		if !lv.Price.IsPositive() || !lv.Qty.IsPositive() {
			continue
		}
		out = append(out, lv)
	}
	return out
}

func (b Book) Empty() bool {
	return len(b.Bids) == 0 || len(b.Asks) == 0
}

func (b Book) BestBid() (schema.Level, bool) {
	if len(b.Bids) == 0 {
		return schema.Level{}, false
	}
	return b.Bids[0], true
}

func (b Book) BestAsk() (schema.Level, bool) {
	if len(b.Asks) == 0 {
		return schema.Level{}, false
	}
	return b.Asks[0], true
}

// Mid returns (best bid + best ask) / 2.
func (b Book) Mid() (decimal.Decimal, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(two), true
}

// DepthAtOrBetter sums same-side quantity priced at or better than price:
// bids at or above price, asks at or below price.
func (b Book) DepthAtOrBetter(side schema.Side, price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	switch side {
	case schema.SideBuy:
		for _, lv := range b.Bids {
			if lv.Price.LessThan(price) {
				break
			}
			total = total.Add(lv.Qty)
		}
	case schema.SideSell:
		for _, lv := range b.Asks {
			if lv.Price.GreaterThan(price) {
				break
			}
			total = total.Add(lv.Qty)
		}
	}
	return total
}
