package quote

import (
	"fmt"

	"github.com/shopspring/decimal"

	"marketmaker/internal/market"
	"marketmaker/internal/schema"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Layer is one quote level relative to the dynamic spread.
type Layer struct {
	Offset     decimal.Decimal `yaml:"offset"`
	Multiplier decimal.Decimal `yaml:"multiplier"`
}

// Config holds the pricing parameters. Spreads and fees are fractions of mid (0.001 = 0.1%).
// MaxExposure is a base-asset quantity, the same unit the risk gate caps positions in.
type Config struct {
	TickSize             decimal.Decimal `yaml:"-"`
	QtyStep              decimal.Decimal `yaml:"-"`
	MinQty               decimal.Decimal `yaml:"-"`
	BaseQty              decimal.Decimal `yaml:"-"`
	MakerFee             decimal.Decimal `yaml:"-"`
	MaxExposure          decimal.Decimal `yaml:"-"`
	BaseSpread           decimal.Decimal `yaml:"base_spread"`
	MinSpread            decimal.Decimal `yaml:"min_spread"`
	MaxSpread            decimal.Decimal `yaml:"max_spread"`
	VolatilityMultiplier decimal.Decimal `yaml:"volatility_multiplier"`
	SkewIntensity        decimal.Decimal `yaml:"skew_intensity"`
	MaxInventoryRatio    decimal.Decimal `yaml:"max_inventory_ratio"`
	// MinProfit is an absolute price distance added to the fee floor.
	MinProfit  decimal.Decimal `yaml:"min_profit"`
	Layers     []Layer         `yaml:"layers"`
	DepthCheck bool            `yaml:"-"`
}

// Validate checks the config once at construction.
func (c Config) Validate() error {
	if !c.TickSize.IsPositive() || !c.QtyStep.IsPositive() {
		return fmt.Errorf("tick size and qty step must be > 0")
	}
	if !c.BaseQty.IsPositive() {
		return fmt.Errorf("base qty must be > 0")
	}
	if c.MinSpread.IsNegative() || c.MaxSpread.LessThan(c.MinSpread) {
		return fmt.Errorf("spread bounds invalid: min=%s max=%s", c.MinSpread, c.MaxSpread)
	}
	if c.MakerFee.IsNegative() || c.MinProfit.IsNegative() {
		return fmt.Errorf("maker fee and min profit must be >= 0")
	}
	for i, layer := range c.Layers {
		if !layer.Multiplier.IsPositive() {
			return fmt.Errorf("layer %d multiplier must be > 0", i)
		}
	}
	return nil
}

// Input is everything the engine reads. It is a value snapshot; the engine never mutates it.
type Input struct {
	Mid         decimal.Decimal
	SmoothedMid decimal.Decimal
	Volatility  decimal.Decimal
	// Inventory is the signed position quantity.
	Inventory decimal.Decimal
	// Bias comes from an optional signal provider, in [-1, 1]; positive leans long.
	Bias decimal.Decimal
	Book market.Book
}

// Quote is one desired resting order.
type Quote struct {
	Side  schema.Side
	Price decimal.Decimal
	Qty   decimal.Decimal
	Layer int
}

// Engine turns market state into a quote ladder. It has no side effects.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Layers) == 0 {
		cfg.Layers = []Layer{{Offset: decimal.Zero, Multiplier: one}}
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// DynamicSpread is clamp(base + volatility*multiplier, min, max).
func (e *Engine) DynamicSpread(volatility decimal.Decimal) decimal.Decimal {
	raw := e.cfg.BaseSpread.Add(volatility.Mul(e.cfg.VolatilityMultiplier))
	return clamp(raw, e.cfg.MinSpread, e.cfg.MaxSpread)
}

// Skew is -clamp(inventory / (max exposure * max ratio), -1, 1) * intensity, plus bias.
// Inventory and max exposure are both base quantities. The result is clamped to [-1, 1].
func (e *Engine) Skew(inventory, bias decimal.Decimal) decimal.Decimal {
	skew := decimal.Zero
	limit := e.cfg.MaxExposure.Mul(e.cfg.MaxInventoryRatio)
	if limit.IsPositive() {
		ratio := inventory.DivRound(limit, 16)
		skew = clamp(ratio, one.Neg(), one).Neg().Mul(e.cfg.SkewIntensity)
	}
	return clamp(skew.Add(bias), one.Neg(), one)
}

// MinProfitableSpread is 2*makerFee*mid + minProfit, as an absolute price distance.
func (e *Engine) MinProfitableSpread(mid decimal.Decimal) decimal.Decimal {
	return two.Mul(e.cfg.MakerFee).Mul(mid).Add(e.cfg.MinProfit)
}

// Compute returns bids ordered by layer followed by asks ordered by layer.
func (e *Engine) Compute(in Input) []Quote {
	if !in.Mid.IsPositive() {
		return nil
	}
	center := in.SmoothedMid
	if !center.IsPositive() {
		center = in.Mid
	}

	dynamic := e.DynamicSpread(in.Volatility)
	skew := e.Skew(in.Inventory, in.Bias)
	center = center.Add(center.Mul(skew).Mul(dynamic).Div(two))
	minWidth := e.MinProfitableSpread(in.Mid)
	tick := e.cfg.TickSize

	bestBid, hasBid := in.Book.BestBid()
	bestAsk, hasAsk := in.Book.BestAsk()

	bids := make([]Quote, 0, len(e.cfg.Layers))
	asks := make([]Quote, 0, len(e.cfg.Layers))
	var prevBid, prevAsk decimal.Decimal
	for i, layer := range e.cfg.Layers {
		half := center.Mul(dynamic.Add(layer.Offset)).Div(two)
		bid := center.Sub(half)
		ask := center.Add(half)
		if ask.Sub(bid).LessThan(minWidth) {
			bid = center.Sub(minWidth.Div(two))
			ask = center.Add(minWidth.Div(two))
		}

		bid = FloorToStep(bid, tick)
		ask = CeilToStep(ask, tick)
		if hasAsk && bid.GreaterThanOrEqual(bestAsk.Price) {
			bid = FloorToStep(bestAsk.Price.Sub(tick), tick)
		}
		if hasBid && ask.LessThanOrEqual(bestBid.Price) {
			ask = CeilToStep(bestBid.Price.Add(tick), tick)
		}
		if i > 0 {
			if bid.GreaterThanOrEqual(prevBid) {
				bid = prevBid.Sub(tick)
			}
			if ask.LessThanOrEqual(prevAsk) {
				ask = prevAsk.Add(tick)
			}
		}
		if ask.LessThanOrEqual(bid) {
			ask = bid.Add(tick)
		}
		prevBid, prevAsk = bid, ask

		qty := FloorToStep(e.cfg.BaseQty.Mul(layer.Multiplier), e.cfg.QtyStep)
		if !qty.IsPositive() || qty.LessThan(e.cfg.MinQty) {
			continue
		}
		if bid.IsPositive() && e.hasDepth(in.Book, schema.SideBuy, bid, qty) {
			bids = append(bids, Quote{Side: schema.SideBuy, Price: bid, Qty: qty, Layer: i})
		}
		if e.hasDepth(in.Book, schema.SideSell, ask, qty) {
			asks = append(asks, Quote{Side: schema.SideSell, Price: ask, Qty: qty, Layer: i})
		}
	}
	return append(bids, asks...)
}

func (e *Engine) hasDepth(book market.Book, side schema.Side, price, qty decimal.Decimal) bool {
	if !e.cfg.DepthCheck {
		return true
	}
	return book.DepthAtOrBetter(side, price).GreaterThanOrEqual(qty)
}
