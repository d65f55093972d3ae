// Package mdg generates synthetic market data for offline simulation.
package mdg

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/quote"
	"marketmaker/internal/schema"
)

// Config describes the simulated market of one instrument.
type Config struct {
	Symbol    string
	TickSize  decimal.Decimal
	BaseSize  decimal.Decimal
	BasePrice decimal.Decimal
	// HalfSpread is the book half spread as a fraction of mid.
	HalfSpread decimal.Decimal
	// Volatility is the stddev of the relative mid shock per tick.
	Volatility float64
	Seed       uint64
}

// Tick is one step of the simulated market.
type Tick struct {
	Book  schema.BookUpdate
	Trade schema.Trade
	Kline schema.Kline
}

// Generator creates a seeded random walk with a book, a trade print and a one-minute
// candle per step. It is not safe for concurrent use.
type Generator struct {
	cfg    Config
	rng    *rand.Rand
	price  decimal.Decimal
	candle schema.Kline
}

// NewGenerator validates cfg and creates a generator.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if !cfg.TickSize.IsPositive() {
		return nil, fmt.Errorf("tick size must be > 0")
	}
	if !cfg.BasePrice.IsPositive() {
		return nil, fmt.Errorf("base price must be > 0")
	}
	if cfg.Volatility < 0 {
		return nil, fmt.Errorf("volatility must be >= 0")
	}
	if cfg.HalfSpread.IsNegative() {
		cfg.HalfSpread = decimal.Zero
	}
	if !cfg.BaseSize.IsPositive() {
		cfg.BaseSize = decimal.NewFromInt(1)
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UTC().UnixNano())
	}
	return &Generator{
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>1)),
		price: quote.FloorToStep(cfg.BasePrice, cfg.TickSize),
	}, nil
}

// Price returns the current mid.
func (g *Generator) Price() decimal.Decimal {
	return g.price
}

// Next moves the mid and returns the market at now.
func (g *Generator) Next(now time.Time) Tick {
	g.walk()
	return Tick{
		Book:  g.book(now),
		Trade: g.trade(now),
		Kline: g.kline(now),
	}
}

func (g *Generator) walk() {
	shock := decimal.NewFromFloat(g.cfg.Volatility * g.rng.NormFloat64())
	next := quote.FloorToStep(g.price.Mul(decimal.NewFromInt(1).Add(shock)), g.cfg.TickSize)
	if next.IsPositive() {
		g.price = next
	}
}

func (g *Generator) book(now time.Time) schema.BookUpdate {
	half := quote.CeilToStep(g.price.Mul(g.cfg.HalfSpread), g.cfg.TickSize)
	if !half.IsPositive() {
		half = g.cfg.TickSize
	}
	depth := g.cfg.BaseSize.Mul(decimal.NewFromInt(10))
	return schema.BookUpdate{
		Symbol: g.cfg.Symbol,
		Bids:   []schema.Level{{Price: g.price.Sub(half), Qty: depth}},
		Asks:   []schema.Level{{Price: g.price.Add(half), Qty: depth}},
		Ts:     now,
	}
}

// trade prints up to two shocks away from mid so resting quotes fill when the walk
// reaches them.
func (g *Generator) trade(now time.Time) schema.Trade {
	side := schema.SideBuy
	if g.rng.IntN(2) == 0 {
		side = schema.SideSell
	}
	reach := decimal.NewFromFloat(2 * g.cfg.Volatility * g.rng.Float64()).Mul(g.price)
	price := g.price.Add(reach.Mul(decimal.NewFromInt(side.Sign())))
	price = quote.FloorToStep(price, g.cfg.TickSize)
	if !price.IsPositive() {
		price = g.price
	}
	return schema.Trade{
		Symbol: g.cfg.Symbol,
		Side:   side,
		Price:  price,
		Qty:    g.cfg.BaseSize,
		Ts:     now,
	}
}

// kline folds the mid into one-minute candles.
func (g *Generator) kline(now time.Time) schema.Kline {
	start := now.Truncate(time.Minute)
	if !g.candle.Start.Equal(start) {
		g.candle = schema.Kline{
			Symbol: g.cfg.Symbol,
			Start:  start,
			Open:   g.price,
			High:   g.price,
			Low:    g.price,
		}
	}
	g.candle.High = decimal.Max(g.candle.High, g.price)
	g.candle.Low = decimal.Min(g.candle.Low, g.price)
	g.candle.Close = g.price
	g.candle.Volume = g.candle.Volume.Add(g.cfg.BaseSize)
	return g.candle
}
