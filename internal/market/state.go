package market

import (
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/schema"
)

const (
	defaultMaxKlines = 200
	defaultMaxTrades = 100
)

// State is the market view of one instrument. It has a single owner, the instrument
// worker, and is not safe for concurrent use.
type State struct {
	Symbol string

	book        Book
	lastBookAt  time.Time
	lastTradeAt time.Time
	trades      []schema.Trade
	klines      []schema.Kline
	balance     schema.Balance
	position    schema.PositionUpdate
	hasPosition bool
	ema         EMA
	maxKlines   int
	maxTrades   int
}

// NewState creates a state with the EMA smoothing factor alpha.
func NewState(symbol string, alpha decimal.Decimal) *State {
	return &State{
		Symbol:    symbol,
		ema:       EMA{Alpha: alpha},
		maxKlines: defaultMaxKlines,
		maxTrades: defaultMaxTrades,
	}
}

// ApplyBook replaces the book wholesale. Updates for other symbols are ignored.
func (s *State) ApplyBook(u schema.BookUpdate, recvAt time.Time) bool {
	if u.Symbol != s.Symbol {
		return false
	}
	s.book = NewBook(u)
	s.lastBookAt = recvAt
	return true
}

func (s *State) ApplyTrade(tr schema.Trade) {
	if tr.Symbol != s.Symbol {
		return
	}
	s.trades = append(s.trades, tr)
	if over := len(s.trades) - s.maxTrades; over > 0 {
		s.trades = append(s.trades[:0], s.trades[over:]...)
	}
	s.lastTradeAt = tr.Ts
}

// ApplyKline updates the open candle in place or appends a new one.
func (s *State) ApplyKline(k schema.Kline) {
	if k.Symbol != s.Symbol {
		return
	}
	n := len(s.klines)
	switch {
	case n > 0 && s.klines[n-1].Start.Equal(k.Start):
		s.klines[n-1] = k
	case n > 0 && k.Start.Before(s.klines[n-1].Start):
		return
	default:
		s.klines = append(s.klines, k)
	}
	if over := len(s.klines) - s.maxKlines; over > 0 {
		s.klines = append(s.klines[:0], s.klines[over:]...)
	}
}

// SeedKlines replaces the candle history, oldest first.
func (s *State) SeedKlines(klines []schema.Kline) {
	s.klines = s.klines[:0]
	for _, k := range klines {
		k.Symbol = s.Symbol
		s.ApplyKline(k)
	}
}

func (s *State) ApplyBalance(b schema.Balance) {
	s.balance = b
}

func (s *State) ApplyPosition(p schema.PositionUpdate) {
	if p.Symbol != s.Symbol {
		return
	}
	s.position = p
	s.hasPosition = true
}

func (s *State) Book() Book {
	return s.book
}

func (s *State) Balance() schema.Balance {
	return s.balance
}

// VenuePosition returns the last position reported by the venue.
func (s *State) VenuePosition() (schema.PositionUpdate, bool) {
	return s.position, s.hasPosition
}

func (s *State) Klines() []schema.Kline {
	return s.klines
}

func (s *State) LastBookAt() time.Time {
	return s.lastBookAt
}

func (s *State) Mid() (decimal.Decimal, bool) {
	return s.book.Mid()
}

// Smooth folds the current mid into the EMA. Call once per cycle.
func (s *State) Smooth() (decimal.Decimal, bool) {
	mid, ok := s.book.Mid()
	if !ok {
		return s.ema.Value()
	}
	return s.ema.Update(mid), true
}

// Volatility is ATR(period) divided by mid.
func (s *State) Volatility(period int) decimal.Decimal {
	mid, ok := s.book.Mid()
	if !ok || !mid.IsPositive() {
		return decimal.Zero
	}
	atr, ok := ATR(s.klines, period)
	if !ok {
		return decimal.Zero
	}
	return atr.DivRound(mid, indicatorPlaces)
}

// Stale reports whether the last book is older than maxAge.
func (s *State) Stale(now time.Time, maxAge time.Duration) bool {
	if s.lastBookAt.IsZero() {
		return true
	}
	return maxAge > 0 && now.Sub(s.lastBookAt) > maxAge
}
