package signal

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	one    = decimal.NewFromInt(1)
	negOne = decimal.NewFromInt(-1)
)

// Signal is an external view on one instrument.
type Signal struct {
	// Bias in [-1, 1] leans quotes long (positive) or short (negative).
	Bias decimal.Decimal
	// Pause stops new quotes while set. Resting orders are cancelled.
	Pause bool
}

// Clamped returns the signal with Bias limited to [-1, 1].
func (s Signal) Clamped() Signal {
	if s.Bias.GreaterThan(one) {
		s.Bias = one
	}
	if s.Bias.LessThan(negOne) {
		s.Bias = negOne
	}
	return s
}

// Provider supplies signals to instrument workers. It is called once per cycle on the
// worker goroutine and must not block for long.
type Provider interface {
	Signal(ctx context.Context, symbol string) (Signal, error)
}

// Nop never biases nor pauses.
type Nop struct{}

func (Nop) Signal(context.Context, string) (Signal, error) {
	return Signal{}, nil
}

// Static serves signals set by an operator, per symbol.
type Static struct {
	mu      sync.RWMutex
	signals map[string]Signal
}

func NewStatic() *Static {
	return &Static{signals: make(map[string]Signal)}
}

// Set replaces the signal of symbol.
func (s *Static) Set(symbol string, sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[symbol] = sig.Clamped()
}

// Clear removes the signal of symbol.
func (s *Static) Clear(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, symbol)
}

func (s *Static) Signal(_ context.Context, symbol string) (Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signals[symbol], nil
}
