package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// BreakerState is the circuit breaker phase.
type BreakerState uint16

const (
	// BreakerArmed allows quoting and watches for abnormal moves.
	BreakerArmed BreakerState = iota
	// BreakerTripped forces cancel-all and blocks quoting for Pause.
	BreakerTripped
	// BreakerRecovering blocks new orders for Resume while samples rebuild.
	BreakerRecovering
)

func (s BreakerState) String() string {
	switch s {
	case BreakerArmed:
		return "ARMED"
	case BreakerTripped:
		return "TRIPPED"
	case BreakerRecovering:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig defines the rolling window and cooldowns. MaxMove is a fraction (0.02 = 2%).
type BreakerConfig struct {
	Window  time.Duration   `yaml:"window"`
	MaxMove decimal.Decimal `yaml:"max_move"`
	Pause   time.Duration   `yaml:"pause"`
	Resume  time.Duration   `yaml:"resume"`
}

func (c BreakerConfig) enabled() bool {
	return c.Window > 0 && c.MaxMove.IsPositive()
}

type sample struct {
	ts  time.Time
	mid decimal.Decimal
}

// Breaker trips when mid moves more than MaxMove within Window.
type Breaker struct {
	cfg       BreakerConfig
	samples   []sample
	state     BreakerState
	changedAt time.Time
	trips     int
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg}
}

// Observe records a mid sample and reports whether it tripped the breaker.
func (b *Breaker) Observe(now time.Time, mid decimal.Decimal) bool {
	if !b.cfg.enabled() || !mid.IsPositive() {
		return false
	}
	if b.advance(now) == BreakerTripped {
		return false
	}

	b.samples = append(b.samples, sample{ts: now, mid: mid})
	cutoff := now.Add(-b.cfg.Window)
	drop := 0
	for drop < len(b.samples) && b.samples[drop].ts.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		b.samples = append(b.samples[:0], b.samples[drop:]...)
	}

	if b.move().LessThanOrEqual(b.cfg.MaxMove) {
		return false
	}
	b.state = BreakerTripped
	b.changedAt = now
	b.samples = b.samples[:0]
	b.trips++
	return true
}

// State advances cooldown timers and returns the phase at now.
func (b *Breaker) State(now time.Time) BreakerState {
	return b.advance(now)
}

// Trips returns how many times the breaker has tripped.
func (b *Breaker) Trips() int {
	return b.trips
}

func (b *Breaker) advance(now time.Time) BreakerState {
	switch b.state {
	case BreakerTripped:
		if now.Sub(b.changedAt) >= b.cfg.Pause {
			b.state = BreakerRecovering
			b.changedAt = b.changedAt.Add(b.cfg.Pause)
			b.samples = b.samples[:0]
		}
	}
	if b.state == BreakerRecovering && now.Sub(b.changedAt) >= b.cfg.Resume {
		b.state = BreakerArmed
		b.changedAt = b.changedAt.Add(b.cfg.Resume)
	}
	return b.state
}

// move is (max - min) / min over the window.
func (b *Breaker) move() decimal.Decimal {
	if len(b.samples) < 2 {
		return decimal.Zero
	}
	lo, hi := b.samples[0].mid, b.samples[0].mid
	for _, s := range b.samples[1:] {
		lo = decimal.Min(lo, s.mid)
		hi = decimal.Max(hi, s.mid)
	}
	return hi.Sub(lo).DivRound(lo, 12)
}
