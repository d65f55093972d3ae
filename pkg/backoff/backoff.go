package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff defines exponential retry behavior.
type Backoff struct {
	// Min is the first delay.
	Min time.Duration `yaml:"min"`
	// Max caps the delay.
	Max time.Duration `yaml:"max"`
	// Factor multiplies the delay for each attempt.
	Factor float64 `yaml:"factor"`
	// Jitter adds randomization as a fraction of the delay (0-1).
	Jitter float64 `yaml:"jitter"`
	// MaxAttempts bounds consecutive attempts; 0 means unbounded.
	MaxAttempts int `yaml:"max_attempts"`
}

// Default provides conservative reconnect defaults.
func Default() Backoff {
	return Backoff{
		Min:         500 * time.Millisecond,
		Max:         30 * time.Second,
		Factor:      2.0,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Next returns the delay before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	if min > max {
		min = max
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Exhausted reports whether attempt has used up the attempt budget.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}

// Sleep waits for the attempt delay or until ctx is done.
// It returns ctx.Err() when interrupted.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	wait := b.Next(attempt)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
