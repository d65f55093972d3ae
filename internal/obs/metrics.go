package obs

import (
	"sync/atomic"
	"time"
)

// Counter names one metrics counter.
type Counter uint8

const (
	CounterQuotes Counter = iota
	CounterPlacements
	CounterPlaceErrors
	CounterCancels
	CounterCancelErrors
	CounterCancelDeferred
	CounterRejects
	CounterFills
	CounterDroppedMessages
	CounterReconnects
	CounterGuardTrips
	CounterQueueDrops
	CounterPersistErrors
	counterLen
)

var counterNames = [counterLen]string{
	CounterQuotes:          "quotes",
	CounterPlacements:      "placements",
	CounterPlaceErrors:     "place_errors",
	CounterCancels:         "cancels",
	CounterCancelErrors:    "cancel_errors",
	CounterCancelDeferred:  "cancel_deferred",
	CounterRejects:         "rejects",
	CounterFills:           "fills",
	CounterDroppedMessages: "dropped_messages",
	CounterReconnects:      "reconnects",
	CounterGuardTrips:      "guard_trips",
	CounterQueueDrops:      "queue_drops",
	CounterPersistErrors:   "persist_errors",
}

func (c Counter) String() string {
	if c < counterLen {
		return counterNames[c]
	}
	return "unknown"
}

// Metrics collects lightweight counters and latency stats. A nil *Metrics is a no-op.
type Metrics struct {
	counters [counterLen]uint64

	restLatency  LatencyStats
	cycleLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Counters     map[string]uint64
	RESTLatency  LatencySnapshot
	CycleLatency LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Inc increments a counter.
func (m *Metrics) Inc(c Counter) {
	m.Add(c, 1)
}

// Add adds n to a counter.
func (m *Metrics) Add(c Counter, n uint64) {
	if m == nil || c >= counterLen {
		return
	}
	atomic.AddUint64(&m.counters[c], n)
}

// Get returns a counter value.
func (m *Metrics) Get(c Counter) uint64 {
	if m == nil || c >= counterLen {
		return 0
	}
	return atomic.LoadUint64(&m.counters[c])
}

// ObserveREST measures one REST round-trip.
func (m *Metrics) ObserveREST(d time.Duration) {
	if m == nil {
		return
	}
	m.restLatency.Observe(d)
}

// ObserveCycle measures one worker cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	counters := make(map[string]uint64)
	for i := range m.counters {
		if v := atomic.LoadUint64(&m.counters[i]); v > 0 {
			counters[Counter(i).String()] = v
		}
	}
	return Snapshot{
		Counters:     counters,
		RESTLatency:  m.restLatency.Snapshot(),
		CycleLatency: m.cycleLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
