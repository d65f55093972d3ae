package obs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.Inc(CounterFills)
	m.Add(CounterFills, 2)
	m.Inc(CounterReconnects)
	m.ObserveREST(10 * time.Millisecond)
	m.ObserveREST(30 * time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, map[string]uint64{"fills": 3, "reconnects": 1}, snap.Counters)
	assert.Equal(t, uint64(2), snap.RESTLatency.Count)
	assert.Equal(t, 10*time.Millisecond, snap.RESTLatency.Min)
	assert.Equal(t, 30*time.Millisecond, snap.RESTLatency.Max)
	assert.Equal(t, 20*time.Millisecond, snap.RESTLatency.Avg)
	assert.Equal(t, uint64(3), m.Get(CounterFills))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(CounterQuotes)
	m.ObserveCycle(time.Second)
	assert.Equal(t, uint64(0), m.Get(CounterQuotes))
	assert.Empty(t, m.Snapshot().Counters)
}
