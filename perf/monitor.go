// Package perf tracks timing of named operations so the consuming UI can
// surface slow paths (connection setup, chunk assembly, store writes).
package perf

import (
	"sync"
	"time"
)

// Metric aggregates observations for one named operation.
type Metric struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

// Average returns the mean duration of the recorded observations.
func (m Metric) Average() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.Total / time.Duration(m.Count)
}

// Monitor records operation timings behind a RWMutex.
type Monitor struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	now     func() time.Time
}

// NewMonitor creates an empty performance monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		metrics: make(map[string]Metric),
		now:     time.Now,
	}
}

// StartMeasure begins timing the named operation and returns a stop
// function that records the elapsed duration. The stop function is safe
// to call exactly once.
func (m *Monitor) StartMeasure(name string) func() {
	start := m.now()
	return func() {
		elapsed := m.now().Sub(start)

		m.mu.Lock()
		metric := m.metrics[name]
		metric.Count++
		metric.Total += elapsed
		if elapsed > metric.Max {
			metric.Max = elapsed
		}
		m.metrics[name] = metric
		m.mu.Unlock()
	}
}

// Snapshot returns a copy of all recorded metrics.
func (m *Monitor) Snapshot() map[string]Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Metric, len(m.metrics))
	for name, metric := range m.metrics {
		out[name] = metric
	}
	return out
}
