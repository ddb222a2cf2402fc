package metrics

import (
	"sync"
)

// Counter names a tracked event.
type Counter string

const (
	RunsAccepted        Counter = "runs_accepted"
	EnqueueFailures     Counter = "enqueue_failures"
	RunsClaimed         Counter = "runs_claimed"
	RedeliveriesSkipped Counter = "redeliveries_skipped"
	RunsSucceeded       Counter = "runs_succeeded"
	RunsFailed          Counter = "runs_failed"
	ChartsRendered      Counter = "charts_rendered"
	ChartFailures       Counter = "chart_failures"
	DeliveryAttempts    Counter = "delivery_attempts"
	DeliveriesSucceeded Counter = "deliveries_succeeded"
	DeliveriesFailed    Counter = "deliveries_failed"
	LeasesRequeued      Counter = "leases_requeued"
	StaleRunsRequeued   Counter = "stale_runs_requeued"
)

var all = []Counter{
	RunsAccepted, EnqueueFailures, RunsClaimed, RedeliveriesSkipped, RunsSucceeded, RunsFailed,
	ChartsRendered, ChartFailures, DeliveryAttempts, DeliveriesSucceeded, DeliveriesFailed,
	LeasesRequeued, StaleRunsRequeued,
}

// Metrics tracks process-local counters. A nil *Metrics discards updates.
type Metrics struct {
	mu       sync.RWMutex
	counters map[Counter]int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{counters: make(map[Counter]int64, len(all))}
}

// Increment adds one to the counter.
func (m *Metrics) Increment(c Counter) {
	m.Add(c, 1)
}

// Add adds n to the counter.
func (m *Metrics) Add(c Counter, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[c] += n
}

// Get returns the current value of one counter.
func (m *Metrics) Get(c Counter) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[c]
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	snapshot := make(map[string]int64, len(all))
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range all {
		snapshot[string(c)] = m.counters[c]
	}
	return snapshot
}
