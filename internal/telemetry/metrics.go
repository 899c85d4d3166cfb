// Package telemetry provides metrics collection and reporting
// for monitoring the context vault.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricsCollector provides a thread-safe interface for collecting
// application metrics for monitoring and troubleshooting.
type MetricsCollector struct {
	counters   map[string]int64
	gauges     map[string]float64
	timers     map[string][]time.Duration
	latestTime map[string]time.Time
	mu         sync.RWMutex
}

// Metric names recorded by the vault gateway and its store backends.
const (
	// Operation counts
	MetricSaveRequests  = "vault.save.requests"
	MetricQueryRequests = "vault.query.requests"

	// Outcome counts
	MetricSaveSuccess      = "vault.save.success"
	MetricQuerySuccess     = "vault.query.success"
	MetricValidationErrors = "vault.errors.validation"
	MetricStoreErrors      = "vault.errors.store"

	// Store call latency
	MetricStoreLatencyInsert = "vault.store.latency.insert"
	MetricStoreLatencyQuery  = "vault.store.latency.query"

	// Rows returned by the last query
	MetricLastQueryRows = "vault.query.last_rows"

	// Last successful store round-trip
	MetricLastStoreSuccess = "vault.store.last_success"
)

// NewMetricsCollector creates a new MetricsCollector instance
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		timers:     make(map[string][]time.Duration),
		latestTime: make(map[string]time.Time),
	}
}

// IncrementCounter increments a named counter by the specified amount
func (m *MetricsCollector) IncrementCounter(name string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[name] += amount
}

// SetGauge sets a named gauge to the specified value
func (m *MetricsCollector) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gauges[name] = value
}

// RecordTimer records a duration for the specified timer
func (m *MetricsCollector) RecordTimer(name string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.timers[name]; !exists {
		m.timers[name] = make([]time.Duration, 0)
	}

	m.timers[name] = append(m.timers[name], duration)

	// Limit the number of stored durations to avoid unbounded growth
	if len(m.timers[name]) > 100 {
		m.timers[name] = m.timers[name][1:]
	}
}

// RecordTimestamp records the current time for the specified event
func (m *MetricsCollector) RecordTimestamp(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latestTime[name] = time.Now()
}

// GetCounter retrieves the current value of a counter
func (m *MetricsCollector) GetCounter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.counters[name]
}

// GetGauge retrieves the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.gauges[name]
}

// GetTimerAverage calculates the average duration for a timer
func (m *MetricsCollector) GetTimerAverage(name string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return timerAverage(m.timers[name])
}

// GetTimerP95 calculates the 95th percentile duration for a timer
func (m *MetricsCollector) GetTimerP95(name string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return timerP95(m.timers[name])
}

func timerAverage(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	return total / time.Duration(len(durations))
}

func timerP95(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

// GetTimeSince calculates the time elapsed since a recorded timestamp
func (m *MetricsCollector) GetTimeSince(name string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	timestamp, exists := m.latestTime[name]
	if !exists {
		return 0
	}

	return time.Since(timestamp)
}

// GetReport generates a report of all collected metrics, names sorted.
func (m *MetricsCollector) GetReport() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Metrics Report:\n")
	b.WriteString("==============\n\n")

	b.WriteString("Counters:\n")
	for _, name := range sortedKeys(m.counters) {
		fmt.Fprintf(&b, "  %s: %d\n", name, m.counters[name])
	}

	b.WriteString("\nGauges:\n")
	for _, name := range sortedKeys(m.gauges) {
		fmt.Fprintf(&b, "  %s: %.2f\n", name, m.gauges[name])
	}

	b.WriteString("\nTimers (avg):\n")
	for _, name := range sortedKeys(m.timers) {
		durations := m.timers[name]
		fmt.Fprintf(&b, "  %s: avg=%v p95=%v count=%d\n",
			name, timerAverage(durations), timerP95(durations), len(durations))
	}

	b.WriteString("\nTime Since:\n")
	for _, name := range sortedKeys(m.latestTime) {
		timestamp := m.latestTime[name]
		fmt.Fprintf(&b, "  %s: %v ago (%s)\n",
			name, time.Since(timestamp), timestamp.Format(time.RFC3339))
	}

	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset clears all collected metrics
func (m *MetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters = make(map[string]int64)
	m.gauges = make(map[string]float64)
	m.timers = make(map[string][]time.Duration)
	m.latestTime = make(map[string]time.Time)
}
