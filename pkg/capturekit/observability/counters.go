package observability

import (
	"sync"
)

// CounterPrefix is prepended to every CaptureMetrics key.
const CounterPrefix = "phjs-"

// CaptureMetrics counts pipeline activity in process memory.
// The counters are reported as the $capture_metrics event on unload.
// A disabled CaptureMetrics ignores every call.
type CaptureMetrics struct {
	enabled bool

	mu     sync.Mutex
	counts map[string]int64
}

// NewCaptureMetrics creates counters. When enabled is false they stay empty.
func NewCaptureMetrics(enabled bool) *CaptureMetrics {
	return &CaptureMetrics{
		enabled: enabled,
		counts:  make(map[string]int64),
	}
}

// Enabled reports whether counting is on.
func (m *CaptureMetrics) Enabled() bool {
	return m != nil && m.enabled
}

// Incr adds by to the counter for key. With no by, adds 1.
func (m *CaptureMetrics) Incr(key string, by ...int64) {
	if !m.Enabled() {
		return
	}
	n := int64(1)
	if len(by) > 0 {
		n = by[0]
	}

	m.mu.Lock()
	m.counts[CounterPrefix+key] += n
	m.mu.Unlock()
}

// Decr subtracts 1 from the counter for key.
func (m *CaptureMetrics) Decr(key string) {
	m.Incr(key, -1)
}

// Get returns the current value for key.
func (m *CaptureMetrics) Get(key string) int64 {
	if !m.Enabled() {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[CounterPrefix+key]
}

// Snapshot returns a copy of all counters keyed with CounterPrefix.
func (m *CaptureMetrics) Snapshot() map[string]any {
	out := make(map[string]any)
	if !m.Enabled() {
		return out
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}
