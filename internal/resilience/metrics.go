package resilience

import (
	"sync"
	"time"
)

const (
	latencyWindow = 100
	outcomeWindow = 50

	// degradedMinSamples is the number of outcomes needed before the error
	// rate can flag the dependency as degraded.
	degradedMinSamples = 10
	degradedErrorRate  = 0.5
)

// Metrics accumulates reliability counters for a single dependency.
type Metrics struct {
	mu sync.Mutex

	successes         int64
	failures          int64
	timeouts          int64
	rejected          int64
	trips             int64
	recoveryAttempts  int64
	recoverySuccesses int64

	latencies []time.Duration
	latIdx    int
	outcomes  []bool
	outIdx    int

	lastError     string
	lastFailureAt time.Time
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Successes         int64         `json:"successes"`
	Failures          int64         `json:"failures"`
	Timeouts          int64         `json:"timeouts"`
	Rejected          int64         `json:"rejected"`
	CircuitTrips      int64         `json:"circuit_trips"`
	RecoveryAttempts  int64         `json:"recovery_attempts"`
	RecoverySuccesses int64         `json:"recovery_successes"`
	AvgLatency        time.Duration `json:"avg_latency"`
	ErrorRate         float64       `json:"error_rate"`
	LastError         string        `json:"last_error,omitempty"`
	LastFailureAt     time.Time     `json:"last_failure_at,omitempty"`
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) observe(latency time.Duration, ok bool) {
	if len(m.latencies) < latencyWindow {
		m.latencies = append(m.latencies, latency)
	} else {
		m.latencies[m.latIdx] = latency
		m.latIdx = (m.latIdx + 1) % latencyWindow
	}
	if len(m.outcomes) < outcomeWindow {
		m.outcomes = append(m.outcomes, ok)
	} else {
		m.outcomes[m.outIdx] = ok
		m.outIdx = (m.outIdx + 1) % outcomeWindow
	}
}

// RecordSuccess counts a call that reached the store and succeeded.
func (m *Metrics) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes++
	m.observe(latency, true)
}

// RecordFailure counts a call that reached the store and failed.
func (m *Metrics) RecordFailure(latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	m.observe(latency, false)
	m.lastFailureAt = time.Now().UTC()
	if err != nil {
		m.lastError = err.Error()
	}
}

// RecordTimeout counts a call that exceeded the per-call timeout.
// Timeouts are also failures.
func (m *Metrics) RecordTimeout(latency time.Duration, err error) {
	m.mu.Lock()
	m.timeouts++
	m.mu.Unlock()
	m.RecordFailure(latency, err)
}

// RecordRejected counts a call refused by an open breaker.
func (m *Metrics) RecordRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

// RecordTrip counts a transition into OPEN.
func (m *Metrics) RecordTrip() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips++
}

// RecordRecovery counts a recovery attempt.
func (m *Metrics) RecordRecovery(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryAttempts++
	if ok {
		m.recoverySuccesses++
	}
}

// Degraded reports whether the recent error rate is high enough to warrant
// recovery checks while the breaker is still closed.
func (m *Metrics) Degraded() bool {
	s := m.Snapshot()
	m.mu.Lock()
	n := len(m.outcomes)
	m.mu.Unlock()
	return n >= degradedMinSamples && s.ErrorRate >= degradedErrorRate
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MetricsSnapshot{
		Successes:         m.successes,
		Failures:          m.failures,
		Timeouts:          m.timeouts,
		Rejected:          m.rejected,
		CircuitTrips:      m.trips,
		RecoveryAttempts:  m.recoveryAttempts,
		RecoverySuccesses: m.recoverySuccesses,
		LastError:         m.lastError,
		LastFailureAt:     m.lastFailureAt,
	}
	if len(m.latencies) > 0 {
		var total time.Duration
		for _, l := range m.latencies {
			total += l
		}
		s.AvgLatency = total / time.Duration(len(m.latencies))
	}
	if len(m.outcomes) > 0 {
		failed := 0
		for _, ok := range m.outcomes {
			if !ok {
				failed++
			}
		}
		s.ErrorRate = float64(failed) / float64(len(m.outcomes))
	}
	return s
}
