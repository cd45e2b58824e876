package health

import (
	"sync"
	"time"
)

// Health of a monitored service.
type Status string

const (
	StatusStarting  Status = "starting"  // No success yet and not enough counted failures.
	StatusHealthy   Status = "healthy"   // The last check succeeded.
	StatusUnhealthy Status = "unhealthy" // Retries consecutive counted failures.
)

// A status change.
type Transition struct {
	From     Status
	To       Status
	At       time.Time
	Failures int   // Counted consecutive failures at the time of the change.
	Err      error // Result of the check that caused the change.
}

// Derives a service status from check results.
//
// A Monitor is safe for concurrent use.
type Monitor struct {
	probe   Probe
	started time.Time

	mu       sync.Mutex
	status   Status
	failures int
}

// Creates a [Monitor] for a service started at the given time.
func NewMonitor(p Probe, started time.Time) *Monitor {
	return &Monitor{
		probe:   p.withDefaults(),
		started: started,
		status:  StatusStarting,
	}
}

// Records the result of a check performed at the given time.
//
// A nil err is a success: the failure streak is reset and the service is
// healthy. A failure within the start period is ignored. Any other failure
// extends the streak, and once the streak reaches the probe's retries the
// service is unhealthy. Returns the transition and true when the status
// changed.
func (m *Monitor) Record(at time.Time, err error) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.status

	switch {
	case err == nil:
		m.failures = 0
		next = StatusHealthy
	case at.Sub(m.started) < m.probe.StartPeriod:
		return Transition{}, false
	default:
		m.failures++
		if m.failures >= m.probe.Retries {
			next = StatusUnhealthy
		}
	}

	if next == m.status {
		return Transition{}, false
	}

	t := Transition{From: m.status, To: next, At: at, Failures: m.failures, Err: err}
	m.status = next
	return t, true
}

// Returns the current status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Returns the number of counted consecutive failures.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}
