package resilience

import "time"

// Status is the operator view of a guarded dependency.
type Status struct {
	Dependency string          `json:"dependency"`
	State      State           `json:"state"`
	OpenedAt   *time.Time      `json:"opened_at,omitempty"`
	Degraded   bool            `json:"degraded"`
	Metrics    MetricsSnapshot `json:"metrics"`
	Recovery   []Attempt       `json:"recovery,omitempty"`
}

// StatusOf collects the current status of g. r may be nil when no recovery
// manager is running.
func StatusOf(g *Guard, r *Recovery) Status {
	s := Status{
		Dependency: g.Name(),
		State:      g.State(),
		Degraded:   g.Degraded(),
		Metrics:    g.Metrics(),
	}
	if s.State != StateClosed {
		if t := g.breaker.OpenedAt(); !t.IsZero() {
			s.OpenedAt = &t
		}
	}
	if r != nil {
		s.Recovery = r.Attempts()
	}
	return s
}
