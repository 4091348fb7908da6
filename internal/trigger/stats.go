package trigger

import (
	"sync"
	"time"
)

// Stats counts orchestration outcomes and keeps a running average latency
// per stage.
type Stats struct {
	mu sync.Mutex

	handled   int64
	skipped   int64
	rejected  int64
	stored    int64
	failed    int64
	queued    int64
	retried   int64
	abandoned int64
	timedOut  int64

	stageTotal map[Stage]time.Duration
	stageCount map[Stage]int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Handled      int64                   `json:"handled"`
	Skipped      int64                   `json:"skipped"`
	Rejected     int64                   `json:"rejected"`
	Stored       int64                   `json:"stored"`
	Failed       int64                   `json:"failed"`
	Queued       int64                   `json:"queued"`
	Retried      int64                   `json:"retried"`
	Abandoned    int64                   `json:"abandoned"`
	TimedOut     int64                   `json:"timed_out"`
	StageLatency map[Stage]time.Duration `json:"stage_latency"`
}

func NewStats() *Stats {
	return &Stats{
		stageTotal: make(map[Stage]time.Duration),
		stageCount: make(map[Stage]int64),
	}
}

func (s *Stats) observeStage(stage Stage, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageTotal[stage] += d
	s.stageCount[stage]++
}

// finish folds a completed Handle call into the counters.
func (s *Stats) finish(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handled++
	switch {
	case r.Rejected:
		s.rejected++
	case r.Skipped:
		s.skipped++
	}
	s.stored += int64(len(r.RecordIDs))
	s.queued += int64(len(r.Pending))
	if r.Err != nil && !r.Rejected {
		s.failed++
	}
	if r.TimedOut {
		s.timedOut++
	}
	s.stageTotal[StageCompleted] += r.Duration
	s.stageCount[StageCompleted]++
}

func (s *Stats) retryStored() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried++
	s.stored++
}

func (s *Stats) retryAbandoned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned++
	s.failed++
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	latency := make(map[Stage]time.Duration, len(s.stageTotal))
	for stage, total := range s.stageTotal {
		if n := s.stageCount[stage]; n > 0 {
			latency[stage] = total / time.Duration(n)
		}
	}
	return StatsSnapshot{
		Handled:      s.handled,
		Skipped:      s.skipped,
		Rejected:     s.rejected,
		Stored:       s.stored,
		Failed:       s.failed,
		Queued:       s.queued,
		Retried:      s.retried,
		Abandoned:    s.abandoned,
		TimedOut:     s.timedOut,
		StageLatency: latency,
	}
}
