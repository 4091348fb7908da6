package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/observe"
)

// Stage names one health check in the recovery sequence.
type Stage string

const (
	StageReachability  Stage = "reachability"
	StageConfiguration Stage = "configuration"
	StageRoundTrip     Stage = "round_trip"
	StageIntegrity     Stage = "integrity"
	StageProbe         Stage = "probe"
)

// ErrRateLimited is returned by RunOnce when attempts come too fast.
var ErrRateLimited = errors.New("recovery attempt rate limited")

// RecoveryConfig controls the recovery loop.
type RecoveryConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
	History      int           `mapstructure:"history"`
}

// DefaultRecoveryConfig checks every 30 seconds and keeps 20 attempts.
var DefaultRecoveryConfig = RecoveryConfig{
	Interval:     30 * time.Second,
	CheckTimeout: 5 * time.Second,
	History:      20,
}

// Attempt is the outcome of one recovery run.
type Attempt struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	FailedStage Stage         `json:"failed_stage,omitempty"`
	Error       string        `json:"error,omitempty"`
	Recovered   bool          `json:"recovered"`
}

// Recovery runs ordered health checks against a guarded dependency and,
// when they all pass, probes the breaker so it can close.
type Recovery struct {
	guard   *Guard
	cfg     RecoveryConfig
	limiter *rate.Limiter
	observe *observe.Observer

	mu       sync.Mutex
	attempts []Attempt
	next     int

	// ticks is replaced in tests.
	ticks func(time.Duration) (<-chan time.Time, func())
}

// NewRecovery creates a recovery manager for g.
func NewRecovery(g *Guard, cfg RecoveryConfig, o *observe.Observer) *Recovery {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRecoveryConfig.Interval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultRecoveryConfig.CheckTimeout
	}
	if cfg.History <= 0 {
		cfg.History = DefaultRecoveryConfig.History
	}
	if o == nil {
		o = observe.Discard()
	}
	return &Recovery{
		guard:   g,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		observe: o,
		ticks:   newTicks,
	}
}

func newTicks(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Run checks the dependency every interval while it is degraded. It blocks
// until ctx is done. The loop is paced by its ticker alone; the rate limit
// applies to RunOnce callers.
func (r *Recovery) Run(ctx context.Context) error {
	ticks, stop := r.ticks(r.cfg.Interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			if !r.guard.Degraded() {
				continue
			}
			if _, err := r.run(ctx); err != nil {
				r.observe.Log().Warn().Err(err).Str("dependency", r.guard.Name()).Msg("recovery attempt failed")
			}
		}
	}
}

// RunOnce executes the check sequence, stopping at the first failure.
// Calls closer together than the interval get ErrRateLimited.
func (r *Recovery) RunOnce(ctx context.Context) (Attempt, error) {
	if !r.limiter.Allow() {
		return Attempt{}, ErrRateLimited
	}
	return r.run(ctx)
}

func (r *Recovery) run(ctx context.Context) (Attempt, error) {
	attempt := Attempt{StartedAt: time.Now().UTC()}
	err := r.checks(ctx, &attempt)
	if err == nil {
		if perr := r.guard.Probe(ctx); perr != nil {
			attempt.FailedStage = StageProbe
			err = perr
		}
	}
	attempt.Duration = time.Since(attempt.StartedAt)
	if err != nil {
		attempt.Error = err.Error()
	} else {
		attempt.Recovered = true
	}

	r.guard.metrics.RecordRecovery(attempt.Recovered)
	r.remember(attempt)

	if attempt.Recovered {
		r.observe.Log().Info().Str("dependency", r.guard.Name()).Str("state", r.guard.State().String()).Msg("recovery checks passed")
	}
	return attempt, err
}

func (r *Recovery) checks(ctx context.Context, attempt *Attempt) error {
	backend := r.guard.Backend()
	hc, _ := backend.(memory.HealthChecker)

	steps := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageReachability, func(ctx context.Context) error {
			if hc != nil {
				return hc.Ping(ctx)
			}
			_, err := backend.Search(ctx, memory.Query{Text: "ping", Limit: 1})
			return err
		}},
		{StageConfiguration, func(ctx context.Context) error {
			if hc != nil {
				return hc.CheckConfig(ctx)
			}
			return nil
		}},
		{StageRoundTrip, func(ctx context.Context) error {
			return roundTrip(ctx, backend)
		}},
		{StageIntegrity, func(ctx context.Context) error {
			if hc != nil {
				return hc.CheckIntegrity(ctx)
			}
			return nil
		}},
	}

	for _, step := range steps {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CheckTimeout)
		err := step.fn(cctx)
		cancel()
		if err != nil {
			attempt.FailedStage = step.stage
			return fmt.Errorf("%s check failed: %w", step.stage, err)
		}
	}
	return nil
}

var probeKey = memory.IdempotencyKey(memory.CategoryProject, "recovery round-trip probe", "")

func roundTrip(ctx context.Context, backend memory.Store) error {
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	rec := memory.Record{
		ID:             memory.RecordID(probeKey),
		Category:       memory.CategoryProject,
		Content:        "recovery round-trip probe",
		Metadata:       map[string]any{"probed_at": stamp},
		Tags:           []string{memory.ProbeTag},
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: probeKey,
	}
	id, err := backend.Store(ctx, rec)
	if err != nil {
		return err
	}
	got, err := backend.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	if got.Content != rec.Content {
		return fmt.Errorf("probe content mismatch: %q", got.Content)
	}
	return nil
}

func (r *Recovery) remember(a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.attempts) < r.cfg.History {
		r.attempts = append(r.attempts, a)
		return
	}
	r.attempts[r.next] = a
	r.next = (r.next + 1) % r.cfg.History
}

// Attempts returns the retained history, oldest first.
func (r *Recovery) Attempts() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Attempt, 0, len(r.attempts))
	out = append(out, r.attempts[r.next:]...)
	out = append(out, r.attempts[:r.next]...)
	return out
}
