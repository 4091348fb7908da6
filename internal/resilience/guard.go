package resilience

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/observe"
)

// Guard wraps a memory.Store so that every call passes through a Breaker
// and is counted in Metrics. It implements memory.Store itself.
type Guard struct {
	name    string
	backend memory.Store
	breaker *Breaker
	metrics *Metrics
	observe *observe.Observer
}

var _ memory.Store = (*Guard)(nil)

// NewGuard protects backend. name identifies the dependency in logs and status.
func NewGuard(name string, backend memory.Store, cfg BreakerConfig, o *observe.Observer, opts ...BreakerOption) *Guard {
	if o == nil {
		o = observe.Discard()
	}
	g := &Guard{
		name:    name,
		backend: backend,
		metrics: NewMetrics(),
		observe: o,
	}
	opts = append(opts, OnTransition(g.onTransition))
	g.breaker = NewBreaker(cfg, opts...)
	return g
}

func (g *Guard) onTransition(from, to State) {
	if to == StateOpen {
		g.metrics.RecordTrip()
		g.observe.Log().Warn().Str("dependency", g.name).Str("from", from.String()).Msg("circuit opened")
		return
	}
	g.observe.Log().Info().Str("dependency", g.name).Str("from", from.String()).Str("to", to.String()).Msg("circuit state changed")
}

// Store writes a record through the breaker.
func (g *Guard) Store(ctx context.Context, rec memory.Record) (string, error) {
	var id string
	err := g.do(ctx, "store", func(ctx context.Context) error {
		var err error
		id, err = g.backend.Store(ctx, rec)
		return err
	})
	return id, err
}

// Retrieve reads a record through the breaker.
func (g *Guard) Retrieve(ctx context.Context, id string) (memory.Record, error) {
	var rec memory.Record
	err := g.do(ctx, "retrieve", func(ctx context.Context) error {
		var err error
		rec, err = g.backend.Retrieve(ctx, id)
		return err
	})
	return rec, err
}

// Search queries the store through the breaker.
func (g *Guard) Search(ctx context.Context, q memory.Query) ([]memory.Match, error) {
	var matches []memory.Match
	err := g.do(ctx, "search", func(ctx context.Context) error {
		var err error
		matches, err = g.backend.Search(ctx, q)
		return err
	})
	return matches, err
}

func (g *Guard) do(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := g.observe.StartSpan(ctx, "memory."+op,
		attribute.String("dependency", g.name),
		attribute.String("circuit", g.breaker.State().String()),
	)
	defer span.End()

	start := time.Now()
	err := g.breaker.Execute(ctx, fn)
	elapsed := time.Since(start)

	switch {
	case err == nil, errors.Is(err, memory.ErrNotFound):
		g.metrics.RecordSuccess(elapsed)
		return err
	case errors.Is(err, memory.ErrCircuitOpen):
		g.metrics.RecordRejected()
		observe.Fail(span, err)
		return err
	case errors.Is(err, memory.ErrTimeout):
		g.metrics.RecordTimeout(elapsed, err)
		observe.Fail(span, err)
		g.observe.Log().Warn().Err(err).Str("dependency", g.name).Str("op", op).Msg("memory store call timed out")
		return err
	case memory.IsValidation(err):
		return err
	case ctx.Err() != nil:
		return err
	default:
		g.metrics.RecordFailure(elapsed, err)
		observe.Fail(span, err)
		g.observe.Log().Warn().Err(err).Str("dependency", g.name).Str("op", op).Msg("memory store call failed")
		if errors.Is(err, memory.ErrStoreUnavailable) {
			return err
		}
		return memory.Unavailable(err)
	}
}

// Name returns the dependency name.
func (g *Guard) Name() string { return g.name }

// State returns the breaker state.
func (g *Guard) State() State { return g.breaker.State() }

// Metrics returns a snapshot of the dependency counters.
func (g *Guard) Metrics() MetricsSnapshot { return g.metrics.Snapshot() }

// Degraded reports an open or half-open breaker, or a high recent error rate.
func (g *Guard) Degraded() bool {
	return g.breaker.State() != StateClosed || g.metrics.Degraded()
}

// Reset forces the breaker closed.
func (g *Guard) Reset() {
	g.breaker.Reset()
	g.observe.Log().Warn().Str("dependency", g.name).Msg("circuit manually reset")
}

// Probe sends a synthetic successful call through the breaker. While the
// breaker is half-open this counts toward closing it; while open and still
// inside the recovery timeout it fails fast like any other call.
func (g *Guard) Probe(ctx context.Context) error {
	return g.breaker.Execute(ctx, func(context.Context) error { return nil })
}

// Backend returns the unprotected store, for health checks that must reach
// the dependency while the breaker is open.
func (g *Guard) Backend() memory.Store { return g.backend }
