// Package hook is where the host runtime meets the memory core. The host
// reports lifecycle events through Emit and asks for prior experience
// through RequestContext; neither call can fail or stall the host.
package hook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/observe"
	"github.com/felixgeelhaar/memtrigger/internal/recall"
)

// ErrContextTimeout is the degradation reason when recall does not answer in time.
var ErrContextTimeout = errors.New("context request timed out")

// Submitter accepts events for asynchronous handling. trigger.Dispatcher
// implements it.
type Submitter interface {
	Submit(event memory.Event) error
}

// Enhancer answers context requests. recall.Engine implements it.
type Enhancer interface {
	Enhance(ctx context.Context, op recall.OperationContext) recall.EnrichedContext
}

// Config controls an Adapter.
type Config struct {
	// Timeout bounds RequestContext.
	Timeout time.Duration `mapstructure:"timeout"`

	// Source is used for events that do not name their source component.
	Source string `mapstructure:"source"`
}

var DefaultConfig = Config{
	Timeout: 2 * time.Second,
	Source:  "host",
}

// Adapter implements the two hook operations on top of a Submitter and an
// Enhancer.
type Adapter struct {
	events  Submitter
	recall  Enhancer
	cfg     Config
	observe *observe.Observer
}

// NewAdapter creates an Adapter.
func NewAdapter(events Submitter, r Enhancer, cfg Config, o *observe.Observer) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.Source == "" {
		cfg.Source = DefaultConfig.Source
	}
	if o == nil {
		o = observe.Discard()
	}
	return &Adapter{events: events, recall: r, cfg: cfg, observe: o}
}

// Emit hands an event to the orchestrator and returns immediately. A
// rejected submission is logged and returned for information only.
func (a *Adapter) Emit(event memory.Event) error {
	if event.Source == "" {
		event.Source = a.cfg.Source
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := a.events.Submit(event); err != nil {
		a.observe.Log().Warn().Err(err).Str("event_type", event.Type).Msg("event not emitted")
		return fmt.Errorf("failed to emit %s: %w", event.Type, err)
	}
	return nil
}

// RequestContext returns related memories for op. Recall runs on its own
// goroutine; when it does not answer within the configured timeout, or ctx
// ends first, the result is an empty degraded context.
func (a *Adapter) RequestContext(ctx context.Context, op recall.OperationContext) recall.EnrichedContext {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	out := make(chan recall.EnrichedContext, 1)
	go func() {
		out <- a.recall.Enhance(ctx, op)
	}()

	select {
	case ec := <-out:
		return ec
	case <-ctx.Done():
		reason := ErrContextTimeout.Error()
		if errors.Is(ctx.Err(), context.Canceled) {
			reason = ctx.Err().Error()
		}
		a.observe.Log().Warn().Str("operation", op.Operation).Str("reason", reason).Msg("context request degraded")
		return recall.EnrichedContext{
			Context:  op,
			Matches:  []memory.Match{},
			Degraded: true,
			Reason:   reason,
		}
	}
}

// Attach forwards every event published on bus to the adapter.
func Attach(bus *Bus, a *Adapter) {
	bus.SubscribeAll(func(event memory.Event) {
		_ = a.Emit(event)
	})
}

type correlationKey struct{}

// WithCorrelationID stores a correlation id for Augment.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// ReportFunc describes a finished host operation as an event. Returning
// false emits nothing.
type ReportFunc[T any] func(result T, err error, elapsed time.Duration) (memory.Event, bool)

// Augment runs fn with related memories fetched beforehand and emits an
// event describing the outcome afterwards. fn's result and error are
// returned unchanged whatever happens to the memory calls. A nil report
// uses DefaultReport.
func Augment[T any](ctx context.Context, a *Adapter, op recall.OperationContext,
	fn func(context.Context, recall.EnrichedContext) (T, error), report ReportFunc[T]) (T, error) {
	ec := a.RequestContext(ctx, op)

	start := time.Now()
	result, err := fn(ctx, ec)
	elapsed := time.Since(start)

	if report == nil {
		report = DefaultReport[T](op, CorrelationID(ctx))
	}
	if event, ok := report(result, err, elapsed); ok {
		_ = a.Emit(event)
	}
	return result, err
}

// DefaultReport emits op.EventType (workflow_complete when empty) with the
// operation name, success flag, duration and error text.
func DefaultReport[T any](op recall.OperationContext, correlationID string) ReportFunc[T] {
	return func(_ T, err error, elapsed time.Duration) (memory.Event, bool) {
		eventType := op.EventType
		if eventType == "" {
			eventType = memory.EventWorkflowComplete
		}
		payload := map[string]any{
			"operation":   op.Operation,
			"success":     err == nil,
			"duration_ms": elapsed.Milliseconds(),
		}
		if op.Description != "" {
			payload["description"] = op.Description
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		return memory.NewEvent(eventType, op.Source, correlationID, payload), true
	}
}
