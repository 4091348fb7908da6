// Package trigger turns lifecycle events into memory records.
//
// An Orchestrator evaluates each event against the policy engine, enriches
// it with related memories, and writes one record per decided category
// through the guarded store. Memory failures never fail the host: they are
// reported in the Result, logged and counted.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/observe"
	"github.com/felixgeelhaar/memtrigger/internal/policy"
	"github.com/felixgeelhaar/memtrigger/internal/recall"
)

// Stage is a step of the per-event state machine.
type Stage string

const (
	StageReceived        Stage = "received"
	StageRejected        Stage = "rejected"
	StagePolicyEvaluated Stage = "policy_evaluated"
	StageSkipped         Stage = "skipped"
	StageEnriched        Stage = "enriched"
	StageStored          Stage = "stored"
	StageCompleted       Stage = "completed"
)

// Evaluator decides whether an event triggers. policy.Engine implements it.
type Evaluator interface {
	Evaluate(event memory.Event) (policy.Decision, error)
}

// Enhancer fetches related memories. recall.Engine implements it.
type Enhancer interface {
	Enhance(ctx context.Context, op recall.OperationContext) recall.EnrichedContext
}

// Result describes what happened to one event. Err is informational; the
// caller's own operation must not fail because of it.
type Result struct {
	CorrelationID  string          `json:"correlation_id,omitempty"`
	EventType      string          `json:"event_type"`
	Stage          Stage           `json:"stage"`
	Decision       policy.Decision `json:"decision"`
	Skipped        bool            `json:"skipped"`
	Rejected       bool            `json:"rejected"`
	Enriched       bool            `json:"enriched"`
	Stored         bool            `json:"stored"`
	QueuedForRetry bool            `json:"queued_for_retry"`
	TimedOut       bool            `json:"timed_out"`
	RecordIDs      []string        `json:"record_ids,omitempty"`
	Pending        []string        `json:"pending_ids,omitempty"`
	RelatedIDs     []string        `json:"related_ids,omitempty"`
	Duration       time.Duration   `json:"duration"`
	Err            error           `json:"-"`
}

// Error returns the error text, or "".
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Config bounds orchestration.
type Config struct {
	// Timeout bounds a whole Handle call.
	Timeout time.Duration `mapstructure:"timeout"`

	// EnrichTimeout bounds recall inside Handle so that storage keeps
	// part of Timeout.
	EnrichTimeout time.Duration `mapstructure:"enrich_timeout"`

	RecallLimit int `mapstructure:"recall_limit"`

	// SupersedeScore is the similarity at which a new record references a
	// same-category match as the record it supersedes.
	SupersedeScore float64 `mapstructure:"supersede_score"`

	MaxInFlight int         `mapstructure:"max_in_flight"`
	QueueSize   int         `mapstructure:"queue_size"`
	Retry       RetryConfig `mapstructure:"retry"`
}

// DefaultConfig is used for zero fields.
var DefaultConfig = Config{
	Timeout:        10 * time.Second,
	EnrichTimeout:  3 * time.Second,
	RecallLimit:    5,
	SupersedeScore: 0.97,
	MaxInFlight:    10,
	QueueSize:      1000,
	Retry:          DefaultRetryConfig,
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	if c.EnrichTimeout <= 0 || c.EnrichTimeout > c.Timeout {
		c.EnrichTimeout = min(DefaultConfig.EnrichTimeout, c.Timeout/2)
	}
	if c.RecallLimit <= 0 {
		c.RecallLimit = DefaultConfig.RecallLimit
	}
	if c.SupersedeScore <= 0 {
		c.SupersedeScore = DefaultConfig.SupersedeScore
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultConfig.MaxInFlight
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultConfig.QueueSize
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Orchestrator coordinates policy, recall and storage for each event.
type Orchestrator struct {
	policy  Evaluator
	recall  Enhancer
	store   memory.Store
	retry   *RetryQueue
	stats   *Stats
	cfg     Config
	observe *observe.Observer
	now     func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. store is normally a resilience.Guard.
func New(p Evaluator, r Enhancer, store memory.Store, cfg Config, o *observe.Observer, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	if o == nil {
		o = observe.Discard()
	}
	stats := NewStats()
	orc := &Orchestrator{
		policy:  p,
		recall:  r,
		store:   store,
		retry:   NewRetryQueue(store, cfg.Retry, stats, o),
		stats:   stats,
		cfg:     cfg,
		observe: o,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(orc)
	}
	return orc
}

// Stats returns the orchestration counters.
func (o *Orchestrator) Stats() StatsSnapshot { return o.stats.Snapshot() }

// Retries returns the retry queue.
func (o *Orchestrator) Retries() *RetryQueue { return o.retry }

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Close waits for pending retries until ctx is done.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.retry.Close(ctx)
}

// Handle processes one event. It never returns an error; failures are
// described by the Result.
func (o *Orchestrator) Handle(ctx context.Context, event memory.Event) (res Result) {
	start := time.Now()
	res = Result{CorrelationID: event.CorrelationID, EventType: event.Type, Stage: StageReceived}

	ctx, span := o.observe.StartSpan(ctx, "trigger.handle",
		attribute.String("event_type", event.Type),
		attribute.String("correlation_id", event.CorrelationID),
	)
	defer span.End()
	defer func() {
		res.Duration = time.Since(start)
		o.stats.finish(res)
		span.SetAttributes(attribute.String("stage", string(res.Stage)))
		observe.Fail(span, res.Err)
	}()

	if err := event.Validate(); err != nil {
		res.Stage = StageRejected
		res.Rejected = true
		res.Err = err
		o.observe.Log().Warn().Err(err).Str("correlation_id", event.CorrelationID).Msg("event rejected")
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	stageStart := time.Now()
	decision, err := o.policy.Evaluate(event)
	o.stats.observeStage(StagePolicyEvaluated, time.Since(stageStart))
	res.Stage = StagePolicyEvaluated
	res.Decision = decision
	if err != nil {
		res.Err = err
		o.observe.Log().Warn().Err(err).Str("event_type", event.Type).Msg("policy evaluation failed")
	}
	if !decision.ShouldTrigger {
		res.Skipped = true
		res.Stage = StageCompleted
		o.observe.Log().Debug().Str("event_type", event.Type).Msg("event skipped by policy")
		return res
	}

	stageStart = time.Now()
	ec := o.enrich(ctx, event, decision)
	o.stats.observeStage(StageEnriched, time.Since(stageStart))
	if !ec.Degraded {
		res.Enriched = true
		res.Stage = StageEnriched
		for _, m := range ec.Matches {
			res.RelatedIDs = append(res.RelatedIDs, m.Record.ID)
		}
	}

	stageStart = time.Now()
	records := o.Build(event, decision, ec)
	var errs []error
	for _, rec := range records {
		if ctx.Err() != nil {
			res.TimedOut = true
			errs = append(errs, o.queue(&res, rec, ctx.Err()))
			continue
		}
		id, err := o.store.Store(ctx, rec)
		switch {
		case err == nil:
			res.RecordIDs = append(res.RecordIDs, id)
		case memory.IsTransient(err) || ctx.Err() != nil:
			if ctx.Err() != nil {
				res.TimedOut = true
			}
			errs = append(errs, o.queue(&res, rec, err))
		default:
			errs = append(errs, fmt.Errorf("failed to store %s memory: %w", rec.Category, err))
			o.observe.Log().Error().Err(err).Str("record", rec.ID).Msg("memory store rejected record")
		}
	}
	o.stats.observeStage(StageStored, time.Since(stageStart))

	if len(records) > 0 && len(res.RecordIDs) == len(records) {
		res.Stored = true
		res.Stage = StageStored
	}
	if err := errors.Join(errs...); err != nil {
		res.Err = errors.Join(res.Err, err)
	}
	if !res.TimedOut {
		res.Stage = StageCompleted
	}

	o.observe.Log().Info().
		Str("event_type", event.Type).
		Str("correlation_id", event.CorrelationID).
		Int("stored", len(res.RecordIDs)).
		Int("pending", len(res.Pending)).
		Msg("event handled")
	return res
}

// queue hands a record to the retry queue and returns the error that caused it.
func (o *Orchestrator) queue(res *Result, rec memory.Record, cause error) error {
	if err := o.retry.Enqueue(rec); err != nil {
		o.observe.Log().Error().Err(err).Str("record", rec.ID).Msg("memory write dropped")
		return fmt.Errorf("failed to queue %s memory for retry: %w", rec.Category, errors.Join(cause, err))
	}
	res.QueuedForRetry = true
	res.Pending = append(res.Pending, rec.ID)
	o.observe.Log().Warn().Err(cause).Str("record", rec.ID).Msg("memory write queued for retry")
	return fmt.Errorf("%s memory queued for retry: %w", rec.Category, cause)
}

func (o *Orchestrator) enrich(ctx context.Context, event memory.Event, d policy.Decision) recall.EnrichedContext {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.EnrichTimeout)
	defer cancel()
	return o.recall.Enhance(ctx, OperationFor(event, d, o.cfg.RecallLimit))
}

// OperationFor describes an event as a recall request.
func OperationFor(event memory.Event, d policy.Decision, limit int) recall.OperationContext {
	return recall.OperationContext{
		Operation:   event.Type + " " + event.Source,
		Description: summarize(event.Payload),
		EventType:   event.Type,
		Source:      event.Source,
		Categories:  d.Categories,
		Tags:        d.Tags,
		Limit:       limit,
	}
}

// Build creates one record per decided category. Ids derive from the
// idempotency key so repeated builds of the same event agree.
func (o *Orchestrator) Build(event memory.Event, d policy.Decision, ec recall.EnrichedContext) []memory.Record {
	content := Content(event)
	tags := mergeTags(d.Tags, event.Type)
	created := o.now().UTC()

	related := make([]string, 0, len(ec.Matches))
	for _, m := range ec.Matches {
		related = append(related, m.Record.ID)
	}

	records := make([]memory.Record, 0, len(d.Categories))
	for _, c := range d.Categories {
		key := memory.IdempotencyKey(c, content, event.CorrelationID)
		rec := memory.Record{
			ID:       memory.RecordID(key),
			Category: c,
			Content:  content,
			Metadata: map[string]any{
				"correlation_id":   event.CorrelationID,
				"priority":         string(d.Priority),
				"source_component": event.Source,
				"event_type":       event.Type,
				"event_timestamp":  event.Timestamp.UTC().Format(time.RFC3339Nano),
				"rules":            append([]string(nil), d.MatchedRules...),
				"related_ids":      append([]string(nil), related...),
			},
			Tags:           tags,
			CreatedAt:      created,
			IdempotencyKey: key,
		}
		for _, m := range ec.Matches {
			if m.Record.Category == c && m.Score >= o.cfg.SupersedeScore && m.Record.ID != rec.ID {
				rec.Supersedes = m.Record.ID
				break
			}
		}
		records = append(records, rec)
	}
	return records
}

// Content renders an event as record text: the event type and source
// followed by a summary of the payload.
func Content(event memory.Event) string {
	s := fmt.Sprintf("%s from %s", event.Type, event.Source)
	if p := summarize(event.Payload); p != "" {
		s += ": " + p
	}
	return s
}

const maxSummary = 512

// summarize renders a payload as sorted key=value pairs.
func summarize(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return memory.Truncate(strings.Join(parts, ", "), maxSummary)
}

func mergeTags(tags []string, extra ...string) []string {
	seen := make(map[string]struct{}, len(tags)+len(extra))
	out := make([]string, 0, len(tags)+len(extra))
	for _, t := range append(append([]string(nil), tags...), extra...) {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
