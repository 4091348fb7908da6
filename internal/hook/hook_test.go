package hook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/policy"
	"github.com/felixgeelhaar/memtrigger/internal/recall"
	"github.com/felixgeelhaar/memtrigger/internal/resilience"
	"github.com/felixgeelhaar/memtrigger/internal/trigger"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	events []memory.Event
	err    error
}

func (f *fakeSubmitter) Submit(e memory.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeSubmitter) got() []memory.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]memory.Event(nil), f.events...)
}

type fakeEnhancer struct {
	delay   time.Duration
	matches []memory.Match
}

func (f *fakeEnhancer) Enhance(ctx context.Context, op recall.OperationContext) recall.EnrichedContext {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return recall.EnrichedContext{Context: op, Matches: f.matches}
}

func TestAdapter_EmitFillsDefaults(t *testing.T) {
	sub := &fakeSubmitter{}
	a := NewAdapter(sub, &fakeEnhancer{}, Config{Source: "ide"}, nil)

	if err := a.Emit(memory.Event{Type: memory.EventAgentAction}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	events := sub.got()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Source != "ide" {
		t.Errorf("expected source 'ide', got %q", events[0].Source)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestAdapter_EmitReportsQueueFull(t *testing.T) {
	sub := &fakeSubmitter{err: trigger.ErrQueueFull}
	a := NewAdapter(sub, &fakeEnhancer{}, Config{}, nil)

	err := a.Emit(memory.NewEvent(memory.EventAgentAction, "agent", "", nil))
	if !errors.Is(err, trigger.ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestAdapter_RequestContext(t *testing.T) {
	want := []memory.Match{{Record: memory.Record{ID: "r1"}, Score: 0.9}}
	a := NewAdapter(&fakeSubmitter{}, &fakeEnhancer{matches: want}, Config{}, nil)

	ec := a.RequestContext(context.Background(), recall.OperationContext{Operation: "deploy"})
	if ec.Degraded {
		t.Fatalf("unexpected degradation: %s", ec.Reason)
	}
	if len(ec.Matches) != 1 || ec.Matches[0].Record.ID != "r1" {
		t.Errorf("unexpected matches: %+v", ec.Matches)
	}
}

func TestAdapter_RequestContextTimeout(t *testing.T) {
	a := NewAdapter(&fakeSubmitter{}, &fakeEnhancer{delay: time.Second}, Config{Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	ec := a.RequestContext(context.Background(), recall.OperationContext{Operation: "deploy"})
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("RequestContext blocked for %v", time.Since(start))
	}
	if !ec.Degraded {
		t.Fatal("expected degraded context")
	}
	if ec.Reason != ErrContextTimeout.Error() {
		t.Errorf("unexpected reason %q", ec.Reason)
	}
	if ec.Matches == nil || len(ec.Matches) != 0 {
		t.Errorf("expected empty matches, got %+v", ec.Matches)
	}
}

func TestAttach(t *testing.T) {
	sub := &fakeSubmitter{}
	a := NewAdapter(sub, &fakeEnhancer{}, Config{}, nil)
	bus := NewBus()
	Attach(bus, a)

	bus.PublishWithData(memory.EventIssueResolved, "tracker", "issue-1", map[string]any{"title": "flaky"})
	bus.PublishWithData(memory.EventDecisionMade, "architect", "adr-7", nil)

	events := sub.got()
	if len(events) != 2 {
		t.Fatalf("expected 2 forwarded events, got %d", len(events))
	}
	if events[0].Type != memory.EventIssueResolved || events[0].CorrelationID != "issue-1" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
}

func TestAugment_ReturnsHostResultUnchanged(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("queue closed")}
	a := NewAdapter(sub, &fakeEnhancer{delay: time.Second}, Config{Timeout: 10 * time.Millisecond}, nil)

	var seen recall.EnrichedContext
	got, err := Augment(context.Background(), a, recall.OperationContext{Operation: "build"},
		func(_ context.Context, ec recall.EnrichedContext) (string, error) {
			seen = ec
			return "built", nil
		}, nil)

	if err != nil {
		t.Fatalf("host error changed: %v", err)
	}
	if got != "built" {
		t.Errorf("host result changed: %q", got)
	}
	if !seen.Degraded {
		t.Error("host should have received a degraded context")
	}
}

func TestAugment_EmitsOutcome(t *testing.T) {
	sub := &fakeSubmitter{}
	a := NewAdapter(sub, &fakeEnhancer{}, Config{Source: "ci"}, nil)
	ctx := WithCorrelationID(context.Background(), "run-11")
	hostErr := errors.New("tests failed")

	_, err := Augment(ctx, a, recall.OperationContext{Operation: "test suite"},
		func(context.Context, recall.EnrichedContext) (int, error) { return 0, hostErr }, nil)
	if !errors.Is(err, hostErr) {
		t.Fatalf("expected host error, got %v", err)
	}

	events := sub.got()
	if len(events) != 1 {
		t.Fatalf("expected 1 emitted event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != memory.EventWorkflowComplete {
		t.Errorf("unexpected type %q", ev.Type)
	}
	if ev.CorrelationID != "run-11" {
		t.Errorf("unexpected correlation id %q", ev.CorrelationID)
	}
	if ev.Source != "ci" {
		t.Errorf("unexpected source %q", ev.Source)
	}
	if ev.Payload["success"] != false || ev.Payload["error"] != "tests failed" {
		t.Errorf("unexpected payload %+v", ev.Payload)
	}
}

func TestAugment_CustomReportCanSuppress(t *testing.T) {
	sub := &fakeSubmitter{}
	a := NewAdapter(sub, &fakeEnhancer{}, Config{}, nil)

	_, _ = Augment(context.Background(), a, recall.OperationContext{Operation: "noop"},
		func(context.Context, recall.EnrichedContext) (bool, error) { return true, nil },
		func(bool, error, time.Duration) (memory.Event, bool) { return memory.Event{}, false })

	if n := len(sub.got()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

// The host keeps working while the memory store is down: the breaker is
// open, recall degrades and the write is queued.
func TestAugment_OpenCircuitEndToEnd(t *testing.T) {
	backend := &downStore{}
	guard := resilience.NewGuard("memory", backend, resilience.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		CallTimeout:      time.Second,
	}, nil)
	_, _ = guard.Search(context.Background(), memory.Query{Text: "warmup"})
	if guard.State() != resilience.StateOpen {
		t.Fatalf("expected OPEN, got %s", guard.State())
	}

	engine := recall.New(guard, recall.Config{}, nil)
	orc := trigger.New(policy.NewEngine(nil), engine, guard, trigger.Config{
		Retry: trigger.RetryConfig{InitialBackoff: time.Hour},
	}, nil)
	var mu sync.Mutex
	var results []trigger.Result
	d := trigger.NewDispatcher(orc, orc.Config(), nil, trigger.OnResult(func(r trigger.Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}))
	a := NewAdapter(d, engine, Config{Source: "ci/pipeline"}, nil)

	got, err := Augment(WithCorrelationID(context.Background(), "run-1"), a,
		recall.OperationContext{Operation: "deploy"},
		func(context.Context, recall.EnrichedContext) (string, error) { return "ok", errors.New("deploy failed") }, nil)
	if got != "ok" || err == nil || err.Error() != "deploy failed" {
		t.Fatalf("host outcome changed: %q, %v", got, err)
	}

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = orc.Close(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Enriched || r.Stored || !r.QueuedForRetry {
		t.Errorf("expected enriched=false stored=false queued=true, got %+v", r)
	}
	backend.mu.Lock()
	calls := backend.calls
	backend.mu.Unlock()
	if calls != 1 {
		t.Errorf("store reached while open: %d calls", calls)
	}
}

type downStore struct {
	mu    sync.Mutex
	calls int
}

func (s *downStore) Store(context.Context, memory.Record) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return "", errors.New("down")
}

func (s *downStore) Retrieve(context.Context, string) (memory.Record, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return memory.Record{}, errors.New("down")
}

func (s *downStore) Search(context.Context, memory.Query) ([]memory.Match, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil, errors.New("down")
}
