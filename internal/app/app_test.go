package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/memtrigger/internal/config"
	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/recall"
	"github.com/felixgeelhaar/memtrigger/internal/resilience"
	"github.com/felixgeelhaar/memtrigger/internal/trigger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Path = ":memory:"
	cfg.Diag.Addr = ""
	cfg.Policy.Watch = false
	cfg.Embedder.CacheSize = 0
	cfg.Recall.MinScore = 0.3
	return cfg
}

type results struct {
	mu  sync.Mutex
	all []trigger.Result
}

func (r *results) add(res trigger.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, res)
}

func (r *results) get() []trigger.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trigger.Result(nil), r.all...)
}

func TestApp_EmitStoresAndRecalls(t *testing.T) {
	ctx := context.Background()
	var got results
	a, err := New(ctx, testConfig(t), nil, OnResult(got.add))
	require.NoError(t, err)

	a.Bus().PublishWithData(memory.EventWorkflowComplete, "ci/pipeline", "run-42", map[string]any{
		"success":  false,
		"workflow": "deploy-checkout",
		"error":    "migration lock timeout",
	})

	require.Eventually(t, func() bool { return len(got.get()) == 1 }, 2*time.Second, 10*time.Millisecond)
	res := got.get()[0]
	assert.True(t, res.Stored, "result: %+v", res)
	assert.Equal(t, trigger.StageCompleted, res.Stage)
	require.Len(t, res.RecordIDs, 1)

	rec, err := a.Backend().Retrieve(ctx, res.RecordIDs[0])
	require.NoError(t, err)
	assert.Equal(t, memory.CategoryError, rec.Category)
	assert.Equal(t, "run-42", rec.Metadata["correlation_id"])

	ec := a.Adapter().RequestContext(ctx, recall.OperationContext{
		Operation:   "deploy-checkout",
		Description: "migration lock timeout",
		Categories:  []memory.Category{memory.CategoryError},
	})
	assert.False(t, ec.Degraded)
	require.NotEmpty(t, ec.Matches)
	assert.Equal(t, rec.ID, ec.Matches[0].Record.ID)

	rep := a.Report()
	assert.Equal(t, resilience.StateClosed, rep.Memory.State)
	assert.Equal(t, int64(1), rep.Orchestrator.Handled)
	assert.Equal(t, "builtin-1", rep.PolicyVersion)
	assert.Equal(t, "hash", rep.Embedder)

	require.NoError(t, a.Close(ctx))
}

func TestApp_SkipsRoutineAction(t *testing.T) {
	ctx := context.Background()
	var got results
	a, err := New(ctx, testConfig(t), nil, OnResult(got.add))
	require.NoError(t, err)
	defer a.Close(ctx)

	require.NoError(t, a.Adapter().Emit(memory.NewEvent(memory.EventAgentAction, "agent", "s-1", map[string]any{"tool": "ls"})))

	require.Eventually(t, func() bool { return len(got.get()) == 1 }, 2*time.Second, 10*time.Millisecond)
	res := got.get()[0]
	assert.True(t, res.Skipped)
	assert.False(t, res.Stored)

	counter, ok := a.Backend().(interface {
		Count(context.Context) (map[memory.Category]int, error)
	})
	require.True(t, ok)
	counts, err := counter.Count(ctx)
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Zero(t, total)
}

func TestApp_PolicyFileLimitsApplyToStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: "7"
rules:
  - name: decisions
    events: [decision_made]
    categories: [decision]
limits:
  decision:
    capacity: 2
`), 0600))

	cfg := testConfig(t)
	cfg.Policy.Path = path
	ctx := context.Background()
	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.Equal(t, "7", a.Report().PolicyVersion)
	assert.Equal(t, 2, a.Policy().Current().LimitsFor(memory.CategoryDecision).Capacity)
}

func TestApp_BadPolicyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.Path = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestApp_RunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, testConfig(t), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	require.NoError(t, a.Close(context.Background()))
}
