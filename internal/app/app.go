// Package app assembles the memory core from configuration: embedder, store
// backend, breaker, recovery, policy, recall, orchestration and the host
// adapter.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/memtrigger/internal/config"
	"github.com/felixgeelhaar/memtrigger/internal/diag"
	"github.com/felixgeelhaar/memtrigger/internal/embed"
	"github.com/felixgeelhaar/memtrigger/internal/hook"
	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/observe"
	"github.com/felixgeelhaar/memtrigger/internal/policy"
	"github.com/felixgeelhaar/memtrigger/internal/recall"
	"github.com/felixgeelhaar/memtrigger/internal/resilience"
	"github.com/felixgeelhaar/memtrigger/internal/store"
	"github.com/felixgeelhaar/memtrigger/internal/store/chromem"
	"github.com/felixgeelhaar/memtrigger/internal/store/postgres"
	"github.com/felixgeelhaar/memtrigger/internal/trigger"
)

// App owns every long-lived component.
type App struct {
	cfg     *config.Config
	observe *observe.Observer

	embedder   embed.Embedder
	backend    memory.Store
	guard      *resilience.Guard
	recovery   *resilience.Recovery
	policy     *policy.Engine
	recall     *recall.Engine
	orch       *trigger.Orchestrator
	dispatcher *trigger.Dispatcher
	adapter    *hook.Adapter
	bus        *hook.Bus

	closers []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	onResult trigger.ResultFunc
}

// OnResult observes every orchestration result.
func OnResult(fn trigger.ResultFunc) Option {
	return func(o *options) { o.onResult = fn }
}

// New builds the core. Nothing runs in the background until Run is called,
// except retries and dispatching, which Close stops.
func New(ctx context.Context, cfg *config.Config, o *observe.Observer, opts ...Option) (*App, error) {
	if o == nil {
		o = observe.Discard()
	}
	var op options
	for _, fn := range opts {
		fn(&op)
	}

	a := &App{cfg: cfg, observe: o}

	set := policy.DefaultSet()
	if cfg.Policy.Path != "" {
		loaded, err := policy.LoadFile(cfg.Policy.Path)
		if err != nil {
			return nil, err
		}
		set = loaded
	}
	a.policy = policy.NewEngine(set)

	e, err := embed.New(cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	a.embedder = e
	if c, ok := e.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		_ = a.closeAll()
		return nil, err
	}
	a.backend = backend

	a.guard = resilience.NewGuard("memory", backend, cfg.Breaker, o)
	a.recovery = resilience.NewRecovery(a.guard, cfg.Recovery, o)
	a.recall = recall.New(a.guard, cfg.Recall, o)
	a.orch = trigger.New(a.policy, a.recall, a.guard, cfg.Orchestrator, o)

	var dopts []trigger.DispatcherOption
	if op.onResult != nil {
		dopts = append(dopts, trigger.OnResult(op.onResult))
	}
	a.dispatcher = trigger.NewDispatcher(a.orch, a.orch.Config(), o, dopts...)
	a.adapter = hook.NewAdapter(a.dispatcher, a.recall, cfg.Hook, o)
	a.bus = hook.NewBus()
	hook.Attach(a.bus, a.adapter)

	o.Log().Info().
		Str("backend", cfg.Store.Backend).
		Str("embedder", e.Name()).
		Str("policy_version", set.Version).
		Int("rules", len(set.Rules)).
		Msg("memory core ready")
	return a, nil
}

func (a *App) openBackend(ctx context.Context) (memory.Store, error) {
	limits := store.WithLimits(func(c memory.Category) memory.Limits {
		return a.policy.Current().LimitsFor(c)
	})

	switch a.cfg.Store.Backend {
	case config.BackendSQLite, "":
		s, err := store.NewSQLiteStore(a.cfg.Store.Path, a.embedder, limits)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.New(ctx, a.cfg.Store.DSN, a.embedder, limits)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendChromem:
		s, err := chromem.New(a.cfg.Store.Path, a.embedder, limits)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
}

// Run starts recovery, the policy watcher and the diagnostics server. It
// blocks until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.recovery.Run(ctx) })

	if a.cfg.Policy.Watch && a.cfg.Policy.Path != "" {
		w := policy.NewWatcher(a.policy, a.cfg.Policy.Path, a.observe, nil)
		g.Go(func() error { return w.Run(ctx) })
	}

	if a.cfg.Diag.Addr != "" {
		srv := diag.NewServer(a.cfg.Diag.Addr, a.Report, a.observe)
		g.Go(func() error { return srv.Run(ctx) })
	}

	return g.Wait()
}

// Report collects the diagnostics view.
func (a *App) Report() diag.Report {
	set := a.policy.Current()
	return diag.Report{
		GeneratedAt:   time.Now().UTC(),
		Memory:        resilience.StatusOf(a.guard, a.recovery),
		Orchestrator:  a.orch.Stats(),
		PendingRetry:  a.orch.Retries().Pending(),
		QueuedEvents:  a.dispatcher.Queued(),
		PolicyVersion: set.Version,
		PolicyRules:   len(set.Rules),
		Backend:       a.cfg.Store.Backend,
		Embedder:      a.embedder.Name(),
	}
}

// Close drains queued events, stops retries and releases the store. Events
// still waiting when ctx ends are dropped.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.orch.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) Adapter() *hook.Adapter              { return a.adapter }
func (a *App) Bus() *hook.Bus                      { return a.bus }
func (a *App) Recall() *recall.Engine              { return a.recall }
func (a *App) Orchestrator() *trigger.Orchestrator { return a.orch }
func (a *App) Guard() *resilience.Guard            { return a.guard }
func (a *App) Recovery() *resilience.Recovery      { return a.recovery }
func (a *App) Policy() *policy.Engine              { return a.policy }

// Logger returns the core's logger.
func (a *App) Logger() *bolt.Logger { return a.observe.Log() }

// Backend returns the unguarded store, for operator commands.
func (a *App) Backend() memory.Store { return a.backend }
