package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/observe"
)

var (
	// ErrQueueFull is returned by Submit when QueueSize events are waiting.
	ErrQueueFull = errors.New("trigger queue is full")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Handler processes one event. *Orchestrator implements it.
type Handler interface {
	Handle(ctx context.Context, event memory.Event) Result
}

// ResultFunc receives every result produced by a Dispatcher.
type ResultFunc func(Result)

// Dispatcher processes events asynchronously with at most MaxInFlight
// handlers running. Events sharing a correlation id are handled one at a
// time in submission order; events without one are independent.
type Dispatcher struct {
	handler  Handler
	sem      *semaphore.Weighted
	capacity int
	observe  *observe.Observer
	onResult ResultFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lanes   map[string]*lane
	queued  int
	closed  bool
	anonSeq uint64
}

// lane is the FIFO of one correlation id.
type lane struct {
	events []memory.Event
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// OnResult registers a result callback. It runs on the handler goroutine.
func OnResult(fn ResultFunc) DispatcherOption {
	return func(d *Dispatcher) { d.onResult = fn }
}

// NewDispatcher creates a dispatcher. Zero limits in cfg use DefaultConfig.
func NewDispatcher(h Handler, cfg Config, o *observe.Observer, opts ...DispatcherOption) *Dispatcher {
	cfg = cfg.withDefaults()
	if o == nil {
		o = observe.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		handler:  h,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		capacity: cfg.QueueSize,
		observe:  o,
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit enqueues an event and returns immediately.
func (d *Dispatcher) Submit(event memory.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.queued >= d.capacity {
		d.observe.Log().Warn().Str("event_type", event.Type).Int("queued", d.queued).Msg("trigger queue full, event dropped")
		return ErrQueueFull
	}
	d.queued++

	key := event.CorrelationID
	if key == "" {
		// Uncorrelated events get a lane of their own.
		d.anonSeq++
		key = fmt.Sprintf("\x00anon-%d", d.anonSeq)
	}
	if l, ok := d.lanes[key]; ok {
		l.events = append(l.events, event)
		return nil
	}
	d.lanes[key] = &lane{events: []memory.Event{event}}
	d.wg.Add(1)
	go d.drain(key)
	return nil
}

// Queued returns the number of events submitted but not yet handled.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

// Close stops accepting events and waits for queued ones to be handled.
// When ctx ends first, in-flight handlers are cancelled and the remaining
// events are dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		l := d.lanes[key]
		if len(l.events) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		event := l.events[0]
		l.events = l.events[1:]
		d.mu.Unlock()

		d.handle(event)

		d.mu.Lock()
		d.queued--
		d.mu.Unlock()
	}
}

func (d *Dispatcher) handle(event memory.Event) {
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		d.observe.Log().Warn().Str("event_type", event.Type).Str("correlation_id", event.CorrelationID).Msg("event dropped on shutdown")
		return
	}
	defer d.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			d.observe.Log().Error().Str("event_type", event.Type).Str("panic", fmt.Sprint(r)).Msg("trigger handler panicked")
		}
	}()

	res := d.handler.Handle(d.ctx, event)
	if d.onResult != nil {
		d.onResult(res)
	}
}
