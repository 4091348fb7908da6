package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/observe"
)

// ErrRetryQueueFull is returned by Enqueue when MaxPending writes are waiting.
var ErrRetryQueueFull = errors.New("retry queue is full")

// RetryConfig controls how failed writes are retried.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxPending     int           `mapstructure:"max_pending"`
}

// DefaultRetryConfig retries five times starting at one second.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	MaxBackoff:     time.Minute,
	Multiplier:     2,
	MaxPending:     1000,
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultRetryConfig.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultRetryConfig.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultRetryConfig.Multiplier
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultRetryConfig.MaxPending
	}
	return c
}

// Backoff returns the wait before the given attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	return time.Duration(d)
}

// RetryQueue re-attempts record writes that failed with a transient error.
// Each pending record is retried in its own goroutine; a record id is never
// pending twice. While the circuit is open a record waits without spending
// attempts, until the breaker admits calls again or the queue is closed.
type RetryQueue struct {
	store   memory.Store
	cfg     RetryConfig
	stats   *Stats
	observe *observe.Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}

	// after is replaced in tests.
	after func(time.Duration) <-chan time.Time
}

// NewRetryQueue creates a queue writing to store.
func NewRetryQueue(store memory.Store, cfg RetryConfig, stats *Stats, o *observe.Observer) *RetryQueue {
	if o == nil {
		o = observe.Discard()
	}
	if stats == nil {
		stats = NewStats()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RetryQueue{
		store:   store,
		cfg:     cfg.withDefaults(),
		stats:   stats,
		observe: o,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]struct{}),
		after:   time.After,
	}
}

// Enqueue schedules rec for retry. A record already pending is not added again.
func (q *RetryQueue) Enqueue(rec memory.Record) error {
	q.mu.Lock()
	if q.ctx.Err() != nil {
		q.mu.Unlock()
		return context.Canceled
	}
	if _, ok := q.pending[rec.ID]; ok {
		q.mu.Unlock()
		return nil
	}
	if len(q.pending) >= q.cfg.MaxPending {
		q.mu.Unlock()
		return ErrRetryQueueFull
	}
	q.pending[rec.ID] = struct{}{}
	q.wg.Add(1)
	q.mu.Unlock()

	go q.retry(rec)
	return nil
}

// Pending returns the number of records waiting for a retry.
func (q *RetryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops scheduling retries and waits for in-flight attempts, or
// until ctx is done.
func (q *RetryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.cancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *RetryQueue) retry(rec memory.Record) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		delete(q.pending, rec.ID)
		q.mu.Unlock()
	}()

	var lastErr error
	// held counts rejections by an open circuit; they lengthen the wait but
	// do not use up attempts.
	held := 0
	for attempt := 1; attempt <= q.cfg.MaxAttempts; {
		select {
		case <-q.ctx.Done():
			q.observe.Log().Warn().Str("record", rec.ID).Int("attempt", attempt).Msg("memory retry cancelled")
			q.stats.retryAbandoned()
			return
		case <-q.after(q.cfg.Backoff(attempt + held)):
		}

		_, err := q.store.Store(q.ctx, rec)
		if err == nil {
			q.stats.retryStored()
			q.observe.Log().Info().Str("record", rec.ID).Str("category", string(rec.Category)).Int("attempt", attempt).Msg("memory stored on retry")
			return
		}
		lastErr = err
		if errors.Is(err, memory.ErrCircuitOpen) {
			held++
			q.observe.Log().Debug().Str("record", rec.ID).Int("held", held).Msg("memory retry held by open circuit")
			continue
		}
		if !memory.IsTransient(err) {
			break
		}
		q.observe.Log().Debug().Err(err).Str("record", rec.ID).Int("attempt", attempt).Msg("memory retry failed")
		attempt++
	}

	q.stats.retryAbandoned()
	q.observe.Log().Error().Err(lastErr).Str("record", rec.ID).Str("category", string(rec.Category)).Msg("memory write abandoned")
}
