// Package resilience protects calls to the memory store with a circuit
// breaker, per-call timeouts and a background recovery manager.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

// BreakerConfig holds the breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// DefaultBreakerConfig provides conservative defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	RecoveryTimeout:  60 * time.Second,
	CallTimeout:      5 * time.Second,
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = DefaultBreakerConfig.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultBreakerConfig.RecoveryTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultBreakerConfig.CallTimeout
	}
	return c
}

// TransitionFunc is notified after every state change, outside the lock.
type TransitionFunc func(from, to State)

// Breaker is a three-state circuit breaker. All state evaluation happens
// under a single mutex that is never held while the protected call runs.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	state         State
	failures      int
	successes     int
	openedAt      time.Time
	trialInFlight bool

	listeners []TransitionFunc
}

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// OnTransition registers a state change listener.
func OnTransition(fn TransitionFunc) BreakerOption {
	return func(b *Breaker) { b.listeners = append(b.listeners, fn) }
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// outcome classifies a finished call.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

func classify(callerCtx context.Context, err error) outcome {
	switch {
	case err == nil, errors.Is(err, memory.ErrNotFound):
		return outcomeSuccess
	case memory.IsValidation(err):
		return outcomeIgnored
	case errors.Is(err, memory.ErrTimeout):
		return outcomeFailure
	case callerCtx.Err() != nil:
		// The caller gave up; that says nothing about the dependency.
		return outcomeIgnored
	default:
		return outcomeFailure
	}
}

// Execute runs fn if the breaker allows it. fn receives a context bounded
// by the per-call timeout; exceeding it yields memory.ErrTimeout and counts
// as a failure even if fn ignores its context.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	err = b.call(ctx, fn)
	b.record(trial, classify(ctx, err))
	return err
}

func (b *Breaker) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in store call: %v", r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %w", memory.ErrTimeout, err)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", memory.ErrTimeout, b.cfg.CallTimeout)
	}
}

// allow decides whether a call may proceed and whether it is the half-open trial.
func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	var from, to State
	changed := false
	trial := false
	var err error

	switch b.state {
	case StateClosed:
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			from, to, changed = b.state, StateHalfOpen, true
			b.state = StateHalfOpen
			b.successes = 0
			b.trialInFlight = true
			trial = true
		} else {
			err = memory.ErrCircuitOpen
		}
	case StateHalfOpen:
		if b.trialInFlight {
			err = memory.ErrCircuitOpen
		} else {
			b.trialInFlight = true
			trial = true
		}
	}
	listeners := b.listeners
	b.mu.Unlock()

	if changed {
		notify(listeners, from, to)
	}
	return trial, err
}

func (b *Breaker) record(trial bool, o outcome) {
	b.mu.Lock()
	from := b.state
	if trial {
		b.trialInFlight = false
	}

	switch o {
	case outcomeFailure:
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.trip()
			}
		case StateHalfOpen:
			if trial {
				b.trip()
			}
		}
	case outcomeSuccess:
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			if trial {
				b.successes++
				if b.successes >= b.cfg.SuccessThreshold {
					b.state = StateClosed
					b.failures = 0
					b.successes = 0
				}
			}
		}
	}
	to := b.state
	listeners := b.listeners
	b.mu.Unlock()

	if from != to {
		notify(listeners, from, to)
	}
}

// trip must be called with mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

func notify(listeners []TransitionFunc, from, to State) {
	for _, fn := range listeners {
		fn(from, to)
	}
}

// State returns the current position without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenedAt returns when the breaker last tripped; zero if never.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// Reset forces the breaker closed. Operator action only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.trialInFlight = false
	listeners := b.listeners
	b.mu.Unlock()

	if from != StateClosed {
		notify(listeners, from, StateClosed)
	}
}
