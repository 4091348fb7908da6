package memory

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Retrieve for unknown ids.
	ErrNotFound = errors.New("memory record not found")

	// ErrStoreUnavailable marks backend failures that may succeed on retry.
	ErrStoreUnavailable = errors.New("memory store unavailable")

	// ErrCircuitOpen is returned without touching the store while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTimeout is returned when a store call exceeds its per-call timeout.
	ErrTimeout = errors.New("memory store call timed out")
)

// ValidationError reports a malformed event or record. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unavailable wraps a backend error so that it classifies as transient.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil || IsValidation(err) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
