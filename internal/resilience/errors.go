// Package resilience wraps outbound calls with retry, backoff and a
// per-dependency circuit breaker, reducing every call to a uniform
// CallOutcome so callers need not know dependency-specific error shapes.
package resilience

import (
	"context"
	"errors"
)

// ErrCircuitOpen is returned when a dependency's circuit is open and the
// call was rejected without a network attempt.
var ErrCircuitOpen = errors.New("circuit open")

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as non-retryable (schema violations, malformed
// responses). Everything else coming out of a dependency call is treated
// as transient: timeouts, connection failures and 5xx-equivalents are the
// expected failure modes of the services this wrapper guards.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked non-retryable.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// IsTransient reports whether err should be retried. Context timeouts
// count as transient; a cancelled parent context does not.
func IsTransient(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
