package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen matches any *CircuitOpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned without invoking the operation when the
// breaker for a source is rejecting calls. Callers should defer the task.
type CircuitOpenError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for source %q (retry after %s)", e.Source, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("circuit open for source %q (trial in progress)", e.Source)
}

// Is reports whether target is ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// TransientSourceError marks a retryable failure talking to an upstream source.
type TransientSourceError struct {
	Source string
	Err    error
}

// NewTransientError wraps err as a transient failure of source.
func NewTransientError(source string, err error) *TransientSourceError {
	return &TransientSourceError{Source: source, Err: err}
}

func (e *TransientSourceError) Error() string {
	return fmt.Sprintf("transient failure from %s: %v", e.Source, e.Err)
}

func (e *TransientSourceError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err wraps a TransientSourceError. It is a valid
// Options.IsFailure predicate.
func IsTransient(err error) bool {
	var te *TransientSourceError
	return errors.As(err, &te)
}
