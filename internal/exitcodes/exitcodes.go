// Package exitcodes defines standard exit codes for CLI operations so that
// Airflow, Kubernetes and other schedulers can decide whether to retry.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/mdcore/internal/breaker"
	"github.com/johndauphine/mdcore/internal/validation"
	"github.com/johndauphine/mdcore/internal/warehouse"
)

const (
	// Success - every job completed or was skipped
	Success = 0

	// ConfigError - config, schema registry or identifier allow-list errors (don't retry)
	ConfigError = 1

	// ConnectionError - upstream source or warehouse connection errors (recoverable)
	ConnectionError = 2

	// LoadError - warehouse delete/insert failed (recoverable, loads are idempotent)
	LoadError = 3

	// ValidationError - artifact exceeded the allowed failure rate (non-recoverable)
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - completion marker store errors (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7

	// Deferred - a source circuit is open; retry after the recovery timeout
	Deferred = 8
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// coder is implemented by errors that know their own exit code.
type coder interface {
	ExitCode() int
}

// FromError determines the appropriate exit code for an error.
// Typed errors are matched first; the message is examined as a fallback.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var c coder
	if errors.As(err, &c) {
		return c.ExitCode()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}

	var (
		openErr   *breaker.CircuitOpenError
		transient *breaker.TransientSourceError
		schemaErr *validation.SchemaConfigError
		identErr  *warehouse.IdentifierError
		loadErr   *warehouse.LoadError
		pathErr   *os.PathError
	)
	switch {
	case errors.As(err, &openErr):
		return Deferred
	case errors.As(err, &transient):
		return ConnectionError
	case errors.As(err, &schemaErr), errors.As(err, &identErr):
		return ConfigError
	case errors.As(err, &loadErr):
		return LoadError
	case errors.As(err, &pathErr):
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// checked before ConfigError so "validation failed" is not read as a config problem
	if containsAny(errStr, []string{
		"failure rate",
		"validation failed",
		"rejected",
	}) {
		return ValidationError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid configuration",
		"missing required",
		"invalid value",
		"parsing config",
		"required flag",
		"flag provided but not defined",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"ping",
		"login failed",
		"authentication",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"marker",
		"idempotency",
		"state",
	}) {
		return StateError
	}

	// unknown errors are treated as load failures, which are safe to retry
	return LoadError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, LoadError, Cancelled, IOError, Deferred:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case LoadError:
		return "load error (recoverable)"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case Deferred:
		return "deferred, circuit open (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
