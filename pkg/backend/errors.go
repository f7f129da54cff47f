package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors for backend operations.
var (
	// ErrTransport indicates a network or auth failure talking to the
	// remote service. Retryable; drives backoff.
	ErrTransport = errors.New("transport failure")

	// ErrMalformed indicates the remote response had an unexpected shape.
	// Not retryable.
	ErrMalformed = errors.New("malformed response")

	// ErrNotReady indicates terminal data was requested before the remote
	// job reached a terminal state. Expected control flow, not a failure.
	ErrNotReady = errors.New("job not ready")

	// ErrNotFound indicates the remote job does not exist.
	ErrNotFound = errors.New("job not found")
)

// Error wraps backend-specific errors with operation context.
type Error struct {
	// Op is the operation that failed (e.g. "SubmitOne", "RetrieveStatus").
	Op string

	// Backend is the backend kind.
	Backend Kind

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsMalformed reports whether err is a non-retryable shape error.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

// IsNotReady reports whether err is the expected pre-terminal condition.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}

// IsNotFound reports whether err indicates an unknown remote job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
