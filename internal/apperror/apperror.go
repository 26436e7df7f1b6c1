// Package apperror defines the error taxonomy shared by the execution
// subsystem and its HTTP surface.
//
// The split that matters most is mechanism vs script: a mechanism failure
// means the backend itself could not run (process spawn error, exhausted or
// uninitialized pool, module load failure) and is eligible for fallback to
// another backend. A script failure means the backend ran fine and the
// supplied script reported the problem — retrying it on a different backend
// would just fail again, louder.
package apperror

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMechanism marks failures of the execution infrastructure itself.
	ErrMechanism = errors.New("mechanism failure")
	// ErrScript marks failures reported by a correctly-running script.
	ErrScript = errors.New("script failure")
	// ErrTimeout marks operations that exceeded their allotted time.
	ErrTimeout = errors.New("timed out")
	// ErrCanceled marks caller-initiated cancellation.
	ErrCanceled = errors.New("canceled")
	// ErrConnection marks session connect failures against the remote endpoint.
	ErrConnection = errors.New("connection failure")
	// ErrUnavailable marks a backend that failed initialization and refuses
	// per-call reattempts.
	ErrUnavailable = errors.New("unavailable")

	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
)

// AppError wraps a sentinel with a human-readable message. Handlers map the
// sentinel to an HTTP status via errors.Is and show Message to the caller;
// raw interpreter errors never travel past this type.
type AppError struct {
	Err     error  // sentinel, reachable through Unwrap
	Message string // human-readable description
	Kind    string // optional sub-classification (e.g. connection: "authentication")
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func Mechanism(format string, args ...any) *AppError {
	return &AppError{
		Err:     ErrMechanism,
		Message: fmt.Sprintf(format, args...),
	}
}

func Script(message string) *AppError {
	return &AppError{
		Err:     ErrScript,
		Message: message,
	}
}

func Timeout(after time.Duration) *AppError {
	return &AppError{
		Err:     ErrTimeout,
		Message: fmt.Sprintf("execution timed out after %s", after),
	}
}

func Canceled(op string) *AppError {
	return &AppError{
		Err:     ErrCanceled,
		Message: fmt.Sprintf("%s canceled by caller", op),
	}
}

// Connection classifies a session connect failure. kind is one of
// "authentication", "certificate", "network" or "unknown" (see
// session.ClassifyConnection).
func Connection(kind, message string) *AppError {
	return &AppError{
		Err:     ErrConnection,
		Message: message,
		Kind:    kind,
	}
}

func Unavailable(backend string, cause error) *AppError {
	return &AppError{
		Err:     ErrUnavailable,
		Message: fmt.Sprintf("backend %s is unavailable: %v", backend, cause),
	}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Kind:    field,
	}
}
