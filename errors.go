package imgdispatch

import (
	"errors"
	"fmt"

	"github.com/xraph/imgdispatch/id"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("imgdispatch: no store configured")
	ErrStoreClosed     = errors.New("imgdispatch: store closed")
	ErrMigrationFailed = errors.New("imgdispatch: migration failed")

	// Not found errors.
	ErrJobNotFound   = errors.New("imgdispatch: job not found")
	ErrInputNotFound = errors.New("imgdispatch: input not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("imgdispatch: job already exists")
	ErrStoreConflict    = errors.New("imgdispatch: state changed concurrently")
	ErrNotOwner         = errors.New("imgdispatch: attempt no longer held by worker")

	// State errors.
	ErrTerminalState     = errors.New("imgdispatch: job is in a terminal state")
	ErrInvalidTransition = errors.New("imgdispatch: invalid state transition")

	// Broker errors.
	ErrNoBroker        = errors.New("imgdispatch: no broker configured")
	ErrNoWorkers       = errors.New("imgdispatch: engine runs no workers")
	ErrBrokerClosed    = errors.New("imgdispatch: broker closed")
	ErrDeliveryFailure = errors.New("imgdispatch: delivery failed")
	ErrUnknownDelivery = errors.New("imgdispatch: unknown delivery")
)

// ValidationError reports a rejected submission. A submission that fails
// validation never reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "imgdispatch: invalid request: " + e.Reason
	}
	return fmt.Sprintf("imgdispatch: invalid %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransformError wraps a failure raised by the transform of one attempt.
type TransformError struct {
	JobID   id.JobID
	Attempt int
	Err     error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("imgdispatch: job %s attempt %d: %v", e.JobID, e.Attempt, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }
