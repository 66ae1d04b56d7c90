package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrConcurrency signals that an append used a stale expected sequence.
	// Callers re-read the stream and retry.
	ErrConcurrency = errors.New("stale stream sequence")

	// ErrDuplicateCommand signals that an append was absorbed because an
	// event with the same idempotency key already exists.
	ErrDuplicateCommand = errors.New("duplicate command absorbed")

	// ErrLeaseHeld is returned when another holder owns a non-expired lease.
	ErrLeaseHeld = errors.New("lease held by another holder")

	// ErrLeaseLost is returned when a renew or release finds the lease no
	// longer owned by the caller. The caller must stop issuing orders.
	ErrLeaseLost = errors.New("lease lost")

	// ErrIntentTerminal is returned when an intent update targets an intent
	// that already reached a terminal status.
	ErrIntentTerminal = errors.New("intent already terminal")

	// ErrLockHeld is returned when a short-lived distributed lock is already
	// taken by another party.
	ErrLockHeld = errors.New("lock already held")

	ErrWSDisconnect = errors.New("websocket disconnected")
)

// ValidationError rejects a malformed command or an illegal state transition.
// It is returned synchronously and never persisted.
type ValidationError struct {
	msg string
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return e.msg }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConnectorError wraps a failure from the exchange connector so the execution
// layer can classify it. Retryable errors (timeouts, 5xx) are retried with
// bounded backoff; the rest fail the intent immediately.
type ConnectorError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector: %s: %v", e.Op, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a ConnectorError marked retryable.
func IsRetryable(err error) bool {
	var ce *ConnectorError
	return errors.As(err, &ce) && ce.Retryable
}

// PersistenceError marks the event store or journal as unreachable. It is
// fatal for the affected lease holder: trading for that key stops rather than
// proceeding blind.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
