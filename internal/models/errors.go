package models

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports bad input to AddJob/PublishEvent. The unit of work
// is rejected before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// QueueNotFoundError is returned when a job targets an unregistered queue
type QueueNotFoundError struct {
	Queue string
}

func (e *QueueNotFoundError) Error() string {
	return fmt.Sprintf("queue not found: %s", e.Queue)
}

// ConcurrencyConflictError is returned by the event store when an append's
// expected version does not match the stream's current version. The producer
// must re-read and retry.
type ConcurrencyConflictError struct {
	StreamID        string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, current version %d",
		e.StreamID, e.ExpectedVersion, e.CurrentVersion)
}

// CircuitOpenError is the fast-fail rejection while a breaker is open. The
// wrapped operation was never invoked.
type CircuitOpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry after %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

// HandlerError wraps a failure from a job handler or event subscriber
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %v", e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// RetriesExhaustedError marks a terminal job failure that was dead-lettered
type RetriesExhaustedError struct {
	JobID    string
	Attempts int
	LastErr  string
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("job %s exhausted %d attempts: %s", e.JobID, e.Attempts, e.LastErr)
}

// SagaCompensationError is raised when a saga's compensation path itself
// cannot complete. Never silently dropped - surfaced to the monitor.
type SagaCompensationError struct {
	SagaID string
	Step   string
	Err    error
}

func (e *SagaCompensationError) Error() string {
	return fmt.Sprintf("saga %s compensation failed at step %s: %v", e.SagaID, e.Step, e.Err)
}

func (e *SagaCompensationError) Unwrap() error { return e.Err }

// IsConcurrencyConflict reports whether err is a version conflict
func IsConcurrencyConflict(err error) bool {
	var conflict *ConcurrencyConflictError
	return errors.As(err, &conflict)
}

// IsCircuitOpen reports whether err is a breaker fast-fail
func IsCircuitOpen(err error) bool {
	var open *CircuitOpenError
	return errors.As(err, &open)
}

// IsQueueNotFound reports whether err targets an unknown queue
func IsQueueNotFound(err error) bool {
	var notFound *QueueNotFoundError
	return errors.As(err, &notFound)
}

// IsValidation reports whether err is an input validation rejection
func IsValidation(err error) bool {
	var invalid *ValidationError
	return errors.As(err, &invalid)
}
