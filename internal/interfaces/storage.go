package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/perago/internal/models"
)

// JobStorage persists jobs partitioned by state. All state transitions are
// atomic store operations - the in-memory engine never owns job state.
type JobStorage interface {
	// SaveJob persists a new job (waiting or delayed)
	SaveJob(ctx context.Context, job *models.Job) error

	// GetJob returns a job by ID
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// UpdateJob persists a mutated job
	UpdateJob(ctx context.Context, job *models.Job) error

	// DeleteJob removes a job
	DeleteJob(ctx context.Context, jobID string) error

	// ClaimNextJob atomically claims the highest-priority ready job in a
	// queue (FIFO within a priority class), marks it active and sets its
	// lease. Returns nil when nothing is ready.
	ClaimNextJob(ctx context.Context, queueName string, lease time.Duration) (*models.Job, error)

	// PromoteDelayed moves delayed jobs whose RunAt has passed to waiting.
	PromoteDelayed(ctx context.Context, queueName string, now time.Time) (int, error)

	// ReclaimStalled requeues active jobs with expired leases. Jobs that
	// stalled more than maxStalled times are returned for failure handling
	// instead of being requeued.
	ReclaimStalled(ctx context.Context, queueName string, now time.Time, maxStalled int) (requeued int, exhausted []*models.Job, err error)

	// FindByDedupeKey returns a waiting or delayed job carrying the key.
	FindByDedupeKey(ctx context.Context, queueName, dedupeKey string) (*models.Job, error)

	// CountByStatus returns per-state depths for a queue
	CountByStatus(ctx context.Context, queueName string) (map[models.JobStatus]int, error)

	// TrimCompleted drops the oldest completed jobs beyond keep
	TrimCompleted(ctx context.Context, queueName string, keep int) (int, error)

	// TrimFailed drops the oldest dead-lettered job records beyond keep
	TrimFailed(ctx context.Context, queueName string, keep int) (int, error)
}

// EventStorage is the append-only per-stream event log with optimistic
// concurrency and best-effort snapshots.
type EventStorage interface {
	// Append atomically appends a batch to one stream. Fails with
	// ConcurrencyConflictError when expectedVersion does not match the
	// stream's current version; either all events are recorded or none.
	Append(ctx context.Context, streamID string, events []*models.DomainEvent, expectedVersion int64) error

	// GetEvents returns a stream's events with Version > fromVersion in
	// ascending version order.
	GetEvents(ctx context.Context, streamID string, fromVersion int64) ([]*models.DomainEvent, error)

	// GetEventsByType returns events of one type from a timestamp onwards,
	// sorted by timestamp. Supports type-scoped projection rebuilds.
	GetEventsByType(ctx context.Context, eventType string, from time.Time) ([]*models.DomainEvent, error)

	// GetEventsByTimeRange returns events in [from, to] optionally filtered
	// by type, sorted by timestamp. Used for replay.
	GetEventsByTimeRange(ctx context.Context, from, to time.Time, types []string) ([]*models.DomainEvent, error)

	// StreamVersion returns the current version of a stream (0 for new)
	StreamVersion(ctx context.Context, streamID string) (int64, error)

	// SaveSnapshot stores a stream checkpoint (best-effort acceleration)
	SaveSnapshot(ctx context.Context, snapshot *models.Snapshot) error

	// GetSnapshot returns the latest snapshot for a stream, nil when absent
	GetSnapshot(ctx context.Context, streamID string) (*models.Snapshot, error)
}

// DeadLetterStorage holds jobs that exhausted their retries
type DeadLetterStorage interface {
	Add(ctx context.Context, entry *models.DeadLetter) error
	Get(ctx context.Context, id string) (*models.DeadLetter, error)
	List(ctx context.Context, queue models.DeadLetterQueue) ([]*models.DeadLetter, error)
	Remove(ctx context.Context, id string) error
}

// SagaStorage persists saga instances
type SagaStorage interface {
	SaveInstance(ctx context.Context, instance *models.SagaInstance) error
	GetInstance(ctx context.Context, sagaID string) (*models.SagaInstance, error)
	// FindActive returns the running or compensating instance for a
	// definition/correlation pair, nil when none exists.
	FindActive(ctx context.Context, definitionID, correlationKey string) (*models.SagaInstance, error)
	// FindByTriggerEvent returns the instance created by a trigger event,
	// regardless of state, nil when none exists. Dedupes replayed triggers.
	FindByTriggerEvent(ctx context.Context, eventID string) (*models.SagaInstance, error)
	ListByStatus(ctx context.Context, status models.SagaStatus) ([]*models.SagaInstance, error)
	// ListExpired returns running instances whose deadline has passed
	ListExpired(ctx context.Context, now time.Time) ([]*models.SagaInstance, error)
}

// StorageManager provides access to all storage interfaces
type StorageManager interface {
	JobStorage() JobStorage
	EventStorage() EventStorage
	DeadLetterStorage() DeadLetterStorage
	SagaStorage() SagaStorage
	Close() error
}
