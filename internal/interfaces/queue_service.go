package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/perago/internal/models"
)

// JobHandler executes one job. Errors are converted into retry or
// dead-letter decisions by the worker loop - they never crash the process.
type JobHandler func(ctx context.Context, job *models.Job) error

// JobNotifier receives fire-and-forget lifecycle notifications
type JobNotifier func(event models.JobLifecycleEvent)

// QueueService is the producer/consumer surface of the queue engine
type QueueService interface {
	// CreateQueue registers a named queue with its handler. Idempotent:
	// calling twice with the same name returns the existing queue's
	// registration. Registration happens at startup, not at request time.
	CreateQueue(name string, handler JobHandler, opts models.JobOptions) error

	// AddJob validates, merges options and durably persists a job, returning
	// its ID before execution ("durability before execution").
	AddJob(ctx context.Context, queueName, jobName string, payload json.RawMessage, opts *models.JobOptions) (string, error)

	// RemoveJob removes a waiting or delayed job. Active jobs cannot be
	// cancelled - they run to completion or timeout.
	RemoveJob(ctx context.Context, jobID string) error

	// GetQueueMetrics returns depth and counter metrics for a queue
	GetQueueMetrics(ctx context.Context, queueName string) (*models.QueueMetrics, error)

	// OnJobEvent registers a lifecycle notification listener
	OnJobEvent(notifier JobNotifier)

	Start() error
	Stop() error
}
