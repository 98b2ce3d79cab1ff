package queue

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
)

// DeadLetterService manages the manual-review and escalation queues. Entries
// stay inspectable until an operator requeues or discards them.
type DeadLetterService struct {
	logger  arbor.ILogger
	storage interfaces.StorageManager
}

// NewDeadLetterService creates a dead-letter service over the shared storage
func NewDeadLetterService(logger arbor.ILogger, storage interfaces.StorageManager) *DeadLetterService {
	return &DeadLetterService{
		logger:  logger,
		storage: storage,
	}
}

// Add stores a dead letter for a job that exhausted its retries. Critical
// jobs land on the escalation queue.
func (s *DeadLetterService) Add(ctx context.Context, job *models.Job, reason string) error {
	queue := models.DeadLetterManualReview
	if job.Critical {
		queue = models.DeadLetterEscalation
	}

	entry := &models.DeadLetter{
		ID:     common.NewDeadLetterID(),
		JobID:  job.ID,
		Queue:  queue,
		Job:    *job,
		Reason: reason,
		DeadAt: time.Now(),
	}
	return s.storage.DeadLetterStorage().Add(ctx, entry)
}

// Get returns one dead letter by ID
func (s *DeadLetterService) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	return s.storage.DeadLetterStorage().Get(ctx, id)
}

// List returns all entries on one inspection queue, oldest first
func (s *DeadLetterService) List(ctx context.Context, queue models.DeadLetterQueue) ([]*models.DeadLetter, error) {
	return s.storage.DeadLetterStorage().List(ctx, queue)
}

// Requeue re-injects the job into its original queue with a fresh attempt
// budget, then removes the entry.
func (s *DeadLetterService) Requeue(ctx context.Context, id string) (string, error) {
	entry, err := s.storage.DeadLetterStorage().Get(ctx, id)
	if err != nil {
		return "", err
	}

	now := time.Now()
	job := entry.Job
	job.Status = models.JobStatusWaiting
	job.Attempts = 0
	job.Error = ""
	job.StalledCount = 0
	job.LeaseExpiresAt = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.RunAt = now
	job.Sequence = now.UnixNano()

	if err := s.storage.JobStorage().UpdateJob(ctx, &job); err != nil {
		return "", err
	}
	if err := s.storage.DeadLetterStorage().Remove(ctx, id); err != nil {
		return "", err
	}

	s.logger.Info().
		Str("dead_letter_id", id).
		Str("job_id", job.ID).
		Str("queue", job.QueueName).
		Msg("Dead letter requeued")
	return job.ID, nil
}

// Discard permanently removes an entry. The job record stays dead-lettered
// until retention trims it.
func (s *DeadLetterService) Discard(ctx context.Context, id string) error {
	entry, err := s.storage.DeadLetterStorage().Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.storage.DeadLetterStorage().Remove(ctx, id); err != nil {
		return err
	}

	s.logger.Info().
		Str("dead_letter_id", id).
		Str("job_id", entry.JobID).
		Msg("Dead letter discarded")
	return nil
}
