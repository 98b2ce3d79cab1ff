package badger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger. Claims are
// serialized with a mutex so a job can never be handed to two workers.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger

	// claimMu serializes ClaimNextJob and ReclaimStalled; every other
	// operation goes straight to the store.
	claimMu sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	// Dereference to keep a consistent stored type; badgerhold keys by type
	// name and *Job vs Job would create different prefixes.
	if err := s.db.Store().Insert(job.ID, *job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
		return fmt.Errorf("failed to save job: %w", err)
	}

	s.logger.Trace().
		Str("job_id", job.ID).
		Str("queue", job.QueueName).
		Str("status", string(job.Status)).
		Msg("Job saved")
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(job.ID, *job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("job not found: %s", jobID)
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// ClaimNextJob claims the highest-priority ready job: priority descending,
// FIFO within a priority class by enqueue sequence.
func (s *JobStorage) ClaimNextJob(ctx context.Context, queueName string, lease time.Duration) (*models.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	// Fetch waiting jobs and filter in memory; badgerhold composite queries
	// over time fields are unreliable, and per-queue waiting sets are small.
	var candidates []models.Job
	query := badgerhold.Where("QueueName").Eq(queueName).Index("QueueName").
		And("Status").Eq(models.JobStatusWaiting)
	if err := s.db.Store().Find(&candidates, query); err != nil {
		return nil, fmt.Errorf("failed to query waiting jobs: %w", err)
	}

	now := time.Now()
	ready := candidates[:0]
	for _, j := range candidates {
		if !j.RunAt.After(now) {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}

	sort.Slice(ready, func(i, k int) bool {
		if ready[i].Priority != ready[k].Priority {
			return ready[i].Priority > ready[k].Priority
		}
		return ready[i].Sequence < ready[k].Sequence
	})

	job := ready[0]
	started := now
	leaseExpiry := now.Add(lease)
	job.Status = models.JobStatusActive
	job.StartedAt = &started
	job.LeaseExpiresAt = &leaseExpiry
	job.UpdatedAt = now

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return &job, nil
}

func (s *JobStorage) PromoteDelayed(ctx context.Context, queueName string, now time.Time) (int, error) {
	var delayed []models.Job
	query := badgerhold.Where("QueueName").Eq(queueName).Index("QueueName").
		And("Status").Eq(models.JobStatusDelayed)
	if err := s.db.Store().Find(&delayed, query); err != nil {
		return 0, fmt.Errorf("failed to query delayed jobs: %w", err)
	}

	promoted := 0
	for _, j := range delayed {
		if j.RunAt.After(now) {
			continue
		}
		j.Status = models.JobStatusWaiting
		j.UpdatedAt = now
		if err := s.db.Store().Upsert(j.ID, j); err != nil {
			return promoted, fmt.Errorf("failed to promote job %s: %w", j.ID, err)
		}
		promoted++
	}

	return promoted, nil
}

func (s *JobStorage) ReclaimStalled(ctx context.Context, queueName string, now time.Time, maxStalled int) (int, []*models.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var active []models.Job
	query := badgerhold.Where("QueueName").Eq(queueName).Index("QueueName").
		And("Status").Eq(models.JobStatusActive)
	if err := s.db.Store().Find(&active, query); err != nil {
		return 0, nil, fmt.Errorf("failed to query active jobs: %w", err)
	}

	requeued := 0
	var exhausted []*models.Job
	for _, j := range active {
		if j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}

		j.StalledCount++
		j.LeaseExpiresAt = nil
		j.StartedAt = nil
		j.UpdatedAt = now

		if j.StalledCount > maxStalled {
			// Too many stalls: hand back for failure handling
			job := j
			exhausted = append(exhausted, &job)
			continue
		}

		j.Status = models.JobStatusWaiting
		j.RunAt = now
		if err := s.db.Store().Upsert(j.ID, j); err != nil {
			return requeued, exhausted, fmt.Errorf("failed to requeue stalled job %s: %w", j.ID, err)
		}
		requeued++
	}

	return requeued, exhausted, nil
}

func (s *JobStorage) FindByDedupeKey(ctx context.Context, queueName, dedupeKey string) (*models.Job, error) {
	if dedupeKey == "" {
		return nil, nil
	}

	var jobs []models.Job
	query := badgerhold.Where("QueueName").Eq(queueName).Index("QueueName").
		And("DedupeKey").Eq(dedupeKey)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query dedupe key: %w", err)
	}

	for _, j := range jobs {
		if j.Status == models.JobStatusWaiting || j.Status == models.JobStatusDelayed {
			job := j
			return &job, nil
		}
	}
	return nil, nil
}

func (s *JobStorage) CountByStatus(ctx context.Context, queueName string) (map[models.JobStatus]int, error) {
	var jobs []models.Job
	query := badgerhold.Where("QueueName").Eq(queueName).Index("QueueName")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	counts := make(map[models.JobStatus]int)
	for _, j := range jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *JobStorage) TrimCompleted(ctx context.Context, queueName string, keep int) (int, error) {
	return s.trimByStatus(queueName, models.JobStatusCompleted, keep)
}

func (s *JobStorage) TrimFailed(ctx context.Context, queueName string, keep int) (int, error) {
	return s.trimByStatus(queueName, models.JobStatusDeadLettered, keep)
}

// trimByStatus drops the oldest jobs in a terminal state beyond keep
func (s *JobStorage) trimByStatus(queueName string, status models.JobStatus, keep int) (int, error) {
	var jobs []models.Job
	query := badgerhold.Where("QueueName").Eq(queueName).Index("QueueName").
		And("Status").Eq(status)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return 0, fmt.Errorf("failed to query %s jobs: %w", status, err)
	}

	if len(jobs) <= keep {
		return 0, nil
	}

	// Newest first; everything past keep is dropped
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].UpdatedAt.After(jobs[k].UpdatedAt)
	})

	removed := 0
	for _, j := range jobs[keep:] {
		if err := s.db.Store().Delete(j.ID, models.Job{}); err != nil && err != badgerhold.ErrNotFound {
			return removed, fmt.Errorf("failed to trim job %s: %w", j.ID, err)
		}
		removed++
	}

	s.logger.Trace().
		Str("queue", queueName).
		Str("status", string(status)).
		Int("removed", removed).
		Msg("Trimmed terminal jobs")
	return removed, nil
}
