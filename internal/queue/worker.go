package queue

import (
	"context"
	"time"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/resilience"
)

// runWorker is one worker goroutine's claim/execute loop. Workers in a pool
// start staggered so an idle pool does not poll in lockstep.
func (e *Engine) runWorker(q *Queue, slot int) {
	defer e.wg.Done()

	pollInterval := common.ParseDuration(e.config.Queue.PollInterval, 250*time.Millisecond)
	concurrency := e.config.Queue.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	stagger := time.Duration(slot) * pollInterval / time.Duration(concurrency)
	select {
	case <-e.ctx.Done():
		return
	case <-time.After(stagger):
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			// Drain ready jobs before going back to sleep
			for e.processNext(q) {
				if e.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processNext claims and executes one job. Returns false when there is no
// work or the breaker blocks claiming.
func (e *Engine) processNext(q *Queue) bool {
	// Do not claim work that would only fail fast against an open breaker
	if !q.breaker.Allow() {
		return false
	}

	lease := e.leaseDuration(q)
	job, err := e.storage.JobStorage().ClaimNextJob(e.ctx, q.name, lease)
	if err != nil {
		e.logger.Error().Err(err).Str("queue", q.name).Msg("Failed to claim job")
		return false
	}
	if job == nil {
		return false
	}

	e.executeJob(q, job)
	return true
}

// leaseDuration bounds one execution: handler timeout plus the stall grace
// period, so the reclaim sweep never races a live handler.
func (e *Engine) leaseDuration(q *Queue) time.Duration {
	timeout := q.defaults.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return timeout + common.ParseDuration(e.config.Queue.StalledInterval, 30*time.Second)
}

func (e *Engine) executeJob(q *Queue, job *models.Job) {
	e.notify(job, "")

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = q.defaults.Timeout
	}
	jobCtx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	start := time.Now()
	err := q.breaker.Fire(jobCtx, func(ctx context.Context) error {
		return q.handler(ctx, job)
	})

	if err == nil {
		e.completeJob(q, job, time.Since(start))
		return
	}

	// A breaker that opened between Allow and Fire never invoked the
	// handler; the attempt does not count against the job.
	if models.IsCircuitOpen(err) {
		e.returnJob(q, job, err)
		return
	}

	e.failJob(q, job, err)
}

func (e *Engine) completeJob(q *Queue, job *models.Job, took time.Duration) {
	now := time.Now()
	job.Status = models.JobStatusCompleted
	job.Attempts++
	job.Error = ""
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil
	if err := e.storage.JobStorage().UpdateJob(e.ctx, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist completed job")
		return
	}

	q.processed.Add(1)
	e.monitor.JobProcessed(q.name)
	e.notify(job, "")

	e.logger.Debug().
		Str("job_id", job.ID).
		Str("queue", q.name).
		Dur("took", took).
		Msg("Job completed")
}

// returnJob puts a claimed job back in line without consuming an attempt
func (e *Engine) returnJob(q *Queue, job *models.Job, cause error) {
	job.Status = models.JobStatusWaiting
	job.LeaseExpiresAt = nil
	job.StartedAt = nil
	job.RunAt = time.Now()
	if err := e.storage.JobStorage().UpdateJob(e.ctx, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to return job to queue")
		return
	}

	e.logger.Debug().
		Str("job_id", job.ID).
		Str("queue", q.name).
		Err(cause).
		Msg("Job returned to queue, breaker open")
}

// failJob consumes an attempt, then either schedules a backoff retry or
// dead-letters the job. The Attempts counter alone decides exhaustion.
func (e *Engine) failJob(q *Queue, job *models.Job, cause error) {
	now := time.Now()
	job.Attempts++
	job.Error = cause.Error()
	job.LeaseExpiresAt = nil
	job.StartedAt = nil
	e.monitor.JobFailed(q.name)

	if job.Attempts >= job.MaxAttempts {
		e.deadLetterJob(q, job, cause)
		return
	}

	delay := resilience.NextDelay(job.Attempts, job.Backoff)
	job.Status = models.JobStatusDelayed
	job.RunAt = now.Add(delay)
	if err := e.storage.JobStorage().UpdateJob(e.ctx, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist retry")
		return
	}

	q.retried.Add(1)
	e.monitor.JobRetried(q.name)
	e.notify(job, job.Error)

	e.logger.Warn().
		Str("job_id", job.ID).
		Str("queue", q.name).
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Dur("retry_in", delay).
		Err(cause).
		Msg("Job failed, retry scheduled")
}

func (e *Engine) deadLetterJob(q *Queue, job *models.Job, cause error) {
	job.Status = models.JobStatusDeadLettered
	if err := e.storage.JobStorage().UpdateJob(e.ctx, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist dead-lettered job")
		return
	}

	reason := (&models.RetriesExhaustedError{
		JobID:    job.ID,
		Attempts: job.Attempts,
		LastErr:  job.Error,
	}).Error()
	if err := e.deadLetters.Add(e.ctx, job, reason); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to store dead letter")
	}

	e.monitor.JobDeadLettered(q.name)
	e.notify(job, job.Error)

	e.logger.Error().
		Str("job_id", job.ID).
		Str("queue", q.name).
		Int("attempts", job.Attempts).
		Bool("critical", job.Critical).
		Err(cause).
		Msg("Job dead-lettered")
}
