package queue

import (
	"fmt"
	"time"

	"github.com/ternarybob/perago/internal/models"
)

// runMaintenance is one cron tick of periodic queue upkeep: promote due
// delayed jobs, reclaim stalled leases, trim terminal jobs and refresh
// depth gauges.
func (e *Engine) runMaintenance() {
	e.mu.RLock()
	queues := make([]*Queue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.RUnlock()

	now := time.Now()
	for _, q := range queues {
		e.maintainQueue(q, now)
	}
}

func (e *Engine) maintainQueue(q *Queue, now time.Time) {
	jobs := e.storage.JobStorage()

	promoted, err := jobs.PromoteDelayed(e.ctx, q.name, now)
	if err != nil {
		e.logger.Error().Err(err).Str("queue", q.name).Msg("Delayed promotion failed")
	} else if promoted > 0 {
		e.logger.Trace().Str("queue", q.name).Int("promoted", promoted).Msg("Promoted delayed jobs")
	}

	requeued, exhausted, err := jobs.ReclaimStalled(e.ctx, q.name, now, e.config.Queue.MaxStalledCount)
	if err != nil {
		e.logger.Error().Err(err).Str("queue", q.name).Msg("Stall reclaim failed")
	} else {
		if requeued > 0 {
			e.logger.Warn().Str("queue", q.name).Int("requeued", requeued).Msg("Requeued stalled jobs")
		}
		for _, job := range exhausted {
			e.failJob(q, job, fmt.Errorf("job stalled %d times, lease repeatedly expired", job.StalledCount))
		}
	}

	if _, err := jobs.TrimCompleted(e.ctx, q.name, q.defaults.RemoveOnComplete); err != nil {
		e.logger.Error().Err(err).Str("queue", q.name).Msg("Completed retention trim failed")
	}
	if _, err := jobs.TrimFailed(e.ctx, q.name, q.defaults.RemoveOnFail); err != nil {
		e.logger.Error().Err(err).Str("queue", q.name).Msg("Failed retention trim failed")
	}

	counts, err := jobs.CountByStatus(e.ctx, q.name)
	if err != nil {
		e.logger.Error().Err(err).Str("queue", q.name).Msg("Depth count failed")
		return
	}
	depths := make(map[models.JobStatus]int, len(counts))
	for status, n := range counts {
		depths[status] = n
	}
	e.monitor.RecordQueueDepth(q.name, depths)
}
