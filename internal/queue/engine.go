package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/monitor"
	"github.com/ternarybob/perago/internal/resilience"
)

// Engine implements the QueueService interface: named queues, bounded worker
// pools, retry/backoff, circuit breakers and dead-lettering, all backed by
// durable job storage.
type Engine struct {
	logger      arbor.ILogger
	config      *common.Config
	storage     interfaces.StorageManager
	monitor     *monitor.Service
	deadLetters *DeadLetterService

	mu        sync.RWMutex
	queues    map[string]*Queue
	notifiers []interfaces.JobNotifier
	started   bool

	// dedupeMu serializes the dedupe-key check-then-insert in AddJob
	dedupeMu sync.Mutex

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a stopped engine. Register queues, then Start.
func NewEngine(logger arbor.ILogger, config *common.Config, storage interfaces.StorageManager, mon *monitor.Service, deadLetters *DeadLetterService) *Engine {
	return &Engine{
		logger:      logger,
		config:      config,
		storage:     storage,
		monitor:     mon,
		deadLetters: deadLetters,
		queues:      make(map[string]*Queue),
	}
}

// CreateQueue registers a named queue. Idempotent: an existing registration
// wins and the new handler/options are ignored.
func (e *Engine) CreateQueue(name string, handler interfaces.JobHandler, opts models.JobOptions) error {
	if name == "" {
		return &models.ValidationError{Field: "name", Reason: "queue name is required"}
	}
	if handler == nil {
		return &models.ValidationError{Field: "handler", Reason: "queue handler is required"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.queues[name]; exists {
		return nil
	}

	breaker := resilience.NewCircuitBreaker("queue-"+name, resilience.BreakerConfig{
		ErrorThresholdPercentage: e.config.Breaker.ErrorThresholdPercentage,
		MonitoringWindow:         common.ParseDuration(e.config.Breaker.MonitoringWindow, time.Minute),
		ResetTimeout:             common.ParseDuration(e.config.Breaker.ResetTimeout, 30*time.Second),
		MinimumCalls:             e.config.Breaker.MinimumCalls,
		HalfOpenSuccesses:        e.config.Breaker.HalfOpenSuccesses,
	}, e.logger)
	breaker.OnStateChange(func(name string, from, to resilience.BreakerState) {
		e.monitor.BreakerStateChanged(name, string(from), string(to))
	})

	q := &Queue{
		name:     name,
		handler:  handler,
		defaults: mergeOptions(engineDefaults(&e.config.Queue), &opts),
		breaker:  breaker,
	}
	e.queues[name] = q

	e.logger.Info().
		Str("queue", name).
		Int("max_attempts", q.defaults.MaxAttempts).
		Int("priority", q.defaults.Priority).
		Msg("Queue registered")

	// Late registration after Start still gets its workers
	if e.started {
		e.startWorkers(q)
	}

	return nil
}

// AddJob validates, merges options, applies dedupe and durably persists a
// job. The returned ID is final before any execution starts.
func (e *Engine) AddJob(ctx context.Context, queueName, jobName string, payload json.RawMessage, opts *models.JobOptions) (string, error) {
	q, err := e.getQueue(queueName)
	if err != nil {
		return "", err
	}
	if jobName == "" {
		return "", &models.ValidationError{Field: "name", Reason: "job name is required"}
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", &models.ValidationError{Field: "payload", Reason: "payload is not valid JSON"}
	}

	merged := mergeOptions(q.defaults, opts)

	if merged.DedupeKey != "" {
		// Two concurrent submissions with the same key must not both
		// persist; hold the lock through the insert below.
		e.dedupeMu.Lock()
		defer e.dedupeMu.Unlock()

		existing, err := e.storage.JobStorage().FindByDedupeKey(ctx, queueName, merged.DedupeKey)
		if err != nil {
			return "", fmt.Errorf("dedupe lookup failed: %w", err)
		}
		if existing != nil {
			e.logger.Debug().
				Str("queue", queueName).
				Str("dedupe_key", merged.DedupeKey).
				Str("job_id", existing.ID).
				Msg("Deduplicated job submission")
			return existing.ID, nil
		}
	}

	job := models.NewJob(queueName, jobName, payload, merged)
	if err := e.storage.JobStorage().SaveJob(ctx, job); err != nil {
		return "", err
	}

	e.notify(job, "")
	return job.ID, nil
}

// RemoveJob removes a waiting or delayed job. Active jobs run to completion.
func (e *Engine) RemoveJob(ctx context.Context, jobID string) error {
	job, err := e.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusWaiting && job.Status != models.JobStatusDelayed {
		return &models.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot remove job in state %s", job.Status),
		}
	}
	return e.storage.JobStorage().DeleteJob(ctx, jobID)
}

// GetQueueMetrics returns depth and counter metrics for one queue
func (e *Engine) GetQueueMetrics(ctx context.Context, queueName string) (*models.QueueMetrics, error) {
	q, err := e.getQueue(queueName)
	if err != nil {
		return nil, err
	}

	counts, err := e.storage.JobStorage().CountByStatus(ctx, queueName)
	if err != nil {
		return nil, err
	}

	return &models.QueueMetrics{
		Queue:        queueName,
		Waiting:      counts[models.JobStatusWaiting],
		Delayed:      counts[models.JobStatusDelayed],
		Active:       counts[models.JobStatusActive],
		Completed:    counts[models.JobStatusCompleted],
		Failed:       counts[models.JobStatusFailed],
		DeadLettered: counts[models.JobStatusDeadLettered],
		Processed:    q.processed.Load(),
		Retried:      q.retried.Load(),
		BreakerState: string(q.breaker.State()),
	}, nil
}

// QueueNames returns the registered queue names
func (e *Engine) QueueNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	return names
}

// OnJobEvent registers a lifecycle listener. Listeners must be fast; they
// run on the worker goroutine.
func (e *Engine) OnJobEvent(notifier interfaces.JobNotifier) {
	e.mu.Lock()
	e.notifiers = append(e.notifiers, notifier)
	e.mu.Unlock()
}

// Start launches worker pools and the maintenance schedule
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.started = true

	for _, q := range e.queues {
		e.startWorkers(q)
	}

	e.cron = cron.New()
	schedule := e.config.Queue.MaintenanceSchedule
	if schedule == "" {
		schedule = "@every 5s"
	}
	if _, err := e.cron.AddFunc(schedule, e.runMaintenance); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	e.cron.Start()

	e.logger.Info().
		Int("queues", len(e.queues)).
		Int("concurrency", e.config.Queue.Concurrency).
		Str("maintenance", schedule).
		Msg("Queue engine started")
	return nil
}

// Stop cancels workers and waits for in-flight jobs to finish or time out
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	if e.cron != nil {
		e.cron.Stop()
	}
	e.cancel()
	e.wg.Wait()

	e.logger.Info().Msg("Queue engine stopped")
	return nil
}

// startWorkers spawns the queue's worker pool. Callers must hold e.mu.
func (e *Engine) startWorkers(q *Queue) {
	concurrency := e.config.Queue.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(q, i)
	}
}

func (e *Engine) getQueue(name string) (*Queue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.queues[name]
	if !ok {
		return nil, &models.QueueNotFoundError{Queue: name}
	}
	return q, nil
}

// notify fans a lifecycle event out to all listeners, fire-and-forget
func (e *Engine) notify(job *models.Job, errMsg string) {
	e.mu.RLock()
	notifiers := e.notifiers
	e.mu.RUnlock()
	if len(notifiers) == 0 {
		return
	}

	event := models.JobLifecycleEvent{
		JobID:     job.ID,
		Queue:     job.QueueName,
		Name:      job.Name,
		Status:    job.Status,
		Attempts:  job.Attempts,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	for _, notifier := range notifiers {
		notifier(event)
	}
}
