package models

import (
	"encoding/json"
	"time"

	"github.com/ternarybob/perago/internal/common"
)

// JobStatus represents the lifecycle state of a queued job
type JobStatus string

const (
	JobStatusWaiting      JobStatus = "waiting"
	JobStatusDelayed      JobStatus = "delayed"
	JobStatusActive       JobStatus = "active"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusDeadLettered JobStatus = "dead_lettered"
)

// BackoffKind selects the retry delay computation
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// BackoffPolicy is data, not code. It is frozen onto a job at enqueue time so
// retries use the policy in effect when the job was created, not the engine's
// current default.
type BackoffPolicy struct {
	Kind       BackoffKind   `json:"kind"`
	Delay      time.Duration `json:"delay"`
	Multiplier float64       `json:"multiplier"`
	MaxDelay   time.Duration `json:"max_delay"`
	Jitter     bool          `json:"jitter"`
}

// JobOptions are call-site overrides merged over queue defaults, which merge
// over engine defaults. Zero values mean "inherit".
type JobOptions struct {
	Priority         int            `json:"priority"`
	MaxAttempts      int            `json:"max_attempts"`
	Delay            time.Duration  `json:"delay"`
	Timeout          time.Duration  `json:"timeout"`
	Backoff          *BackoffPolicy `json:"backoff,omitempty"`
	RemoveOnComplete int            `json:"remove_on_complete"`
	RemoveOnFail     int            `json:"remove_on_fail"`
	DedupeKey        string         `json:"dedupe_key,omitempty"`
	// Critical jobs that exhaust retries land on the escalation dead-letter
	// queue instead of manual review (payments, moderation).
	Critical bool `json:"critical"`
}

// Job is a unit of asynchronous work with retry/backoff semantics. The
// Attempts counter is the sole source of truth for retry exhaustion.
type Job struct {
	ID        string          `badgerhold:"key" json:"id"`
	QueueName string          `badgerhold:"index" json:"queue_name"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`

	Priority    int           `json:"priority"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffPolicy `json:"backoff"`
	Delay       time.Duration `json:"delay"`
	Timeout     time.Duration `json:"timeout"`

	DedupeKey        string `json:"dedupe_key,omitempty"`
	Critical         bool   `json:"critical"`
	RemoveOnComplete int    `json:"remove_on_complete"`
	RemoveOnFail     int    `json:"remove_on_fail"`

	Status       JobStatus `badgerhold:"index" json:"status"`
	Error        string    `json:"error,omitempty"`
	StalledCount int       `json:"stalled_count"`

	// RunAt is when the job becomes ready: enqueue time, enqueue+delay for
	// delayed jobs, or the backoff deadline after a failed attempt.
	RunAt time.Time `json:"run_at"`
	// LeaseExpiresAt bounds an active execution; an expired lease marks the
	// job as stalled.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	// Sequence breaks priority ties FIFO by enqueue order.
	Sequence int64 `json:"sequence"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a job in waiting (or delayed) state with merged options
// already applied by the engine.
func NewJob(queueName, name string, payload json.RawMessage, opts JobOptions) *Job {
	now := time.Now()
	status := JobStatusWaiting
	runAt := now
	if opts.Delay > 0 {
		status = JobStatusDelayed
		runAt = now.Add(opts.Delay)
	}

	backoff := BackoffPolicy{Kind: BackoffFixed, Delay: time.Second}
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}

	return &Job{
		ID:               common.NewJobID(),
		QueueName:        queueName,
		Name:             name,
		Payload:          payload,
		Priority:         opts.Priority,
		Attempts:         0,
		MaxAttempts:      opts.MaxAttempts,
		Backoff:          backoff,
		Delay:            opts.Delay,
		Timeout:          opts.Timeout,
		DedupeKey:        opts.DedupeKey,
		Critical:         opts.Critical,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		Status:           status,
		RunAt:            runAt,
		Sequence:         now.UnixNano(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// IsTerminal reports whether the job reached a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusDeadLettered
}

// IsReady reports whether the job can be claimed by a worker
func (j *Job) IsReady(now time.Time) bool {
	return j.Status == JobStatusWaiting && !j.RunAt.After(now)
}

// QueueMetrics is the read-side depth/counter snapshot for one queue
type QueueMetrics struct {
	Queue        string `json:"queue"`
	Waiting      int    `json:"waiting"`
	Delayed      int    `json:"delayed"`
	Active       int    `json:"active"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	DeadLettered int    `json:"dead_lettered"`
	Processed    uint64 `json:"processed"`
	Retried      uint64 `json:"retried"`
	BreakerState string `json:"breaker_state"`
}

// JobLifecycleEvent is a fire-and-forget notification emitted as a job moves
// through its states. Not required for correctness.
type JobLifecycleEvent struct {
	JobID     string    `json:"job_id"`
	Queue     string    `json:"queue"`
	Name      string    `json:"name"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
