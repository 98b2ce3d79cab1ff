package models

import "time"

// DeadLetterQueue names the two logical inspection queues
type DeadLetterQueue string

const (
	DeadLetterManualReview DeadLetterQueue = "manual-review"
	DeadLetterEscalation   DeadLetterQueue = "escalation"
)

// DeadLetter holds a job that exhausted its retries. Entries are never
// silently dropped - they stay inspectable until requeued or discarded.
type DeadLetter struct {
	ID     string          `badgerhold:"key" json:"id"`
	JobID  string          `badgerhold:"index" json:"job_id"`
	Queue  DeadLetterQueue `badgerhold:"index" json:"queue"`
	Job    Job             `json:"job"`
	Reason string          `json:"reason"`
	DeadAt time.Time       `json:"dead_at"`
}
