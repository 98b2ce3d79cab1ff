package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewEventID generates a unique event ID with the "evt_" prefix
func NewEventID() string {
	return "evt_" + uuid.New().String()
}

// NewSagaID generates a unique saga instance ID with the "saga_" prefix
func NewSagaID() string {
	return "saga_" + uuid.New().String()
}

// NewDeadLetterID generates a unique dead-letter entry ID with the "dl_" prefix
func NewDeadLetterID() string {
	return "dl_" + uuid.New().String()
}
