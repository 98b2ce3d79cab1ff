package models

import (
	"time"

	"github.com/ternarybob/perago/internal/common"
)

// SagaStatus represents the lifecycle state of a saga instance
type SagaStatus string

const (
	SagaStatusRunning      SagaStatus = "running"
	SagaStatusCompleted    SagaStatus = "completed"
	SagaStatusCompensating SagaStatus = "compensating"
	SagaStatusFailed       SagaStatus = "failed"
)

// CompensationStrategy selects how a saga reacts to a step failure
type CompensationStrategy string

const (
	// CompensationBackward compensates completed steps in reverse order
	CompensationBackward CompensationStrategy = "backward"
	// CompensationNone fails the instance without compensation
	CompensationNone CompensationStrategy = "none"
)

// SagaStep maps one step of a business process to its outbound command and
// the correlated events that resolve it.
type SagaStep struct {
	Name string `json:"name"`
	// Command is the event type emitted when the step starts.
	Command string `json:"command"`
	// SuccessEvent advances the saga past this step.
	SuccessEvent string `json:"success_event"`
	// FailureEvent fails the step and triggers the compensation strategy.
	FailureEvent string `json:"failure_event,omitempty"`
	// Compensation is the event type emitted to undo a completed step.
	Compensation string `json:"compensation,omitempty"`
}

// SagaDefinition is an ordered multi-step business process registered at
// startup. Instances are correlated by the CorrelationProperty value.
type SagaDefinition struct {
	ID string `json:"id"`
	// Trigger is the event type that creates a new instance.
	Trigger string `json:"trigger"`
	// CorrelationProperty names the field in event data used as the
	// correlation key; metadata correlation_id is the fallback.
	CorrelationProperty  string               `json:"correlation_property"`
	Steps                []SagaStep           `json:"steps"`
	CompensationStrategy CompensationStrategy `json:"compensation_strategy"`
	Timeout              time.Duration        `json:"timeout"`
}

// SagaStepStatus tracks one step within an instance's history
type SagaStepStatus string

const (
	StepStatusStarted     SagaStepStatus = "started"
	StepStatusCompleted   SagaStepStatus = "completed"
	StepStatusFailed      SagaStepStatus = "failed"
	StepStatusCompensated SagaStepStatus = "compensated"
)

// SagaStepRecord is the persisted history entry for one step execution
type SagaStepRecord struct {
	Index       int            `json:"index"`
	Name        string         `json:"name"`
	Status      SagaStepStatus `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// SagaInstance is one correlated run of a saga definition. Created on the
// first correlated event, advanced by subsequent ones, terminal on
// completion or exhausted compensation.
type SagaInstance struct {
	ID             string     `badgerhold:"key" json:"id"`
	DefinitionID   string     `badgerhold:"index" json:"definition_id"`
	CorrelationKey string     `badgerhold:"index" json:"correlation_key"`
	CurrentStep    int        `json:"current_step"`
	Status         SagaStatus `badgerhold:"index" json:"status"`

	// TriggerEventID is the event that created this instance. Replayed
	// triggers dedupe on it, terminal instances included.
	TriggerEventID string `badgerhold:"index" json:"trigger_event_id,omitempty"`

	StepHistory []SagaStepRecord `json:"step_history"`
	Error       string           `json:"error,omitempty"`
	// CompensationIncomplete marks instances whose compensation path itself
	// could not finish; these are surfaced for escalation.
	CompensationIncomplete bool `json:"compensation_incomplete,omitempty"`

	// EmittedVersion is the saga's own command stream version, advanced for
	// every command the manager emits.
	EmittedVersion int64 `json:"emitted_version"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deadline  time.Time `json:"deadline"`
}

// NewSagaInstance creates a running instance for a correlation key
func NewSagaInstance(definitionID, correlationKey string, timeout time.Duration) *SagaInstance {
	now := time.Now()
	return &SagaInstance{
		ID:             common.NewSagaID(),
		DefinitionID:   definitionID,
		CorrelationKey: correlationKey,
		CurrentStep:    0,
		Status:         SagaStatusRunning,
		StartedAt:      now,
		UpdatedAt:      now,
		Deadline:       now.Add(timeout),
	}
}

// IsTerminal reports whether the instance reached a terminal state
func (s *SagaInstance) IsTerminal() bool {
	return s.Status == SagaStatusCompleted || s.Status == SagaStatusFailed
}
