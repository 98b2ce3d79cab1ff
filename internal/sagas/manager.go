package sagas

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/monitor"
)

// Manager implements the SagaService interface: it subscribes each
// definition's trigger and step events with the event manager, advances
// correlated instances and runs backward compensation on failure.
type Manager struct {
	logger  arbor.ILogger
	storage interfaces.SagaStorage
	events  interfaces.EventManager
	monitor *monitor.Service
	config  common.SagaConfig

	// mu guards instance transitions; commands are published after release
	// so dispatch cannot re-enter a held lock.
	mu          sync.Mutex
	definitions map[string]*models.SagaDefinition
}

// NewManager creates a saga manager bound to the shared event manager
func NewManager(logger arbor.ILogger, storage interfaces.SagaStorage, events interfaces.EventManager, mon *monitor.Service, config common.SagaConfig) *Manager {
	return &Manager{
		logger:      logger,
		storage:     storage,
		events:      events,
		monitor:     mon,
		config:      config,
		definitions: make(map[string]*models.SagaDefinition),
	}
}

// Register validates a definition and subscribes its event types
func (m *Manager) Register(def *models.SagaDefinition) error {
	if def.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "saga definition ID is required"}
	}
	if def.Trigger == "" {
		return &models.ValidationError{Field: "trigger", Reason: "trigger event type is required"}
	}
	if len(def.Steps) == 0 {
		return &models.ValidationError{Field: "steps", Reason: "at least one step is required"}
	}
	for i, step := range def.Steps {
		if step.Name == "" || step.Command == "" || step.SuccessEvent == "" {
			return &models.ValidationError{
				Field:  fmt.Sprintf("steps[%d]", i),
				Reason: "name, command and success_event are required",
			}
		}
	}
	if def.CompensationStrategy == "" {
		def.CompensationStrategy = models.CompensationBackward
	}
	if def.Timeout <= 0 {
		def.Timeout = common.ParseDuration(m.config.DefaultTimeout, 10*time.Minute)
	}

	m.mu.Lock()
	if _, exists := m.definitions[def.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("saga definition already registered: %s", def.ID)
	}
	m.definitions[def.ID] = def
	m.mu.Unlock()

	m.events.RegisterHandler(def.Trigger, func(ctx context.Context, event *models.DomainEvent) error {
		return m.onTrigger(ctx, def, event)
	})
	for i := range def.Steps {
		idx := i
		m.events.RegisterHandler(def.Steps[i].SuccessEvent, func(ctx context.Context, event *models.DomainEvent) error {
			return m.onStepSuccess(ctx, def, idx, event)
		})
		if def.Steps[i].FailureEvent != "" {
			m.events.RegisterHandler(def.Steps[i].FailureEvent, func(ctx context.Context, event *models.DomainEvent) error {
				return m.onStepFailure(ctx, def, idx, event)
			})
		}
	}

	m.logger.Info().
		Str("saga", def.ID).
		Str("trigger", def.Trigger).
		Int("steps", len(def.Steps)).
		Dur("timeout", def.Timeout).
		Msg("Saga definition registered")
	return nil
}

// GetInstance returns one instance by ID
func (m *Manager) GetInstance(ctx context.Context, sagaID string) (*models.SagaInstance, error) {
	return m.storage.GetInstance(ctx, sagaID)
}

// ListByStatus returns instances in a given state
func (m *Manager) ListByStatus(ctx context.Context, status models.SagaStatus) ([]*models.SagaInstance, error) {
	return m.storage.ListByStatus(ctx, status)
}

// Abort fails a running instance and triggers its compensation
func (m *Manager) Abort(ctx context.Context, sagaID, reason string) error {
	m.mu.Lock()
	instance, err := m.storage.GetInstance(ctx, sagaID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if instance.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("saga %s is already %s", sagaID, instance.Status)
	}
	def, ok := m.definitions[instance.DefinitionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("saga definition not registered: %s", instance.DefinitionID)
	}

	commands, err := m.failInstance(ctx, def, instance, fmt.Sprintf("aborted: %s", reason))
	m.mu.Unlock()

	m.publishCommands(ctx, commands)
	m.settleFailure(ctx, instance)
	return err
}

// SweepTimeouts fails and compensates instances past their deadline
func (m *Manager) SweepTimeouts(ctx context.Context) (int, error) {
	expired, err := m.storage.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, instance := range expired {
		m.mu.Lock()
		def, ok := m.definitions[instance.DefinitionID]
		if !ok {
			m.mu.Unlock()
			continue
		}
		commands, failErr := m.failInstance(ctx, def, instance, "saga timed out")
		m.mu.Unlock()

		m.publishCommands(ctx, commands)
		m.settleFailure(ctx, instance)
		if failErr != nil {
			m.logger.Error().Err(failErr).Str("saga_id", instance.ID).Msg("Timeout sweep failed for instance")
			continue
		}
		swept++
	}

	if swept > 0 {
		m.logger.Warn().Int("swept", swept).Msg("Timed-out sagas compensated")
	}
	return swept, nil
}

// onTrigger creates an instance for a new correlation key and starts step 0
func (m *Manager) onTrigger(ctx context.Context, def *models.SagaDefinition, event *models.DomainEvent) error {
	key, err := m.correlationKey(def, event)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prior, err := m.storage.FindByTriggerEvent(ctx, event.ID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if prior != nil {
		// Replayed trigger: the instance it created already exists,
		// terminal or not. Replay never starts a second run.
		m.mu.Unlock()
		return nil
	}
	existing, err := m.storage.FindActive(ctx, def.ID, key)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if existing != nil {
		// Trigger redelivery for an already-running instance
		m.mu.Unlock()
		return nil
	}

	instance := models.NewSagaInstance(def.ID, key, def.Timeout)
	instance.TriggerEventID = event.ID
	command := m.startStep(def, instance, 0, event)
	if err := m.storage.SaveInstance(ctx, instance); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.monitor.SagaTriggered(def.ID)
	m.logger.Info().
		Str("saga_id", instance.ID).
		Str("saga", def.ID).
		Str("correlation_key", key).
		Msg("Saga started")

	m.publishCommands(ctx, []*models.DomainEvent{command})
	return nil
}

// onStepSuccess advances past a completed step or completes the saga
func (m *Manager) onStepSuccess(ctx context.Context, def *models.SagaDefinition, stepIdx int, event *models.DomainEvent) error {
	key, err := m.correlationKey(def, event)
	if err != nil {
		return err
	}

	m.mu.Lock()
	instance, err := m.storage.FindActive(ctx, def.ID, key)
	if err != nil || instance == nil {
		m.mu.Unlock()
		return err
	}
	if instance.Status != models.SagaStatusRunning || instance.CurrentStep != stepIdx {
		// Stale or out-of-order resolution event
		m.mu.Unlock()
		return nil
	}

	m.closeStepRecord(instance, stepIdx, models.StepStatusCompleted, "")
	instance.CurrentStep++

	var command *models.DomainEvent
	if instance.CurrentStep >= len(def.Steps) {
		instance.Status = models.SagaStatusCompleted
	} else {
		command = m.startStep(def, instance, instance.CurrentStep, event)
	}

	if err := m.storage.SaveInstance(ctx, instance); err != nil {
		m.mu.Unlock()
		return err
	}
	completed := instance.Status == models.SagaStatusCompleted
	sagaID := instance.ID
	m.mu.Unlock()

	if completed {
		m.logger.Info().Str("saga_id", sagaID).Str("saga", def.ID).Msg("Saga completed")
	}
	if command != nil {
		m.publishCommands(ctx, []*models.DomainEvent{command})
	}
	return nil
}

// onStepFailure fails the current step and runs the compensation strategy
func (m *Manager) onStepFailure(ctx context.Context, def *models.SagaDefinition, stepIdx int, event *models.DomainEvent) error {
	key, err := m.correlationKey(def, event)
	if err != nil {
		return err
	}

	m.mu.Lock()
	instance, err := m.storage.FindActive(ctx, def.ID, key)
	if err != nil || instance == nil {
		m.mu.Unlock()
		return err
	}
	if instance.Status != models.SagaStatusRunning || instance.CurrentStep != stepIdx {
		m.mu.Unlock()
		return nil
	}

	reason := fmt.Sprintf("step %s failed: %s", def.Steps[stepIdx].Name, event.Type)
	m.closeStepRecord(instance, stepIdx, models.StepStatusFailed, reason)
	commands, failErr := m.failInstance(ctx, def, instance, reason)
	m.mu.Unlock()

	m.publishCommands(ctx, commands)
	m.settleFailure(ctx, instance)
	return failErr
}

// failInstance compensates completed steps in reverse and persists the
// outcome. Callers must hold m.mu; returned commands are published after
// release. When compensation commands were built the instance is saved
// `compensating` and reaches `failed` only via settleFailure, after the
// commands are out.
func (m *Manager) failInstance(ctx context.Context, def *models.SagaDefinition, instance *models.SagaInstance, reason string) ([]*models.DomainEvent, error) {
	instance.Error = reason

	var commands []*models.DomainEvent
	if def.CompensationStrategy == models.CompensationBackward {
		for i := len(instance.StepHistory) - 1; i >= 0; i-- {
			record := &instance.StepHistory[i]
			if record.Status != models.StepStatusCompleted {
				continue
			}
			step := def.Steps[record.Index]
			if step.Compensation == "" {
				// Nothing to undo for this step, but the compensation pass
				// could not fully reverse the process.
				instance.CompensationIncomplete = true
				m.monitor.RecordError("saga:"+def.ID, &models.SagaCompensationError{
					SagaID: instance.ID,
					Step:   step.Name,
					Err:    fmt.Errorf("no compensation event defined"),
				})
				continue
			}
			commands = append(commands, m.buildCommand(def, instance, step.Compensation, nil))
			now := time.Now()
			record.Status = models.StepStatusCompensated
			record.CompletedAt = &now
		}
		m.monitor.SagaCompensated(def.ID)
	}

	instance.Status = models.SagaStatusFailed
	if len(commands) > 0 {
		instance.Status = models.SagaStatusCompensating
	}
	if err := m.storage.SaveInstance(ctx, instance); err != nil {
		return commands, err
	}

	m.logger.Warn().
		Str("saga_id", instance.ID).
		Str("saga", def.ID).
		Str("reason", reason).
		Int("compensations", len(commands)).
		Bool("compensation_incomplete", instance.CompensationIncomplete).
		Msg("Saga failed")
	return commands, nil
}

// settleFailure moves a compensating instance to its terminal failed state
// once its compensation commands have been published.
func (m *Manager) settleFailure(ctx context.Context, instance *models.SagaInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if instance.Status == models.SagaStatusFailed {
		return
	}
	instance.Status = models.SagaStatusFailed
	if err := m.storage.SaveInstance(ctx, instance); err != nil {
		m.logger.Error().Err(err).Str("saga_id", instance.ID).Msg("Failed to settle compensated saga")
	}
}

// startStep records a started step and builds its command. Callers must hold
// m.mu.
func (m *Manager) startStep(def *models.SagaDefinition, instance *models.SagaInstance, stepIdx int, cause *models.DomainEvent) *models.DomainEvent {
	step := def.Steps[stepIdx]
	instance.StepHistory = append(instance.StepHistory, models.SagaStepRecord{
		Index:     stepIdx,
		Name:      step.Name,
		Status:    models.StepStatusStarted,
		StartedAt: time.Now(),
	})
	return m.buildCommand(def, instance, step.Command, cause)
}

// buildCommand emits onto the saga's own command stream with an explicit
// version so replays cannot double-append. Callers must hold m.mu.
func (m *Manager) buildCommand(def *models.SagaDefinition, instance *models.SagaInstance, eventType string, cause *models.DomainEvent) *models.DomainEvent {
	var data json.RawMessage
	causationID := ""
	if cause != nil {
		data = cause.Data
		causationID = cause.ID
	}

	command := models.NewDomainEvent(eventType, "saga", instance.ID, data, models.EventMetadata{
		CorrelationID: instance.CorrelationKey,
		CausationID:   causationID,
		Source:        "saga:" + def.ID,
	})
	instance.EmittedVersion++
	command.Version = instance.EmittedVersion
	return command
}

// publishCommands publishes saga commands outside the instance lock.
// Publish failures are recorded, never retried through the saga itself.
func (m *Manager) publishCommands(ctx context.Context, commands []*models.DomainEvent) {
	for _, command := range commands {
		if command == nil {
			continue
		}
		if err := m.events.PublishEvent(ctx, command); err != nil {
			m.monitor.RecordError("saga-command", err)
			m.logger.Error().
				Err(err).
				Str("type", command.Type).
				Str("stream_id", command.StreamID).
				Msg("Failed to publish saga command")
		}
	}
}

// closeStepRecord resolves the newest history record for a step index
func (m *Manager) closeStepRecord(instance *models.SagaInstance, stepIdx int, status models.SagaStepStatus, errMsg string) {
	for i := len(instance.StepHistory) - 1; i >= 0; i-- {
		record := &instance.StepHistory[i]
		if record.Index != stepIdx {
			continue
		}
		now := time.Now()
		record.Status = status
		record.CompletedAt = &now
		record.Error = errMsg
		return
	}
}

// correlationKey extracts the instance key: the definition's correlation
// property from event data, falling back to metadata correlation_id.
func (m *Manager) correlationKey(def *models.SagaDefinition, event *models.DomainEvent) (string, error) {
	if def.CorrelationProperty != "" && len(event.Data) > 0 {
		var fields map[string]interface{}
		if err := json.Unmarshal(event.Data, &fields); err == nil {
			if raw, ok := fields[def.CorrelationProperty]; ok {
				switch v := raw.(type) {
				case string:
					if v != "" {
						return v, nil
					}
				case float64:
					return fmt.Sprintf("%v", v), nil
				}
			}
		}
	}

	if event.Metadata.CorrelationID != "" {
		return event.Metadata.CorrelationID, nil
	}
	return "", fmt.Errorf("event %s carries no correlation key for saga %s", event.ID, def.ID)
}
