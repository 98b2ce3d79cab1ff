package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/monitor"
	"golang.org/x/time/rate"
)

// autoVersionRetries bounds the re-read loop when auto-assigning versions
// under concurrent publishers.
const autoVersionRetries = 5

// Manager implements the EventManager interface: durable append first, then
// ordered local dispatch, then best-effort external fan-out.
type Manager struct {
	logger   arbor.ILogger
	storage  interfaces.EventStorage
	monitor  *monitor.Service
	registry *registry

	transports []interfaces.Transport
	limiter    *rate.Limiter // nil means unlimited fan-out
}

// NewManager creates an event manager. fanoutRatePerSec of 0 disables
// transport rate limiting.
func NewManager(logger arbor.ILogger, storage interfaces.EventStorage, mon *monitor.Service, fanoutRatePerSec float64) *Manager {
	var limiter *rate.Limiter
	if fanoutRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(fanoutRatePerSec), int(fanoutRatePerSec)+1)
	}

	return &Manager{
		logger:   logger,
		storage:  storage,
		monitor:  mon,
		registry: newRegistry(),
		limiter:  limiter,
	}
}

func (m *Manager) RegisterProjection(projection interfaces.Projection) {
	m.registry.addProjection(projection)
	m.logger.Info().
		Str("projection", projection.Name()).
		Strs("types", projection.EventTypes()).
		Msg("Projection registered")
}

func (m *Manager) RegisterHandler(eventType string, handler interfaces.EventHandler) {
	m.registry.addHandler(eventType, handler)
}

func (m *Manager) RegisterTransport(transport interfaces.Transport) {
	m.transports = append(m.transports, transport)
	m.logger.Info().Str("transport", transport.Name()).Msg("Transport registered")
}

// PublishEvent appends one event durably, then dispatches it. An explicit
// Version demands exactly that slot; Version 0 takes the stream's next.
func (m *Manager) PublishEvent(ctx context.Context, event *models.DomainEvent) error {
	if err := m.validate(event); err != nil {
		return err
	}

	if err := m.appendOne(ctx, event); err != nil {
		return err
	}

	m.monitor.EventPublished(event.Type)
	m.dispatchLocal(ctx, event)
	m.dispatchTransports(ctx, event)
	return nil
}

// PublishEvents appends a batch grouped by stream, preserving input order
// within each stream. Dispatch starts only after the appends; events that
// made it into the store are dispatched even when a later stream fails,
// because appended facts are never rolled back.
func (m *Manager) PublishEvents(ctx context.Context, events []*models.DomainEvent) error {
	for _, event := range events {
		if err := m.validate(event); err != nil {
			return err
		}
	}

	byStream := make(map[string][]*models.DomainEvent)
	order := make([]string, 0)
	for _, event := range events {
		if _, seen := byStream[event.StreamID]; !seen {
			order = append(order, event.StreamID)
		}
		byStream[event.StreamID] = append(byStream[event.StreamID], event)
	}

	appended := make([]*models.DomainEvent, 0, len(events))
	var appendErr error
	for _, streamID := range order {
		batch := byStream[streamID]
		if err := m.appendBatch(ctx, streamID, batch); err != nil {
			appendErr = err
			break
		}
		appended = append(appended, batch...)
	}

	for _, event := range appended {
		m.monitor.EventPublished(event.Type)
		m.dispatchLocal(ctx, event)
		m.dispatchTransports(ctx, event)
	}
	return appendErr
}

// ReplayEvents re-emits stored events through the local dispatch path only.
// Transports never see replays.
func (m *Manager) ReplayEvents(ctx context.Context, from, to time.Time, types []string) (int, error) {
	stored, err := m.storage.GetEventsByTimeRange(ctx, from, to, types)
	if err != nil {
		return 0, err
	}

	for _, event := range stored {
		m.dispatchLocal(ctx, event)
	}

	m.logger.Info().
		Int("events", len(stored)).
		Strs("types", types).
		Msg("Replay complete")
	return len(stored), nil
}

// RebuildProjection resets the projection and folds its event types back in
// from the beginning of time.
func (m *Manager) RebuildProjection(ctx context.Context, name string) error {
	projection, ok := m.registry.projection(name)
	if !ok {
		return fmt.Errorf("projection not registered: %s", name)
	}

	if err := projection.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset projection %s: %w", name, err)
	}

	stored, err := m.storage.GetEventsByTimeRange(ctx, time.Time{}, time.Time{}, projection.EventTypes())
	if err != nil {
		return err
	}

	for _, event := range stored {
		if err := projection.Handle(ctx, event); err != nil {
			return &models.HandlerError{Handler: name, Err: err}
		}
		m.monitor.ProjectionUpdated(name)
	}

	m.logger.Info().
		Str("projection", name).
		Int("events", len(stored)).
		Msg("Projection rebuilt")
	return nil
}

// GetEventStream returns an aggregate's full history in version order
func (m *Manager) GetEventStream(ctx context.Context, aggregateType, aggregateID string) ([]*models.DomainEvent, error) {
	return m.storage.GetEvents(ctx, models.StreamID(aggregateType, aggregateID), 0)
}

func (m *Manager) SaveSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	return m.storage.SaveSnapshot(ctx, snapshot)
}

func (m *Manager) GetSnapshot(ctx context.Context, aggregateType, aggregateID string) (*models.Snapshot, error) {
	return m.storage.GetSnapshot(ctx, models.StreamID(aggregateType, aggregateID))
}

func (m *Manager) Close() error {
	var firstErr error
	for _, transport := range m.transports {
		if err := transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) validate(event *models.DomainEvent) error {
	if event == nil {
		return &models.ValidationError{Field: "event", Reason: "event is required"}
	}
	if event.Type == "" {
		return &models.ValidationError{Field: "type", Reason: "event type is required"}
	}
	if event.AggregateType == "" {
		return &models.ValidationError{Field: "aggregate_type", Reason: "aggregate type is required"}
	}
	if event.AggregateID == "" {
		return &models.ValidationError{Field: "aggregate_id", Reason: "aggregate ID is required"}
	}

	// Fill in what NewDomainEvent would have for hand-built events
	if event.ID == "" {
		event.ID = "evt_" + uuid.New().String()
	}
	if event.StreamID == "" {
		event.StreamID = models.StreamID(event.AggregateType, event.AggregateID)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return nil
}

// appendOne appends a single event, auto-assigning the version when the
// caller left it at 0.
func (m *Manager) appendOne(ctx context.Context, event *models.DomainEvent) error {
	if event.Version > 0 {
		return m.storage.Append(ctx, event.StreamID, []*models.DomainEvent{event}, event.Version-1)
	}

	var lastErr error
	for i := 0; i < autoVersionRetries; i++ {
		current, err := m.storage.StreamVersion(ctx, event.StreamID)
		if err != nil {
			return err
		}
		lastErr = m.storage.Append(ctx, event.StreamID, []*models.DomainEvent{event}, current)
		if lastErr == nil {
			return nil
		}
		if !models.IsConcurrencyConflict(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// appendBatch appends one stream's slice of a batch atomically
func (m *Manager) appendBatch(ctx context.Context, streamID string, batch []*models.DomainEvent) error {
	if batch[0].Version > 0 {
		return m.storage.Append(ctx, streamID, batch, batch[0].Version-1)
	}

	var lastErr error
	for i := 0; i < autoVersionRetries; i++ {
		current, err := m.storage.StreamVersion(ctx, streamID)
		if err != nil {
			return err
		}
		lastErr = m.storage.Append(ctx, streamID, batch, current)
		if lastErr == nil {
			return nil
		}
		if !models.IsConcurrencyConflict(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// dispatchLocal delivers to projections and handlers in registration order
// with per-subscriber error containment. A failing subscriber never blocks
// the rest and never rolls back the append.
func (m *Manager) dispatchLocal(ctx context.Context, event *models.DomainEvent) {
	for _, sub := range m.registry.matching(event.Type) {
		if err := sub.handle(ctx, event); err != nil {
			m.monitor.HandlerError(sub.name)
			m.monitor.RecordError(sub.name, err)
			m.logger.Error().
				Err(err).
				Str("subscriber", sub.name).
				Str("event_id", event.ID).
				Str("type", event.Type).
				Msg("Subscriber failed")
			continue
		}

		m.monitor.EventDispatched(sub.name)
		if sub.projection != nil {
			m.monitor.ProjectionUpdated(sub.name)
		}
	}
}

// dispatchTransports fans out to external adapters, best-effort and
// rate-limited
func (m *Manager) dispatchTransports(ctx context.Context, event *models.DomainEvent) {
	for _, transport := range m.transports {
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := transport.Send(ctx, event); err != nil {
			m.monitor.TransportError(transport.Name())
			m.monitor.RecordError("transport:"+transport.Name(), err)
			m.logger.Warn().
				Err(err).
				Str("transport", transport.Name()).
				Str("event_id", event.ID).
				Msg("Transport send failed")
		}
	}
}
