package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/perago/internal/models"
)

// EventHandler is an ad-hoc subscriber for one event type
type EventHandler func(ctx context.Context, event *models.DomainEvent) error

// Projection derives a read model by folding a subset of event types.
// Handlers must be idempotent or dedupe by event ID - replay re-delivers.
type Projection interface {
	// Name identifies the projection for rebuild and metrics
	Name() string
	// EventTypes returns the subscribed types; empty means all events
	EventTypes() []string
	// Handle folds one event into the read model
	Handle(ctx context.Context, event *models.DomainEvent) error
	// Reset clears the read model ahead of a rebuild
	Reset(ctx context.Context) error
}

// Transport is an external fan-out adapter (broker topic, streaming log,
// pub/sub channel). Sends are best-effort: failures are logged and counted
// but never block local dispatch or roll back the durable append.
type Transport interface {
	Name() string
	Send(ctx context.Context, event *models.DomainEvent) error
	Close() error
}

// EventManager publishes domain events durably and dispatches them to the
// registered subscribers and transports.
type EventManager interface {
	// PublishEvent appends the event to the store first, then dispatches.
	// Returns ConcurrencyConflictError on an expectedVersion mismatch.
	PublishEvent(ctx context.Context, event *models.DomainEvent) error

	// PublishEvents batches by stream preserving per-stream version order;
	// dispatch happens after all streams are durably appended.
	PublishEvents(ctx context.Context, events []*models.DomainEvent) error

	// RegisterProjection adds a projection subscriber (startup only)
	RegisterProjection(projection Projection)

	// RegisterHandler adds an ad-hoc subscriber for one event type
	RegisterHandler(eventType string, handler EventHandler)

	// RegisterTransport adds an external fan-out adapter
	RegisterTransport(transport Transport)

	// ReplayEvents re-emits historical events through the local dispatch
	// path (projections and handlers; never transports), sorted by
	// timestamp. Returns the number of events replayed.
	ReplayEvents(ctx context.Context, from, to time.Time, types []string) (int, error)

	// RebuildProjection resets a projection and replays its event types
	RebuildProjection(ctx context.Context, name string) error

	// GetEventStream returns all events of one aggregate in version order
	GetEventStream(ctx context.Context, aggregateType, aggregateID string) ([]*models.DomainEvent, error)

	// SaveSnapshot stores a best-effort stream checkpoint
	SaveSnapshot(ctx context.Context, snapshot *models.Snapshot) error

	// GetSnapshot returns the latest checkpoint for an aggregate, nil when
	// absent
	GetSnapshot(ctx context.Context, aggregateType, aggregateID string) (*models.Snapshot, error)

	Close() error
}
