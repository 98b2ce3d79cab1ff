package interfaces

import (
	"context"

	"github.com/ternarybob/perago/internal/models"
)

// SagaService orchestrates multi-step business processes with compensation
type SagaService interface {
	// Register adds a saga definition and subscribes its trigger and step
	// events with the event manager. Startup only.
	Register(def *models.SagaDefinition) error

	// GetInstance returns a saga instance by ID
	GetInstance(ctx context.Context, sagaID string) (*models.SagaInstance, error)

	// ListByStatus returns instances in a given state
	ListByStatus(ctx context.Context, status models.SagaStatus) ([]*models.SagaInstance, error)

	// Abort manually aborts a running instance, triggering compensation
	Abort(ctx context.Context, sagaID string, reason string) error

	// SweepTimeouts fails and compensates instances past their deadline
	SweepTimeouts(ctx context.Context) (int, error)
}
