package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// SagaStorage implements the SagaStorage interface for Badger
type SagaStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSagaStorage creates a new SagaStorage instance
func NewSagaStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SagaStorage {
	return &SagaStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SagaStorage) SaveInstance(ctx context.Context, instance *models.SagaInstance) error {
	if instance.ID == "" {
		return fmt.Errorf("saga instance ID is required")
	}
	instance.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(instance.ID, *instance); err != nil {
		return fmt.Errorf("failed to save saga instance: %w", err)
	}
	return nil
}

func (s *SagaStorage) GetInstance(ctx context.Context, sagaID string) (*models.SagaInstance, error) {
	var instance models.SagaInstance
	if err := s.db.Store().Get(sagaID, &instance); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("saga instance not found: %s", sagaID)
		}
		return nil, fmt.Errorf("failed to get saga instance: %w", err)
	}
	return &instance, nil
}

func (s *SagaStorage) FindActive(ctx context.Context, definitionID, correlationKey string) (*models.SagaInstance, error) {
	var instances []models.SagaInstance
	query := badgerhold.Where("DefinitionID").Eq(definitionID).Index("DefinitionID").
		And("CorrelationKey").Eq(correlationKey)
	if err := s.db.Store().Find(&instances, query); err != nil {
		return nil, fmt.Errorf("failed to query saga instances: %w", err)
	}

	for i := range instances {
		if !instances[i].IsTerminal() {
			return &instances[i], nil
		}
	}
	return nil, nil
}

func (s *SagaStorage) FindByTriggerEvent(ctx context.Context, eventID string) (*models.SagaInstance, error) {
	if eventID == "" {
		return nil, nil
	}

	var instances []models.SagaInstance
	query := badgerhold.Where("TriggerEventID").Eq(eventID).Index("TriggerEventID")
	if err := s.db.Store().Find(&instances, query); err != nil {
		return nil, fmt.Errorf("failed to query saga instances by trigger: %w", err)
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return &instances[0], nil
}

func (s *SagaStorage) ListByStatus(ctx context.Context, status models.SagaStatus) ([]*models.SagaInstance, error) {
	var instances []models.SagaInstance
	query := badgerhold.Where("Status").Eq(status).Index("Status")
	if err := s.db.Store().Find(&instances, query); err != nil {
		return nil, fmt.Errorf("failed to list saga instances: %w", err)
	}

	result := make([]*models.SagaInstance, 0, len(instances))
	for i := range instances {
		result = append(result, &instances[i])
	}
	return result, nil
}

func (s *SagaStorage) ListExpired(ctx context.Context, now time.Time) ([]*models.SagaInstance, error) {
	running, err := s.ListByStatus(ctx, models.SagaStatusRunning)
	if err != nil {
		return nil, err
	}

	var expired []*models.SagaInstance
	for _, instance := range running {
		if !instance.Deadline.IsZero() && instance.Deadline.Before(now) {
			expired = append(expired, instance)
		}
	}
	return expired, nil
}
