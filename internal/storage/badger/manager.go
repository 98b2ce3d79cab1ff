package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db         *BadgerDB
	job        interfaces.JobStorage
	event      interfaces.EventStorage
	deadLetter interfaces.DeadLetterStorage
	saga       interfaces.SagaStorage
	logger     arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:         db,
		job:        NewJobStorage(db, logger),
		event:      NewEventStorage(db, logger),
		deadLetter: NewDeadLetterStorage(db, logger),
		saga:       NewSagaStorage(db, logger),
		logger:     logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// EventStorage returns the Event storage interface
func (m *Manager) EventStorage() interfaces.EventStorage {
	return m.event
}

// DeadLetterStorage returns the DeadLetter storage interface
func (m *Manager) DeadLetterStorage() interfaces.DeadLetterStorage {
	return m.deadLetter
}

// SagaStorage returns the Saga storage interface
func (m *Manager) SagaStorage() interfaces.SagaStorage {
	return m.saga
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
