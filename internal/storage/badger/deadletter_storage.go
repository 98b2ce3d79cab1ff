package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// DeadLetterStorage implements the DeadLetterStorage interface for Badger
type DeadLetterStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDeadLetterStorage creates a new DeadLetterStorage instance
func NewDeadLetterStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DeadLetterStorage {
	return &DeadLetterStorage{
		db:     db,
		logger: logger,
	}
}

func (s *DeadLetterStorage) Add(ctx context.Context, entry *models.DeadLetter) error {
	if entry.ID == "" {
		return fmt.Errorf("dead letter ID is required")
	}
	if err := s.db.Store().Upsert(entry.ID, *entry); err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}

	s.logger.Debug().
		Str("dead_letter_id", entry.ID).
		Str("job_id", entry.JobID).
		Str("queue", string(entry.Queue)).
		Msg("Job dead-lettered")
	return nil
}

func (s *DeadLetterStorage) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	var entry models.DeadLetter
	if err := s.db.Store().Get(id, &entry); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("dead letter not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return &entry, nil
}

func (s *DeadLetterStorage) List(ctx context.Context, queue models.DeadLetterQueue) ([]*models.DeadLetter, error) {
	var entries []models.DeadLetter
	query := badgerhold.Where("Queue").Eq(queue).Index("Queue")
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	result := make([]*models.DeadLetter, 0, len(entries))
	for i := range entries {
		result = append(result, &entries[i])
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].DeadAt.Before(result[k].DeadAt)
	})
	return result, nil
}

func (s *DeadLetterStorage) Remove(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, models.DeadLetter{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("dead letter not found: %s", id)
		}
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	return nil
}
