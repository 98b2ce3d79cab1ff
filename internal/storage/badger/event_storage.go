package badger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// EventStorage implements the append-only event log on Badger. Optimistic
// concurrency is enforced by a per-stream head record that is checked and
// advanced in the same badger transaction as the event inserts, so an
// append either lands completely or not at all.
type EventStorage struct {
	db     *BadgerDB
	logger arbor.ILogger

	// appendMu serializes appends; concurrent badger transactions would
	// otherwise abort with ErrConflict instead of reporting a clean version
	// mismatch.
	appendMu sync.Mutex
}

// NewEventStorage creates a new EventStorage instance
func NewEventStorage(db *BadgerDB, logger arbor.ILogger) interfaces.EventStorage {
	return &EventStorage{
		db:     db,
		logger: logger,
	}
}

func (s *EventStorage) Append(ctx context.Context, streamID string, events []*models.DomainEvent, expectedVersion int64) error {
	if len(events) == 0 {
		return nil
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	store := s.db.Store()
	err := store.Badger().Update(func(txn *badgerdb.Txn) error {
		var head models.StreamHead
		switch err := store.TxGet(txn, streamID, &head); err {
		case nil:
		case badgerhold.ErrNotFound:
			head = models.StreamHead{StreamID: streamID, Version: 0}
		default:
			return fmt.Errorf("failed to read stream head: %w", err)
		}

		if head.Version != expectedVersion {
			return &models.ConcurrencyConflictError{
				StreamID:        streamID,
				ExpectedVersion: expectedVersion,
				CurrentVersion:  head.Version,
			}
		}

		version := expectedVersion
		for _, event := range events {
			version++
			event.StreamID = streamID
			event.Version = version
			if event.Timestamp.IsZero() {
				event.Timestamp = time.Now()
			}
			if err := store.TxInsert(txn, event.ID, *event); err != nil {
				return fmt.Errorf("failed to insert event %s: %w", event.ID, err)
			}
		}

		head.Version = version
		if err := store.TxUpsert(txn, streamID, head); err != nil {
			return fmt.Errorf("failed to advance stream head: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Trace().
		Str("stream_id", streamID).
		Int("events", len(events)).
		Int64("version", expectedVersion+int64(len(events))).
		Msg("Events appended")
	return nil
}

func (s *EventStorage) GetEvents(ctx context.Context, streamID string, fromVersion int64) ([]*models.DomainEvent, error) {
	var events []models.DomainEvent
	query := badgerhold.Where("StreamID").Eq(streamID).Index("StreamID")
	if err := s.db.Store().Find(&events, query); err != nil {
		return nil, fmt.Errorf("failed to query stream %s: %w", streamID, err)
	}

	result := make([]*models.DomainEvent, 0, len(events))
	for i := range events {
		if events[i].Version > fromVersion {
			result = append(result, &events[i])
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].Version < result[k].Version
	})
	return result, nil
}

func (s *EventStorage) GetEventsByType(ctx context.Context, eventType string, from time.Time) ([]*models.DomainEvent, error) {
	var events []models.DomainEvent
	query := badgerhold.Where("Type").Eq(eventType).Index("Type")
	if err := s.db.Store().Find(&events, query); err != nil {
		return nil, fmt.Errorf("failed to query events of type %s: %w", eventType, err)
	}

	result := make([]*models.DomainEvent, 0, len(events))
	for i := range events {
		if !events[i].Timestamp.Before(from) {
			result = append(result, &events[i])
		}
	}
	sortByTimestamp(result)
	return result, nil
}

func (s *EventStorage) GetEventsByTimeRange(ctx context.Context, from, to time.Time, types []string) ([]*models.DomainEvent, error) {
	var events []models.DomainEvent
	if err := s.db.Store().Find(&events, nil); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	result := make([]*models.DomainEvent, 0, len(events))
	for i := range events {
		e := &events[i]
		if e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		if len(typeSet) > 0 && !typeSet[e.Type] {
			continue
		}
		result = append(result, e)
	}
	sortByTimestamp(result)
	return result, nil
}

func (s *EventStorage) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	var head models.StreamHead
	switch err := s.db.Store().Get(streamID, &head); err {
	case nil:
		return head.Version, nil
	case badgerhold.ErrNotFound:
		return 0, nil
	default:
		return 0, fmt.Errorf("failed to read stream head: %w", err)
	}
}

func (s *EventStorage) SaveSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	if snapshot.StreamID == "" {
		return fmt.Errorf("snapshot stream ID is required")
	}
	snapshot.TakenAt = time.Now()
	if err := s.db.Store().Upsert(snapshot.StreamID, *snapshot); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *EventStorage) GetSnapshot(ctx context.Context, streamID string) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	switch err := s.db.Store().Get(streamID, &snapshot); err {
	case nil:
		return &snapshot, nil
	case badgerhold.ErrNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
}

// sortByTimestamp orders events ascending, version as tiebreaker for events
// sharing a timestamp within one stream
func sortByTimestamp(events []*models.DomainEvent) {
	sort.Slice(events, func(i, k int) bool {
		if events[i].Timestamp.Equal(events[k].Timestamp) {
			return events[i].Version < events[k].Version
		}
		return events[i].Timestamp.Before(events[k].Timestamp)
	})
}
