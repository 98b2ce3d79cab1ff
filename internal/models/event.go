package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/perago/internal/common"
)

// EventMetadata carries tracing and causation context alongside a fact
type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Source        string `json:"source,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// DomainEvent is an immutable fact about a state change to an aggregate.
// Version is strictly increasing per (AggregateType, AggregateID) stream and
// is checked by the event store on append. Events are never mutated or
// deleted; they may be replayed arbitrarily many times, so subscribers must
// be idempotent or dedupe by event ID.
type DomainEvent struct {
	ID            string          `badgerhold:"key" json:"id"`
	Type          string          `badgerhold:"index" json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	StreamID      string          `badgerhold:"index" json:"stream_id"`
	Version       int64           `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
	Metadata      EventMetadata   `json:"metadata"`
}

// NewDomainEvent creates an event with ID and timestamp assigned. Version 0
// means "append at whatever the stream's next version is".
func NewDomainEvent(eventType, aggregateType, aggregateID string, data json.RawMessage, metadata EventMetadata) *DomainEvent {
	return &DomainEvent{
		ID:            common.NewEventID(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		StreamID:      StreamID(aggregateType, aggregateID),
		Timestamp:     time.Now(),
		Data:          data,
		Metadata:      metadata,
	}
}

// StreamID builds the persisted stream key for an aggregate
func StreamID(aggregateType, aggregateID string) string {
	return fmt.Sprintf("%s-%s", aggregateType, aggregateID)
}

// Snapshot is a compacted checkpoint of a stream. Purely an optimization -
// replay from version 0 must always reproduce the same logical state.
type Snapshot struct {
	StreamID      string          `badgerhold:"key" json:"stream_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int64           `json:"version"`
	State         json.RawMessage `json:"state"`
	TakenAt       time.Time       `json:"taken_at"`
}

// StreamHead tracks the current version of a stream. Checked and advanced
// atomically with each append to enforce optimistic concurrency.
type StreamHead struct {
	StreamID string `badgerhold:"key" json:"stream_id"`
	Version  int64  `json:"version"`
}
