package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/monitor"
	badgerstore "github.com/ternarybob/perago/internal/storage/badger"
)

// recordingProjection folds event IDs into an in-memory list
type recordingProjection struct {
	mu      sync.Mutex
	name    string
	types   []string
	applied []string
}

func (p *recordingProjection) Name() string         { return p.name }
func (p *recordingProjection) EventTypes() []string { return p.types }

func (p *recordingProjection) Handle(ctx context.Context, event *models.DomainEvent) error {
	p.mu.Lock()
	p.applied = append(p.applied, event.ID)
	p.mu.Unlock()
	return nil
}

func (p *recordingProjection) Reset(ctx context.Context) error {
	p.mu.Lock()
	p.applied = nil
	p.mu.Unlock()
	return nil
}

func (p *recordingProjection) appliedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.applied))
	copy(out, p.applied)
	return out
}

// countingTransport records how many events reached the external side
type countingTransport struct {
	mu    sync.Mutex
	sends int
}

func (t *countingTransport) Name() string { return "counting" }

func (t *countingTransport) Send(ctx context.Context, event *models.DomainEvent) error {
	t.mu.Lock()
	t.sends++
	t.mu.Unlock()
	return nil
}

func (t *countingTransport) Close() error { return nil }

func (t *countingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sends
}

func newTestManager(t *testing.T) (*Manager, interfaces.StorageManager, *monitor.Service) {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	mon := monitor.NewService(logger)
	return NewManager(logger, storage.EventStorage(), mon, 0), storage, mon
}

func orderEvent(eventType, orderID string) *models.DomainEvent {
	return models.NewDomainEvent(eventType, "order", orderID, json.RawMessage(`{"order_id":"`+orderID+`"}`), models.EventMetadata{})
}

func TestPublishValidation(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	err := manager.PublishEvent(ctx, &models.DomainEvent{AggregateType: "order", AggregateID: "o1"})
	assert.True(t, models.IsValidation(err))

	err = manager.PublishEvent(ctx, &models.DomainEvent{Type: "order.created"})
	assert.True(t, models.IsValidation(err))
}

func TestPublishAutoAssignsVersions(t *testing.T) {
	manager, storage, mon := newTestManager(t)
	ctx := context.Background()

	first := orderEvent("order.created", "o1")
	second := orderEvent("order.paid", "o1")
	require.NoError(t, manager.PublishEvent(ctx, first))
	require.NoError(t, manager.PublishEvent(ctx, second))

	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, int64(2), second.Version)

	stored, err := storage.EventStorage().GetEvents(ctx, models.StreamID("order", "o1"), 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	snap := mon.Snapshot()
	assert.Equal(t, int64(1), snap.EventsPublished["order.created"])
	assert.Equal(t, int64(1), snap.EventsPublished["order.paid"])
}

func TestExplicitVersionConflict(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	projection := &recordingProjection{name: "orders", types: nil}
	manager.RegisterProjection(projection)

	first := orderEvent("order.created", "o2")
	first.Version = 1
	require.NoError(t, manager.PublishEvent(ctx, first))

	stale := orderEvent("order.created", "o2")
	stale.Version = 1
	err := manager.PublishEvent(ctx, stale)
	require.Error(t, err)
	assert.True(t, models.IsConcurrencyConflict(err))

	// The conflicting event was never dispatched
	assert.Equal(t, []string{first.ID}, projection.appliedIDs())
}

func TestDispatchContainsSubscriberFailures(t *testing.T) {
	manager, _, mon := newTestManager(t)
	ctx := context.Background()

	manager.RegisterHandler("order.created", func(ctx context.Context, event *models.DomainEvent) error {
		return assert.AnError
	})
	projection := &recordingProjection{name: "orders", types: []string{"order.created"}}
	manager.RegisterProjection(projection)

	event := orderEvent("order.created", "o3")
	require.NoError(t, manager.PublishEvent(ctx, event))

	// The failing handler did not block the projection behind it
	assert.Equal(t, []string{event.ID}, projection.appliedIDs())

	snap := mon.Snapshot()
	assert.Equal(t, int64(1), snap.HandlerErrors["handler-order.created-1"])
	assert.Equal(t, int64(1), snap.ProjectionUpdates["orders"])
}

func TestPublishEventsBatchesByStream(t *testing.T) {
	manager, storage, _ := newTestManager(t)
	ctx := context.Background()

	batch := []*models.DomainEvent{
		orderEvent("order.created", "a"),
		orderEvent("order.created", "b"),
		orderEvent("order.paid", "a"),
	}
	require.NoError(t, manager.PublishEvents(ctx, batch))

	streamA, err := storage.EventStorage().GetEvents(ctx, models.StreamID("order", "a"), 0)
	require.NoError(t, err)
	require.Len(t, streamA, 2)
	assert.Equal(t, "order.created", streamA[0].Type)
	assert.Equal(t, "order.paid", streamA[1].Type)

	streamB, err := storage.EventStorage().GetEvents(ctx, models.StreamID("order", "b"), 0)
	require.NoError(t, err)
	require.Len(t, streamB, 1)
	assert.Equal(t, int64(1), streamB[0].Version)
}

func TestReplayReachesSubscribersNotTransports(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	projection := &recordingProjection{name: "orders", types: nil}
	manager.RegisterProjection(projection)
	transport := &countingTransport{}
	manager.RegisterTransport(transport)

	first := orderEvent("order.created", "o4")
	second := orderEvent("order.paid", "o4")
	require.NoError(t, manager.PublishEvent(ctx, first))
	require.NoError(t, manager.PublishEvent(ctx, second))
	require.Equal(t, 2, transport.count())

	require.NoError(t, projection.Reset(ctx))
	replayed, err := manager.ReplayEvents(ctx, time.Time{}, time.Time{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)

	// Replay reproduced the projection's state, transports untouched
	assert.Equal(t, []string{first.ID, second.ID}, projection.appliedIDs())
	assert.Equal(t, 2, transport.count())
}

func TestRebuildProjection(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	projection := &recordingProjection{name: "paid-orders", types: []string{"order.paid"}}
	manager.RegisterProjection(projection)

	created := orderEvent("order.created", "o5")
	paid := orderEvent("order.paid", "o5")
	require.NoError(t, manager.PublishEvent(ctx, created))
	require.NoError(t, manager.PublishEvent(ctx, paid))
	require.Equal(t, []string{paid.ID}, projection.appliedIDs())

	require.NoError(t, manager.RebuildProjection(ctx, "paid-orders"))
	assert.Equal(t, []string{paid.ID}, projection.appliedIDs())

	err := manager.RebuildProjection(ctx, "unknown")
	assert.Error(t, err)
}

func TestGetEventStreamAndSnapshots(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.PublishEvent(ctx, orderEvent("order.created", "o6")))
	require.NoError(t, manager.PublishEvent(ctx, orderEvent("order.paid", "o6")))

	stream, err := manager.GetEventStream(ctx, "order", "o6")
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Equal(t, int64(2), stream[1].Version)

	missing, err := manager.GetSnapshot(ctx, "order", "o6")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, manager.SaveSnapshot(ctx, &models.Snapshot{
		StreamID:      models.StreamID("order", "o6"),
		AggregateID:   "o6",
		AggregateType: "order",
		Version:       2,
		State:         json.RawMessage(`{"status":"paid"}`),
	}))

	snapshot, err := manager.GetSnapshot(ctx, "order", "o6")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(2), snapshot.Version)
}
