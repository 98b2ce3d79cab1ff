package sagas

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
	"github.com/ternarybob/perago/internal/events"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/monitor"
	badgerstore "github.com/ternarybob/perago/internal/storage/badger"
)

// commandRecorder observes the saga's outbound commands in dispatch order
type commandRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *commandRecorder) record(ctx context.Context, event *models.DomainEvent) error {
	r.mu.Lock()
	r.types = append(r.types, event.Type)
	r.mu.Unlock()
	return nil
}

func (r *commandRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.types))
	copy(out, r.types)
	return out
}

func checkoutDefinition(timeout time.Duration) *models.SagaDefinition {
	return &models.SagaDefinition{
		ID:                  "checkout",
		Trigger:             "order.placed",
		CorrelationProperty: "order_id",
		Steps: []models.SagaStep{
			{Name: "reserve", Command: "inventory.reserve", SuccessEvent: "inventory.reserved", FailureEvent: "inventory.rejected", Compensation: "inventory.release"},
			{Name: "charge", Command: "payment.charge", SuccessEvent: "payment.charged", FailureEvent: "payment.declined", Compensation: "payment.refund"},
			{Name: "ship", Command: "shipping.dispatch", SuccessEvent: "shipping.dispatched", Compensation: "shipping.recall"},
		},
		CompensationStrategy: models.CompensationBackward,
		Timeout:              timeout,
	}
}

func newTestSagaManager(t *testing.T) (*Manager, *events.Manager, interfaces.StorageManager, *monitor.Service) {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	mon := monitor.NewService(logger)
	eventManager := events.NewManager(logger, storage.EventStorage(), mon, 0)
	sagaManager := NewManager(logger, storage.SagaStorage(), eventManager, mon, common.SagaConfig{
		SweepSchedule:  "@every 10s",
		DefaultTimeout: "10m",
	})
	return sagaManager, eventManager, storage, mon
}

func publishOrderEvent(t *testing.T, em *events.Manager, eventType, orderID string) {
	t.Helper()
	event := models.NewDomainEvent(eventType, "order", orderID,
		json.RawMessage(`{"order_id":"`+orderID+`"}`), models.EventMetadata{})
	require.NoError(t, em.PublishEvent(context.Background(), event))
}

func activeInstance(t *testing.T, m *Manager, status models.SagaStatus) *models.SagaInstance {
	t.Helper()
	instances, err := m.ListByStatus(context.Background(), status)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	return instances[0]
}

func TestRegisterValidation(t *testing.T) {
	manager, _, _, _ := newTestSagaManager(t)

	err := manager.Register(&models.SagaDefinition{Trigger: "x", Steps: []models.SagaStep{{Name: "a", Command: "b", SuccessEvent: "c"}}})
	assert.True(t, models.IsValidation(err))

	err = manager.Register(&models.SagaDefinition{ID: "s", Trigger: "x"})
	assert.True(t, models.IsValidation(err))

	err = manager.Register(&models.SagaDefinition{ID: "s", Trigger: "x", Steps: []models.SagaStep{{Name: "a"}}})
	assert.True(t, models.IsValidation(err))

	require.NoError(t, manager.Register(checkoutDefinition(time.Minute)))
	err = manager.Register(checkoutDefinition(time.Minute))
	assert.Error(t, err)
}

func TestSagaHappyPath(t *testing.T) {
	manager, eventManager, storage, mon := newTestSagaManager(t)
	require.NoError(t, manager.Register(checkoutDefinition(time.Minute)))

	recorder := &commandRecorder{}
	for _, commandType := range []string{"inventory.reserve", "payment.charge", "shipping.dispatch"} {
		eventManager.RegisterHandler(commandType, recorder.record)
	}

	publishOrderEvent(t, eventManager, "order.placed", "o1")

	instance := activeInstance(t, manager, models.SagaStatusRunning)
	assert.Equal(t, "o1", instance.CorrelationKey)
	assert.Equal(t, 0, instance.CurrentStep)
	assert.Equal(t, []string{"inventory.reserve"}, recorder.recorded())

	publishOrderEvent(t, eventManager, "inventory.reserved", "o1")
	publishOrderEvent(t, eventManager, "payment.charged", "o1")
	publishOrderEvent(t, eventManager, "shipping.dispatched", "o1")

	done, err := manager.GetInstance(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaStatusCompleted, done.Status)
	assert.Equal(t, []string{"inventory.reserve", "payment.charge", "shipping.dispatch"}, recorder.recorded())

	require.Len(t, done.StepHistory, 3)
	for i, record := range done.StepHistory {
		assert.Equal(t, i, record.Index)
		assert.Equal(t, models.StepStatusCompleted, record.Status)
		require.NotNil(t, record.CompletedAt)
	}

	// Commands live on the saga's own stream with sequential versions
	commands, err := storage.EventStorage().GetEvents(context.Background(), models.StreamID("saga", instance.ID), 0)
	require.NoError(t, err)
	require.Len(t, commands, 3)
	for i, command := range commands {
		assert.Equal(t, int64(i+1), command.Version)
		assert.Equal(t, "o1", command.Metadata.CorrelationID)
	}

	snap := mon.Snapshot()
	assert.Equal(t, int64(1), snap.SagasTriggered["checkout"])
	assert.Equal(t, int64(0), snap.SagasCompensated["checkout"])
}

func TestStepFailureCompensatesBackward(t *testing.T) {
	manager, eventManager, _, mon := newTestSagaManager(t)
	require.NoError(t, manager.Register(checkoutDefinition(time.Minute)))

	recorder := &commandRecorder{}
	for _, commandType := range []string{"inventory.reserve", "payment.charge", "inventory.release", "payment.refund"} {
		eventManager.RegisterHandler(commandType, recorder.record)
	}

	publishOrderEvent(t, eventManager, "order.placed", "o2")
	publishOrderEvent(t, eventManager, "inventory.reserved", "o2")

	// Step 2 fails: step 1's completed work is compensated in reverse
	publishOrderEvent(t, eventManager, "payment.declined", "o2")

	instance := activeInstance(t, manager, models.SagaStatusFailed)
	assert.Contains(t, instance.Error, "charge")
	assert.False(t, instance.CompensationIncomplete)
	assert.Equal(t, []string{"inventory.reserve", "payment.charge", "inventory.release"}, recorder.recorded())

	require.Len(t, instance.StepHistory, 2)
	assert.Equal(t, models.StepStatusCompensated, instance.StepHistory[0].Status)
	assert.Equal(t, models.StepStatusFailed, instance.StepHistory[1].Status)

	snap := mon.Snapshot()
	assert.Equal(t, int64(1), snap.SagasCompensated["checkout"])
}

func TestReplayDoesNotRerunCompletedSaga(t *testing.T) {
	manager, eventManager, storage, _ := newTestSagaManager(t)
	require.NoError(t, manager.Register(checkoutDefinition(time.Minute)))

	publishOrderEvent(t, eventManager, "order.placed", "o7")
	publishOrderEvent(t, eventManager, "inventory.reserved", "o7")
	publishOrderEvent(t, eventManager, "payment.charged", "o7")
	publishOrderEvent(t, eventManager, "shipping.dispatched", "o7")

	done := activeInstance(t, manager, models.SagaStatusCompleted)

	ctx := context.Background()
	before, err := storage.EventStorage().GetEventsByTimeRange(ctx, time.Time{}, time.Now().Add(time.Minute), nil)
	require.NoError(t, err)

	replayed, err := eventManager.ReplayEvents(ctx, time.Time{}, time.Now().Add(time.Minute), nil)
	require.NoError(t, err)
	assert.Equal(t, len(before), replayed)

	// Replay appends nothing: the trigger finds the instance it already
	// created, so no fresh commands reach the store.
	after, err := storage.EventStorage().GetEventsByTimeRange(ctx, time.Time{}, time.Now().Add(time.Minute), nil)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	completed, err := manager.ListByStatus(ctx, models.SagaStatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, done.ID, completed[0].ID)

	running, err := manager.ListByStatus(ctx, models.SagaStatusRunning)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestCompensationPublishesBeforeFailedState(t *testing.T) {
	manager, eventManager, _, _ := newTestSagaManager(t)
	require.NoError(t, manager.Register(checkoutDefinition(time.Minute)))

	// Dispatch is synchronous, so the handler observes the instance state
	// in effect while its compensation command goes out.
	var observed []models.SagaStatus
	eventManager.RegisterHandler("inventory.release", func(ctx context.Context, event *models.DomainEvent) error {
		instance, err := manager.GetInstance(ctx, event.AggregateID)
		if err != nil {
			return err
		}
		observed = append(observed, instance.Status)
		return nil
	})

	publishOrderEvent(t, eventManager, "order.placed", "o8")
	publishOrderEvent(t, eventManager, "inventory.reserved", "o8")
	publishOrderEvent(t, eventManager, "payment.declined", "o8")

	require.Equal(t, []models.SagaStatus{models.SagaStatusCompensating}, observed)

	instance := activeInstance(t, manager, models.SagaStatusFailed)
	assert.Equal(t, models.StepStatusCompensated, instance.StepHistory[0].Status)
}

func TestDuplicateTriggerJoinsRunningInstance(t *testing.T) {
	manager, eventManager, _, _ := newTestSagaManager(t)
	require.NoError(t, manager.Register(checkoutDefinition(time.Minute)))

	publishOrderEvent(t, eventManager, "order.placed", "o3")
	publishOrderEvent(t, eventManager, "order.placed", "o3")

	instances, err := manager.ListByStatus(context.Background(), models.SagaStatusRunning)
	require.NoError(t, err)
	assert.Len(t, instances, 1)

	// A different correlation key starts its own instance
	publishOrderEvent(t, eventManager, "order.placed", "o4")
	instances, err = manager.ListByStatus(context.Background(), models.SagaStatusRunning)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestAbortCompensatesAndFails(t *testing.T) {
	manager, eventManager, _, _ := newTestSagaManager(t)
	require.NoError(t, manager.Register(checkoutDefinition(time.Minute)))

	recorder := &commandRecorder{}
	eventManager.RegisterHandler("inventory.release", recorder.record)

	publishOrderEvent(t, eventManager, "order.placed", "o5")
	publishOrderEvent(t, eventManager, "inventory.reserved", "o5")

	instance := activeInstance(t, manager, models.SagaStatusRunning)
	require.NoError(t, manager.Abort(context.Background(), instance.ID, "operator request"))

	aborted, err := manager.GetInstance(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaStatusFailed, aborted.Status)
	assert.Contains(t, aborted.Error, "operator request")
	assert.Equal(t, []string{"inventory.release"}, recorder.recorded())

	err = manager.Abort(context.Background(), instance.ID, "again")
	assert.Error(t, err)
}

func TestSweepTimeouts(t *testing.T) {
	manager, eventManager, _, _ := newTestSagaManager(t)
	require.NoError(t, manager.Register(checkoutDefinition(20*time.Millisecond)))

	publishOrderEvent(t, eventManager, "order.placed", "o6")
	time.Sleep(40 * time.Millisecond)

	swept, err := manager.SweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	instance := activeInstance(t, manager, models.SagaStatusFailed)
	assert.Contains(t, instance.Error, "timed out")

	// Idempotent: nothing left to sweep
	swept, err = manager.SweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}
