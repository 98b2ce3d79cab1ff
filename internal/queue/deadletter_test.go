package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	badgerstore "github.com/ternarybob/perago/internal/storage/badger"
)

func newTestDeadLetterService(t *testing.T) (*DeadLetterService, interfaces.StorageManager) {
	t.Helper()
	logger := arbor.NewLogger()
	config := testConfig(t)

	storage, err := badgerstore.NewManager(logger, &config.Storage.Badger)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	return NewDeadLetterService(logger, storage), storage
}

func deadLetteredJob(t *testing.T, storage interfaces.StorageManager, critical bool) *models.Job {
	t.Helper()
	job := models.NewJob("orders", "charge", nil, models.JobOptions{MaxAttempts: 3, Critical: critical})
	job.Status = models.JobStatusDeadLettered
	job.Attempts = 3
	job.Error = "charge declined"
	require.NoError(t, storage.JobStorage().SaveJob(context.Background(), job))
	return job
}

func TestAddRoutesByCriticality(t *testing.T) {
	service, storage := newTestDeadLetterService(t)
	ctx := context.Background()

	normal := deadLetteredJob(t, storage, false)
	critical := deadLetteredJob(t, storage, true)
	require.NoError(t, service.Add(ctx, normal, "retries exhausted"))
	require.NoError(t, service.Add(ctx, critical, "retries exhausted"))

	manual, err := service.List(ctx, models.DeadLetterManualReview)
	require.NoError(t, err)
	require.Len(t, manual, 1)
	assert.Equal(t, normal.ID, manual[0].JobID)

	escalation, err := service.List(ctx, models.DeadLetterEscalation)
	require.NoError(t, err)
	require.Len(t, escalation, 1)
	assert.Equal(t, critical.ID, escalation[0].JobID)
}

func TestRequeueResetsAttemptBudget(t *testing.T) {
	service, storage := newTestDeadLetterService(t)
	ctx := context.Background()

	job := deadLetteredJob(t, storage, false)
	require.NoError(t, service.Add(ctx, job, "retries exhausted"))

	entries, err := service.List(ctx, models.DeadLetterManualReview)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	before := time.Now()
	jobID, err := service.Requeue(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, jobID)

	requeued, err := storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusWaiting, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)
	assert.Empty(t, requeued.Error)
	assert.Equal(t, 0, requeued.StalledCount)
	assert.False(t, requeued.RunAt.Before(before.Add(-time.Second)))

	// Entry is consumed
	remaining, err := service.List(ctx, models.DeadLetterManualReview)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = service.Requeue(ctx, entries[0].ID)
	assert.Error(t, err)
}

func TestDiscardKeepsJobRecord(t *testing.T) {
	service, storage := newTestDeadLetterService(t)
	ctx := context.Background()

	job := deadLetteredJob(t, storage, false)
	require.NoError(t, service.Add(ctx, job, "retries exhausted"))

	entries, err := service.List(ctx, models.DeadLetterManualReview)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, service.Discard(ctx, entries[0].ID))

	remaining, err := service.List(ctx, models.DeadLetterManualReview)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// The job record stays dead-lettered for retention to trim
	got, err := storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDeadLettered, got.Status)
}
