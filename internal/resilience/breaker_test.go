package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/models"
)

var errBoom = errors.New("boom")

func failingOp(ctx context.Context) error { return errBoom }

func succeedingOp(ctx context.Context) error { return nil }

func newTestBreaker(resetTimeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker("test", BreakerConfig{
		ErrorThresholdPercentage: 50,
		MonitoringWindow:         time.Minute,
		ResetTimeout:             resetTimeout,
		MinimumCalls:             5,
		HalfOpenSuccesses:        1,
	}, arbor.NewLogger())
}

func TestBreakerOpensAtFailureRate(t *testing.T) {
	breaker := newTestBreaker(time.Hour)
	ctx := context.Background()

	// Below the minimum call volume nothing trips
	for i := 0; i < 4; i++ {
		require.Error(t, breaker.Fire(ctx, failingOp))
		assert.Equal(t, StateClosed, breaker.State())
	}

	// Fifth failure crosses both minimum calls and the 50% threshold
	require.Error(t, breaker.Fire(ctx, failingOp))
	assert.Equal(t, StateOpen, breaker.State())
}

func TestOpenBreakerFailsFastWithoutInvoking(t *testing.T) {
	breaker := newTestBreaker(time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		breaker.Fire(ctx, failingOp)
	}
	require.Equal(t, StateOpen, breaker.State())
	assert.False(t, breaker.Allow())

	var invocations atomic.Int32
	err := breaker.Fire(ctx, func(ctx context.Context) error {
		invocations.Add(1)
		return nil
	})
	require.Error(t, err)
	assert.True(t, models.IsCircuitOpen(err))
	assert.Equal(t, int32(0), invocations.Load())

	var open *models.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "test", open.Name)
	assert.False(t, open.RetryAt.IsZero())
}

func TestHalfOpenTrialClosesOnSuccess(t *testing.T) {
	breaker := newTestBreaker(20 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		breaker.Fire(ctx, failingOp)
	}
	require.Equal(t, StateOpen, breaker.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, breaker.State())
	assert.True(t, breaker.Allow())

	require.NoError(t, breaker.Fire(ctx, succeedingOp))
	assert.Equal(t, StateClosed, breaker.State())

	// The window was cleared on close; old failures no longer count
	require.NoError(t, breaker.Fire(ctx, succeedingOp))
	assert.Equal(t, StateClosed, breaker.State())
}

func TestHalfOpenTrialReopensOnFailure(t *testing.T) {
	breaker := newTestBreaker(20 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		breaker.Fire(ctx, failingOp)
	}
	time.Sleep(30 * time.Millisecond)

	require.Error(t, breaker.Fire(ctx, failingOp))
	assert.Equal(t, StateOpen, breaker.State())
	assert.False(t, breaker.Allow())
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	breaker := newTestBreaker(20 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		breaker.Fire(ctx, failingOp)
	}
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	trialStarted := make(chan struct{})
	go func() {
		breaker.Fire(ctx, func(ctx context.Context) error {
			close(trialStarted)
			<-release
			return nil
		})
	}()

	<-trialStarted
	// Second caller is rejected while the trial is in flight
	err := breaker.Fire(ctx, succeedingOp)
	require.Error(t, err)
	assert.True(t, models.IsCircuitOpen(err))
	close(release)
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	breaker := NewCircuitBreaker("slow", BreakerConfig{
		ErrorThresholdPercentage: 50,
		MonitoringWindow:         time.Minute,
		ResetTimeout:             time.Hour,
		MinimumCalls:             1,
		HalfOpenSuccesses:        1,
		CallTimeout:              10 * time.Millisecond,
	}, arbor.NewLogger())

	err := breaker.Fire(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, breaker.State())
}

func TestStateChangeNotification(t *testing.T) {
	breaker := newTestBreaker(time.Hour)

	var transitions []string
	breaker.OnStateChange(func(name string, from, to BreakerState) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
	})

	for i := 0; i < 5; i++ {
		breaker.Fire(context.Background(), failingOp)
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, "test:closed->open", transitions[0])
}
