package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/models"
)

// BreakerState is the circuit state machine position
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes one circuit breaker
type BreakerConfig struct {
	// ErrorThresholdPercentage opens the circuit when the rolling failure
	// rate meets or exceeds it (with at least MinimumCalls observed).
	ErrorThresholdPercentage float64
	// MonitoringWindow bounds the rolling window of observed calls.
	MonitoringWindow time.Duration
	// ResetTimeout is how long an open circuit rejects before allowing a
	// half-open trial.
	ResetTimeout time.Duration
	// MinimumCalls is the call volume required before the rate can trip.
	MinimumCalls int
	// HalfOpenSuccesses is the consecutive successes needed to close.
	HalfOpenSuccesses int
	// CallTimeout bounds each invocation; a timeout counts as a failure.
	CallTimeout time.Duration
}

// StateChangeFunc is notified on every state transition
type StateChangeFunc func(name string, from, to BreakerState)

type callOutcome struct {
	at      time.Time
	success bool
}

// CircuitBreaker is a per-dependency failure-rate tripwire. While open it
// fails fast with CircuitOpenError instead of invoking the wrapped
// operation.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	logger arbor.ILogger

	mu                sync.Mutex
	state             BreakerState
	window            []callOutcome
	lastFailureTime   time.Time
	halfOpenSuccesses int
	halfOpenInFlight  bool

	onStateChange StateChangeFunc
}

// NewCircuitBreaker creates a closed breaker for a named dependency
func NewCircuitBreaker(name string, config BreakerConfig, logger arbor.ILogger) *CircuitBreaker {
	if config.ErrorThresholdPercentage <= 0 {
		config.ErrorThresholdPercentage = 50
	}
	if config.MonitoringWindow <= 0 {
		config.MonitoringWindow = time.Minute
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.MinimumCalls <= 0 {
		config.MinimumCalls = 5
	}
	if config.HalfOpenSuccesses <= 0 {
		config.HalfOpenSuccesses = 1
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

// OnStateChange registers a transition listener (startup only)
func (b *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	b.onStateChange = fn
}

// Name returns the breaker's dependency name
func (b *CircuitBreaker) Name() string { return b.name }

// State returns the current state, applying the open->half-open timeout
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailureTime) >= b.config.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a call would currently be admitted. Used by worker
// loops to avoid claiming work that would only fail fast.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return true
	}
	if b.state == StateOpen && time.Since(b.lastFailureTime) < b.config.ResetTimeout {
		return false
	}
	// Half-open (or open past the reset timeout): a single trial slot
	return !b.halfOpenInFlight
}

// Fire invokes operation through the breaker with the enforced call timeout.
// Open state rejects immediately with CircuitOpenError - the operation is
// never invoked.
func (b *CircuitBreaker) Fire(ctx context.Context, operation func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.config.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- operation(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		// Timeout or cancellation counts as a failure; the handler keeps
		// running until it observes its context.
		err = fmt.Errorf("operation timed out: %w", callCtx.Err())
	}

	b.afterCall(err == nil)
	return err
}

// beforeCall admits or rejects the call and claims the half-open trial slot
func (b *CircuitBreaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailureTime) < b.config.ResetTimeout {
			return &models.CircuitOpenError{
				Name:    b.name,
				RetryAt: b.lastFailureTime.Add(b.config.ResetTimeout),
			}
		}
		// Reset timeout elapsed: allow exactly one trial call
		b.transition(StateHalfOpen)
		b.halfOpenInFlight = true
		return nil

	case StateHalfOpen:
		if b.halfOpenInFlight {
			return &models.CircuitOpenError{
				Name:    b.name,
				RetryAt: b.lastFailureTime.Add(b.config.ResetTimeout),
			}
		}
		b.halfOpenInFlight = true
		return nil

	default:
		return nil
	}
}

// afterCall records the outcome and drives state transitions
func (b *CircuitBreaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.window = append(b.window, callOutcome{at: now, success: success})
	b.pruneWindow(now)

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight = false
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.config.HalfOpenSuccesses {
				b.window = nil
				b.transition(StateClosed)
			}
		} else {
			// First failure in half-open reopens the circuit
			b.lastFailureTime = now
			b.transition(StateOpen)
		}

	case StateClosed:
		if !success {
			b.lastFailureTime = now
			if b.failureRateExceeded() {
				b.transition(StateOpen)
			}
		}
	}
}

// failureRateExceeded checks the rolling window against the threshold.
// Callers must hold the lock.
func (b *CircuitBreaker) failureRateExceeded() bool {
	total := len(b.window)
	if total < b.config.MinimumCalls {
		return false
	}
	failures := 0
	for _, c := range b.window {
		if !c.success {
			failures++
		}
	}
	rate := float64(failures) / float64(total) * 100
	return rate >= b.config.ErrorThresholdPercentage
}

// pruneWindow drops outcomes older than the monitoring window. Callers must
// hold the lock.
func (b *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.config.MonitoringWindow)
	idx := 0
	for idx < len(b.window) && b.window[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.window = b.window[idx:]
	}
}

// transition moves the state machine and notifies listeners. Callers must
// hold the lock.
func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to != StateHalfOpen {
		b.halfOpenSuccesses = 0
	}
	if to == StateClosed {
		b.halfOpenInFlight = false
	}

	if b.logger != nil {
		b.logger.Warn().
			Str("breaker", b.name).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Circuit breaker state changed")
	}

	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
