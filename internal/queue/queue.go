package queue

import (
	"sync/atomic"
	"time"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/models"
	"github.com/ternarybob/perago/internal/resilience"
)

// Queue is one registered named queue: its handler, its merged default
// options and its circuit breaker. Depth lives in storage; only monotonic
// counters are kept here.
type Queue struct {
	name     string
	handler  interfaces.JobHandler
	defaults models.JobOptions
	breaker  *resilience.CircuitBreaker

	processed atomic.Uint64
	retried   atomic.Uint64
}

// Name returns the queue name
func (q *Queue) Name() string { return q.name }

// Breaker returns the queue's circuit breaker
func (q *Queue) Breaker() *resilience.CircuitBreaker { return q.breaker }

// engineDefaults builds the bottom layer of the option merge from config
func engineDefaults(cfg *common.QueueConfig) models.JobOptions {
	return models.JobOptions{
		Priority:    cfg.DefaultPriority,
		MaxAttempts: cfg.DefaultMaxAttempts,
		Timeout:     common.ParseDuration(cfg.DefaultTimeout, 30*time.Second),
		Backoff: &models.BackoffPolicy{
			Kind:       models.BackoffKind(cfg.DefaultBackoff.Kind),
			Delay:      common.ParseDuration(cfg.DefaultBackoff.Delay, time.Second),
			Multiplier: cfg.DefaultBackoff.Multiplier,
			MaxDelay:   common.ParseDuration(cfg.DefaultBackoff.MaxDelay, time.Minute),
			Jitter:     cfg.DefaultBackoff.Jitter,
		},
		RemoveOnComplete: cfg.RemoveOnComplete,
		RemoveOnFail:     cfg.RemoveOnFail,
	}
}

// mergeOptions layers overrides on top of base. Zero values inherit from
// base; booleans and dedupe keys only ever come from the override side.
func mergeOptions(base models.JobOptions, override *models.JobOptions) models.JobOptions {
	merged := base
	if override == nil {
		return merged
	}

	if override.Priority != 0 {
		merged.Priority = override.Priority
	}
	if override.MaxAttempts != 0 {
		merged.MaxAttempts = override.MaxAttempts
	}
	if override.Delay != 0 {
		merged.Delay = override.Delay
	}
	if override.Timeout != 0 {
		merged.Timeout = override.Timeout
	}
	if override.Backoff != nil {
		merged.Backoff = override.Backoff
	}
	if override.RemoveOnComplete != 0 {
		merged.RemoveOnComplete = override.RemoveOnComplete
	}
	if override.RemoveOnFail != 0 {
		merged.RemoveOnFail = override.RemoveOnFail
	}
	if override.DedupeKey != "" {
		merged.DedupeKey = override.DedupeKey
	}
	if override.Critical {
		merged.Critical = true
	}
	return merged
}
