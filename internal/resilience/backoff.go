package resilience

import (
	"math"
	"math/rand"
	"time"

	"github.com/ternarybob/perago/internal/models"
)

// NextDelay computes the retry delay for the given attempt (1-based) under a
// backoff policy. Pure computation - the policy travels with the job, so
// retries use the policy in effect at enqueue time.
func NextDelay(attempt int, policy models.BackoffPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := policy.Delay
	if base <= 0 {
		base = time.Second
	}

	var delay time.Duration
	switch policy.Kind {
	case models.BackoffExponential:
		multiplier := policy.Multiplier
		if multiplier < 1 {
			multiplier = 2.0
		}
		scaled := float64(base) * math.Pow(multiplier, float64(attempt-1))
		if policy.MaxDelay > 0 && scaled > float64(policy.MaxDelay) {
			scaled = float64(policy.MaxDelay)
		}
		delay = time.Duration(scaled)
	default: // fixed
		delay = base
	}

	if policy.Jitter {
		delay = applyJitter(delay)
	}

	return delay
}

// applyJitter scales a delay by a uniform random factor in [0.5, 1.5] to
// avoid thundering-herd retries.
func applyJitter(delay time.Duration) time.Duration {
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * factor)
}
