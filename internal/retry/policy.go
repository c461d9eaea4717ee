// Package retry owns the backoff policy and the poller that surfaces due
// deliveries back to the executor.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/hookwire/hookwire/internal/domain"
)

// Policy computes retry delays from each webhook's retry configuration.
// Jitter is a fraction of the computed delay (0.1 = ±10%), spread randomly,
// so many deliveries failing together do not retry in lockstep.
type Policy struct {
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{Jitter: 0.1}
}

// Delay returns the backoff before the next attempt, given the number of
// attempts made so far:
//
//	min(retryDelay * backoffMultiplier^(attempts-1), maxRetryDelay)
//
// With jitter disabled the result is monotonically non-decreasing in
// attempts and never exceeds the configured ceiling.
func (p Policy) Delay(cfg domain.RetryConfig, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := float64(cfg.InitialDelay()) * math.Pow(cfg.BackoffMultiplier, float64(attempts-1))
	if max := float64(cfg.MaxDelay()); delay > max {
		delay = max
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// NextRetryAt returns when the delivery becomes eligible again.
func (p Policy) NextRetryAt(now time.Time, cfg domain.RetryConfig, attempts int) time.Time {
	return now.Add(p.Delay(cfg, attempts))
}
