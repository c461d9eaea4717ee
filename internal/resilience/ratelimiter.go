// Package resilience provides per-webhook rate limiting and endpoint health
// tracking.
//
// This package uses:
//   - golang.org/x/time/rate: Token bucket rate limiter from the Go team.
//   - github.com/sony/gobreaker: Battle-tested failure detector by Sony.
package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hookwire/hookwire/internal/clock"
	"github.com/hookwire/hookwire/internal/domain"
)

// RateLimiter gates outbound deliveries per webhook. Implementations must be
// non-blocking: a denied slot returns false immediately, callers never wait.
type RateLimiter interface {
	// TryAcquire consumes one token for the webhook if available. It always
	// returns true when the webhook's rate limit is disabled.
	TryAcquire(ctx context.Context, webhookID string, cfg domain.RateLimitConfig) (bool, error)
	// Remove drops any state held for the webhook.
	Remove(webhookID string)
}

type bucket struct {
	limiter  *rate.Limiter
	rpm      int
	burst    int
	lastUsed time.Time
}

// TokenBucketLimiter keeps one token bucket per webhook id. Bucket capacity
// is the webhook's burst limit and refill is requestsPerMinute/60 tokens per
// second, continuous rather than per-minute resets, so there is no
// thundering-herd at minute boundaries.
//
// Buckets are created lazily on first use and evicted after prolonged
// inactivity by Sweep; a fresh bucket starts full, which biases toward
// availability.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   clock.Clock
}

func NewTokenBucketLimiter(clk clock.Clock) *TokenBucketLimiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &TokenBucketLimiter{
		buckets: make(map[string]*bucket),
		clock:   clk,
	}
}

func (l *TokenBucketLimiter) TryAcquire(ctx context.Context, webhookID string, cfg domain.RateLimitConfig) (bool, error) {
	if !cfg.Enabled {
		return true, nil
	}
	return l.get(webhookID, cfg).Allow(), nil
}

func (l *TokenBucketLimiter) get(webhookID string, cfg domain.RateLimitConfig) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[webhookID]
	if !ok || b.rpm != cfg.RequestsPerMinute || b.burst != cfg.BurstLimit {
		// New webhook, or its rate limit config changed: start a full bucket.
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.BurstLimit),
			rpm:     cfg.RequestsPerMinute,
			burst:   cfg.BurstLimit,
		}
		l.buckets[webhookID] = b
	}
	b.lastUsed = l.clock.Now()
	return b.limiter
}

// Remove deletes the bucket for a webhook, freeing memory.
// Called when a webhook is deleted.
func (l *TokenBucketLimiter) Remove(webhookID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, webhookID)
}

// Sweep evicts buckets idle for longer than maxIdle and returns how many
// were removed. Correctness survives eviction: a re-created bucket starts
// full.
func (l *TokenBucketLimiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-maxIdle)
	removed := 0
	for id, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}
