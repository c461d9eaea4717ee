// Package stats rolls delivery outcomes into per-webhook counters.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hookwire/hookwire/internal/clock"
	"github.com/hookwire/hookwire/internal/domain"
	"github.com/hookwire/hookwire/internal/repository"
)

// entry serializes writers on mu and publishes a fresh copy of the counters
// after every update. Readers load the published copy without taking mu, so
// a Snapshot never blocks a concurrent RecordOutcome. Published copies are
// never mutated after the store (writers replace, not update, the timestamp
// pointers), so readers can hand them out as-is.
type entry struct {
	mu    sync.Mutex
	stats domain.WebhookStats
	snap  atomic.Pointer[domain.WebhookStats]
}

// Aggregator maintains per-webhook delivery counters and a running mean of
// response time (avg += (x - avg) / count). The durable rollup lives on the
// webhook row and is applied atomically by the repository; the in-memory
// mirror serves reads without ever blocking writers. The mirror is
// process-local and eventually consistent, which is acceptable for
// observability.
type Aggregator struct {
	mu      sync.RWMutex
	entries map[string]*entry

	webhooks repository.WebhookRepository
	clock    clock.Clock
	logger   *slog.Logger
}

func NewAggregator(webhooks repository.WebhookRepository, clk clock.Clock, logger *slog.Logger) *Aggregator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		entries:  make(map[string]*entry),
		webhooks: webhooks,
		clock:    clk,
		logger:   logger,
	}
}

// RecordOutcome counts one delivery outcome for the webhook. Persistence
// failures are logged, not propagated: stats must never fail a delivery.
func (a *Aggregator) RecordOutcome(ctx context.Context, webhookID string, success bool, responseTimeMS float64) {
	now := a.clock.Now()

	e := a.entry(webhookID)
	e.mu.Lock()
	e.stats.TotalDeliveries++
	e.stats.LastDeliveryAt = &now
	if success {
		e.stats.SuccessfulDeliveries++
		e.stats.LastSuccessAt = &now
	} else {
		e.stats.FailedDeliveries++
		e.stats.LastFailureAt = &now
	}
	e.stats.AverageResponseTimeMS += (responseTimeMS - e.stats.AverageResponseTimeMS) / float64(e.stats.TotalDeliveries)
	published := e.stats
	e.snap.Store(&published)
	e.mu.Unlock()

	if a.webhooks != nil {
		if err := a.webhooks.ApplyDeliveryOutcome(ctx, webhookID, success, responseTimeMS, now); err != nil {
			a.logger.Error("failed to persist delivery outcome",
				"error", err,
				"webhook_id", webhookID,
			)
		}
	}
}

// Snapshot returns the last published copy of the in-memory counters for
// the webhook. It takes no entry lock, so it never blocks a writer.
func (a *Aggregator) Snapshot(webhookID string) (domain.WebhookStats, bool) {
	a.mu.RLock()
	e, ok := a.entries[webhookID]
	a.mu.RUnlock()
	if !ok {
		return domain.WebhookStats{}, false
	}

	p := e.snap.Load()
	if p == nil {
		// Entry allocated but first outcome not yet published.
		return domain.WebhookStats{}, false
	}
	return *p, true
}

// Remove drops the in-memory counters for a deleted webhook.
func (a *Aggregator) Remove(webhookID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, webhookID)
}

func (a *Aggregator) entry(webhookID string) *entry {
	a.mu.RLock()
	e, ok := a.entries[webhookID]
	a.mu.RUnlock()
	if ok {
		return e
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok = a.entries[webhookID]; ok {
		return e
	}
	e = &entry{}
	a.entries[webhookID] = e
	return e
}
