// Package dispatcher fans events out to matching webhooks.
//
// For each inbound event the dispatcher resolves the active webhooks
// subscribed to the event name, applies each webhook's payload filters and
// rate limit, persists a delivery record, and hands the delivery to the
// executor. Dispatch is fire-and-forget: failures affect individual
// webhooks, never the event source.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hookwire/hookwire/internal/clock"
	"github.com/hookwire/hookwire/internal/domain"
	"github.com/hookwire/hookwire/internal/filter"
	"github.com/hookwire/hookwire/internal/observability"
	"github.com/hookwire/hookwire/internal/repository"
	"github.com/hookwire/hookwire/internal/resilience"
)

// Event is a business occurrence to fan out. EntityType and EntityID
// identify the subject for logging and diagnostics; only Payload goes on
// the wire.
type Event struct {
	Name       string          `json:"event"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Submitter accepts a delivery for execution without blocking.
type Submitter interface {
	Submit(d *domain.Delivery) bool
}

// claimWindow is how long a directly submitted delivery stays invisible to
// the retry poller. Must exceed the executor's per-attempt timeout, or the
// poller can claim a row whose first attempt is still in flight and run a
// second concurrent attempt for the same delivery.
const claimWindow = time.Minute

// Dispatcher resolves events to deliveries.
type Dispatcher struct {
	webhooks   repository.WebhookRepository
	deliveries repository.DeliveryRepository
	limiter    resilience.RateLimiter
	submitter  Submitter
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func New(
	webhooks repository.WebhookRepository,
	deliveries repository.DeliveryRepository,
	limiter resilience.RateLimiter,
	submitter Submitter,
	clk clock.Clock,
	logger *slog.Logger,
) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		webhooks:   webhooks,
		deliveries: deliveries,
		limiter:    limiter,
		submitter:  submitter,
		clock:      clk,
		logger:     logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (dp *Dispatcher) WithMetrics(m *observability.Metrics) *Dispatcher {
	dp.metrics = m
	return dp
}

// Dispatch fans the event out to every matching webhook. One delivery
// record is created per webhook that passes filtering and rate limiting.
// Errors are logged per webhook; the caller never sees them.
func (dp *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if dp.metrics != nil {
		dp.metrics.EventsReceived.Inc()
	}

	hooks, err := dp.webhooks.GetActiveByEvent(ctx, ev.Name)
	if err != nil {
		dp.logger.Error("failed to resolve webhooks for event",
			"error", err,
			"event", ev.Name,
		)
		return
	}
	if len(hooks) == 0 {
		return
	}

	for _, w := range hooks {
		if !filter.Matches(w.Filters, ev.Payload) {
			if dp.metrics != nil {
				dp.metrics.DeliveriesFiltered.Inc()
			}
			dp.logger.Debug("event filtered out",
				"event", ev.Name,
				"webhook_id", w.ID,
			)
			continue
		}

		allowed, err := dp.limiter.TryAcquire(ctx, w.ID, w.RateLimit)
		if err != nil {
			dp.logger.Warn("rate limiter error, allowing delivery",
				"error", err,
				"webhook_id", w.ID,
			)
		}
		if !allowed {
			if dp.metrics != nil {
				dp.metrics.DeliveriesThrottled.Inc()
			}
			dp.logger.Debug("delivery throttled",
				"event", ev.Name,
				"webhook_id", w.ID,
			)
			continue
		}

		now := dp.clock.Now()
		d := domain.NewDelivery(uuid.NewString(), w, ev.Name, ev.Payload, now)
		// The row is written pre-claimed: the direct submission below hands
		// it to the executor, and the poller must not claim it again while
		// that first attempt is in flight.
		d.Claim(now.Add(claimWindow), now)
		if err := dp.deliveries.Create(ctx, d); err != nil {
			dp.logger.Error("failed to create delivery",
				"error", err,
				"event", ev.Name,
				"webhook_id", w.ID,
			)
			continue
		}

		// A full queue is not a loss: release the claim so the poller picks
		// the row up on its next pass. If the release update fails too, the
		// claim expires on its own and only delivery latency suffers.
		if !dp.submitter.Submit(d) {
			d.Release(dp.clock.Now())
			if err := dp.deliveries.Update(ctx, d); err != nil {
				dp.logger.Error("failed to release delivery claim",
					"error", err,
					"delivery_id", d.ID,
				)
			}
			dp.logger.Debug("executor queue full, deferring to poller",
				"delivery_id", d.ID,
				"webhook_id", w.ID,
			)
		}

		if dp.metrics != nil {
			dp.metrics.DeliveriesDispatched.Inc()
		}
		dp.logger.Info("delivery dispatched",
			"delivery_id", d.ID,
			"event", ev.Name,
			"entity_type", ev.EntityType,
			"entity_id", ev.EntityID,
			"webhook_id", w.ID,
		)
	}
}
