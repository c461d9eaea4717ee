package repository

import (
	"context"
	"time"

	"github.com/hookwire/hookwire/internal/domain"
)

// WebhookRepository persists webhook subscriptions (the webhook registry
// store).
type WebhookRepository interface {
	Create(ctx context.Context, w *domain.Webhook) error
	Get(ctx context.Context, id string) (*domain.Webhook, error)
	List(ctx context.Context, activeOnly bool) ([]*domain.Webhook, error)
	// GetActiveByEvent returns active webhooks subscribed to the event name.
	GetActiveByEvent(ctx context.Context, event string) ([]*domain.Webhook, error)
	Update(ctx context.Context, w *domain.Webhook) error
	SetActive(ctx context.Context, id string, active bool) error
	SetStatus(ctx context.Context, id string, status domain.WebhookStatus) error
	SetLastError(ctx context.Context, id string, lastErr domain.LastError) error
	// ApplyDeliveryOutcome atomically rolls a delivery outcome into the
	// webhook's persisted stats, including the incremental response-time mean.
	ApplyDeliveryOutcome(ctx context.Context, id string, success bool, responseTimeMS float64, at time.Time) error
	// Delete hard-deletes the webhook; its deliveries are removed by cascade.
	Delete(ctx context.Context, id string) error
}

// DeliveryFilter narrows ListByWebhook. Nil fields are not applied.
type DeliveryFilter struct {
	Status *domain.DeliveryStatus
	Event  *string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// DeliveryStats is a trailing-window rollup over a webhook's deliveries.
type DeliveryStats struct {
	Total             int64   `json:"total"`
	Delivered         int64   `json:"delivered"`
	Failed            int64   `json:"failed"`
	Pending           int64   `json:"pending"`
	Retrying          int64   `json:"retrying"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
}

// DeliveryRepository persists delivery records (the delivery record store)
// and doubles as the durable work queue keyed by (status, next_retry_at).
type DeliveryRepository interface {
	Create(ctx context.Context, d *domain.Delivery) error
	Get(ctx context.Context, id string) (*domain.Delivery, error)
	Update(ctx context.Context, d *domain.Delivery) error
	// ClaimDue returns pending/retrying deliveries whose next_retry_at has
	// elapsed, pushing their next_retry_at forward by claimFor so concurrent
	// pollers (or other instances) skip them. A claim that is never followed
	// by an outcome simply becomes due again after claimFor.
	ClaimDue(ctx context.Context, now time.Time, claimFor time.Duration, limit int) ([]*domain.Delivery, error)
	ListByWebhook(ctx context.Context, webhookID string, f DeliveryFilter) ([]*domain.Delivery, error)
	// StatsWindow aggregates outcomes for the webhook since the given time.
	StatsWindow(ctx context.Context, webhookID string, since time.Time) (*DeliveryStats, error)
}
