package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hookwire/hookwire/internal/clock"
	"github.com/hookwire/hookwire/internal/domain"
	"github.com/hookwire/hookwire/internal/repository"
)

type stubWebhookRepo struct {
	hooks []*domain.Webhook
	err   error
}

func (s *stubWebhookRepo) Create(ctx context.Context, w *domain.Webhook) error { return nil }
func (s *stubWebhookRepo) Get(ctx context.Context, id string) (*domain.Webhook, error) {
	return nil, domain.ErrNotFound
}
func (s *stubWebhookRepo) List(ctx context.Context, activeOnly bool) ([]*domain.Webhook, error) {
	return nil, nil
}
func (s *stubWebhookRepo) GetActiveByEvent(ctx context.Context, event string) ([]*domain.Webhook, error) {
	return s.hooks, s.err
}
func (s *stubWebhookRepo) Update(ctx context.Context, w *domain.Webhook) error { return nil }
func (s *stubWebhookRepo) SetActive(ctx context.Context, id string, active bool) error {
	return nil
}
func (s *stubWebhookRepo) SetStatus(ctx context.Context, id string, status domain.WebhookStatus) error {
	return nil
}
func (s *stubWebhookRepo) SetLastError(ctx context.Context, id string, lastErr domain.LastError) error {
	return nil
}
func (s *stubWebhookRepo) ApplyDeliveryOutcome(ctx context.Context, id string, success bool, responseTimeMS float64, at time.Time) error {
	return nil
}
func (s *stubWebhookRepo) Delete(ctx context.Context, id string) error { return nil }

type memDeliveryRepo struct {
	created   []*domain.Delivery
	updated   []*domain.Delivery
	createErr error
}

func (m *memDeliveryRepo) Create(ctx context.Context, d *domain.Delivery) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, d)
	return nil
}
func (m *memDeliveryRepo) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	return nil, domain.ErrNotFound
}
func (m *memDeliveryRepo) Update(ctx context.Context, d *domain.Delivery) error {
	m.updated = append(m.updated, d)
	return nil
}

// ClaimDue mirrors the SQL claim: due pending/retrying rows are returned
// with next_retry_at pushed forward by claimFor.
func (m *memDeliveryRepo) ClaimDue(ctx context.Context, now time.Time, claimFor time.Duration, limit int) ([]*domain.Delivery, error) {
	var due []*domain.Delivery
	for _, d := range m.created {
		if len(due) == limit {
			break
		}
		if d.Status != domain.DeliveryStatusPending && d.Status != domain.DeliveryStatusRetrying {
			continue
		}
		if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		until := now.Add(claimFor)
		d.NextRetryAt = &until
		due = append(due, d)
	}
	return due, nil
}
func (m *memDeliveryRepo) ListByWebhook(ctx context.Context, webhookID string, f repository.DeliveryFilter) ([]*domain.Delivery, error) {
	return nil, nil
}
func (m *memDeliveryRepo) StatsWindow(ctx context.Context, webhookID string, since time.Time) (*repository.DeliveryStats, error) {
	return &repository.DeliveryStats{}, nil
}

type stubLimiter struct {
	deny  bool
	err   error
	calls int
}

func (s *stubLimiter) TryAcquire(ctx context.Context, webhookID string, cfg domain.RateLimitConfig) (bool, error) {
	s.calls++
	if s.err != nil {
		return true, s.err
	}
	return !s.deny, nil
}
func (s *stubLimiter) Remove(webhookID string) {}

type stubSubmitter struct {
	submitted []*domain.Delivery
	full      bool
}

func (s *stubSubmitter) Submit(d *domain.Delivery) bool {
	if s.full {
		return false
	}
	s.submitted = append(s.submitted, d)
	return true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWebhook(id string) *domain.Webhook {
	return &domain.Webhook{
		ID:       id,
		Name:     "orders",
		URL:      "https://example.com/hooks",
		Events:   []string{"order.created"},
		IsActive: true,
		Status:   domain.WebhookStatusActive,
		Retry: domain.RetryConfig{
			MaxRetries:        3,
			RetryDelayMS:      1000,
			BackoffMultiplier: 2,
			MaxRetryDelayMS:   60000,
		},
	}
}

func newDispatcher(repo *stubWebhookRepo, deliveries *memDeliveryRepo, limiter *stubLimiter, sub *stubSubmitter) *Dispatcher {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(repo, deliveries, limiter, sub, clk, discardLogger())
}

func TestDispatcher_CreatesDeliveryPerMatchingWebhook(t *testing.T) {
	repo := &stubWebhookRepo{hooks: []*domain.Webhook{testWebhook("wh_1"), testWebhook("wh_2")}}
	deliveries := &memDeliveryRepo{}
	sub := &stubSubmitter{}

	dp := newDispatcher(repo, deliveries, &stubLimiter{}, sub)
	dp.Dispatch(context.Background(), Event{
		Name:       "order.created",
		EntityType: "order",
		EntityID:   "ord_42",
		Payload:    json.RawMessage(`{"order_id":"ord_42"}`),
	})

	if len(deliveries.created) != 2 {
		t.Fatalf("created %d deliveries, want 2", len(deliveries.created))
	}
	if len(sub.submitted) != 2 {
		t.Fatalf("submitted %d deliveries, want 2", len(sub.submitted))
	}

	d := deliveries.created[0]
	if d.WebhookID != "wh_1" {
		t.Errorf("WebhookID = %q, want wh_1", d.WebhookID)
	}
	if d.Event != "order.created" {
		t.Errorf("Event = %q, want order.created", d.Event)
	}
	if d.Status != domain.DeliveryStatusPending {
		t.Errorf("Status = %q, want pending", d.Status)
	}
	if d.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4 (3 retries + first attempt)", d.MaxAttempts)
	}
	if deliveries.created[0].ID == deliveries.created[1].ID {
		t.Error("deliveries should get distinct ids")
	}
}

func TestDispatcher_FilterMismatchSkipsWebhook(t *testing.T) {
	w := testWebhook("wh_1")
	w.Filters = domain.FilterConfig{
		Enabled: true,
		Conditions: []domain.FilterCondition{
			{Field: "order.status", Operator: domain.FilterOperatorEquals, Value: "paid"},
		},
	}
	repo := &stubWebhookRepo{hooks: []*domain.Webhook{w}}
	deliveries := &memDeliveryRepo{}
	sub := &stubSubmitter{}

	dp := newDispatcher(repo, deliveries, &stubLimiter{}, sub)
	dp.Dispatch(context.Background(), Event{
		Name:    "order.created",
		Payload: json.RawMessage(`{"order":{"status":"draft"}}`),
	})

	if len(deliveries.created) != 0 {
		t.Errorf("created %d deliveries, want 0 for filtered event", len(deliveries.created))
	}
}

func TestDispatcher_ThrottledWebhookGetsNoDelivery(t *testing.T) {
	repo := &stubWebhookRepo{hooks: []*domain.Webhook{testWebhook("wh_1")}}
	deliveries := &memDeliveryRepo{}
	sub := &stubSubmitter{}

	dp := newDispatcher(repo, deliveries, &stubLimiter{deny: true}, sub)
	dp.Dispatch(context.Background(), Event{Name: "order.created", Payload: json.RawMessage(`{}`)})

	if len(deliveries.created) != 0 {
		t.Errorf("created %d deliveries, want 0 when throttled", len(deliveries.created))
	}
}

func TestDispatcher_LimiterErrorStillDelivers(t *testing.T) {
	repo := &stubWebhookRepo{hooks: []*domain.Webhook{testWebhook("wh_1")}}
	deliveries := &memDeliveryRepo{}
	sub := &stubSubmitter{}
	limiter := &stubLimiter{err: errors.New("redis unavailable")}

	dp := newDispatcher(repo, deliveries, limiter, sub)
	dp.Dispatch(context.Background(), Event{Name: "order.created", Payload: json.RawMessage(`{}`)})

	if len(deliveries.created) != 1 {
		t.Errorf("created %d deliveries, want 1: limiter errors must not drop events", len(deliveries.created))
	}
}

func TestDispatcher_CreateFailureDoesNotStopFanout(t *testing.T) {
	repo := &stubWebhookRepo{hooks: []*domain.Webhook{testWebhook("wh_1"), testWebhook("wh_2")}}
	deliveries := &memDeliveryRepo{createErr: errors.New("db down")}
	sub := &stubSubmitter{}

	dp := newDispatcher(repo, deliveries, &stubLimiter{}, sub)
	dp.Dispatch(context.Background(), Event{Name: "order.created", Payload: json.RawMessage(`{}`)})

	if len(sub.submitted) != 0 {
		t.Errorf("submitted %d deliveries, want 0 when creation fails", len(sub.submitted))
	}
}

func TestDispatcher_FullQueueStillCreatesRow(t *testing.T) {
	repo := &stubWebhookRepo{hooks: []*domain.Webhook{testWebhook("wh_1")}}
	deliveries := &memDeliveryRepo{}
	sub := &stubSubmitter{full: true}

	dp := newDispatcher(repo, deliveries, &stubLimiter{}, sub)
	dp.Dispatch(context.Background(), Event{Name: "order.created", Payload: json.RawMessage(`{}`)})

	// The row is the durable queue entry; the poller rescues it later.
	if len(deliveries.created) != 1 {
		t.Errorf("created %d deliveries, want 1 even when the queue is full", len(deliveries.created))
	}
}

func TestDispatcher_RowIsClaimedDuringDirectSubmit(t *testing.T) {
	repo := &stubWebhookRepo{hooks: []*domain.Webhook{testWebhook("wh_1")}}
	deliveries := &memDeliveryRepo{}
	sub := &stubSubmitter{}

	dp := newDispatcher(repo, deliveries, &stubLimiter{}, sub)
	dp.Dispatch(context.Background(), Event{Name: "order.created", Payload: json.RawMessage(`{}`)})

	if len(sub.submitted) != 1 {
		t.Fatalf("submitted %d deliveries, want 1", len(sub.submitted))
	}

	now := dp.clock.Now()
	d := deliveries.created[0]
	if d.NextRetryAt == nil || !d.NextRetryAt.After(now) {
		t.Fatalf("NextRetryAt = %v, want after %v: the row must stay claimed while the first attempt is in flight", d.NextRetryAt, now)
	}

	// A poller tick while the attempt is in flight must not see the row;
	// claiming it here would run a second concurrent attempt for the same
	// delivery.
	due, err := deliveries.ClaimDue(context.Background(), now, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("poller claimed %d rows, want 0 while the direct submission is in flight", len(due))
	}
}

func TestDispatcher_FullQueueReleasesClaim(t *testing.T) {
	repo := &stubWebhookRepo{hooks: []*domain.Webhook{testWebhook("wh_1")}}
	deliveries := &memDeliveryRepo{}
	sub := &stubSubmitter{full: true}

	dp := newDispatcher(repo, deliveries, &stubLimiter{}, sub)
	dp.Dispatch(context.Background(), Event{Name: "order.created", Payload: json.RawMessage(`{}`)})

	now := dp.clock.Now()
	d := deliveries.created[0]
	if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
		t.Fatalf("NextRetryAt = %v, want due at %v: a rejected submission must hand the row back to the poller", d.NextRetryAt, now)
	}
	if len(deliveries.updated) != 1 {
		t.Errorf("recorded %d updates, want 1 persisting the released claim", len(deliveries.updated))
	}

	due, err := deliveries.ClaimDue(context.Background(), now, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("poller claimed %d rows, want 1: the poller is the rescue path for a full queue", len(due))
	}
}

func TestDispatcher_ResolveErrorIsSwallowed(t *testing.T) {
	repo := &stubWebhookRepo{err: errors.New("db down")}
	deliveries := &memDeliveryRepo{}
	sub := &stubSubmitter{}

	dp := newDispatcher(repo, deliveries, &stubLimiter{}, sub)
	// Must not panic or propagate.
	dp.Dispatch(context.Background(), Event{Name: "order.created", Payload: json.RawMessage(`{}`)})

	if len(deliveries.created) != 0 {
		t.Errorf("created %d deliveries, want 0", len(deliveries.created))
	}
}
