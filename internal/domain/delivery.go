package domain

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusRetrying  DeliveryStatus = "retrying"
)

// RequestSnapshot is the request as sent on the most recent attempt.
type RequestSnapshot struct {
	URL     string   `json:"url"`
	Method  string   `json:"method"`
	Headers []Header `json:"headers"`
	Body    string   `json:"body"`
}

// ResponseSnapshot is the response from the most recent attempt. The body is
// truncated to a bounded length; it is stored for diagnostics only.
type ResponseSnapshot struct {
	StatusCode     int      `json:"status_code"`
	Headers        []Header `json:"headers,omitempty"`
	Body           string   `json:"body,omitempty"`
	ResponseTimeMS int64    `json:"response_time_ms"`
}

// Delivery is one logical notification of an event to a webhook, spanning
// one or more attempts. The payload is immutable once recorded; MaxAttempts
// is copied from the webhook at creation time so later config edits do not
// change in-flight deliveries.
type Delivery struct {
	ID        string `json:"id"`
	WebhookID string `json:"webhook_id"`

	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`

	Request  *RequestSnapshot  `json:"request,omitempty"`
	Response *ResponseSnapshot `json:"response,omitempty"`

	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Error       *string        `json:"error,omitempty"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDelivery creates a pending delivery for one event occurrence on one
// webhook, due immediately.
func NewDelivery(id string, webhook *Webhook, event string, payload json.RawMessage, now time.Time) *Delivery {
	due := now
	return &Delivery{
		ID:          id,
		WebhookID:   webhook.ID,
		Event:       event,
		Payload:     payload,
		Status:      DeliveryStatusPending,
		Attempts:    0,
		MaxAttempts: webhook.MaxAttempts(),
		ScheduledAt: now,
		NextRetryAt: &due,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CanRetry reports whether the delivery has attempt budget left.
func (d *Delivery) CanRetry() bool {
	return d.Attempts < d.MaxAttempts
}

// Claim hides the delivery from the retry poller until the deadline, so a
// directly submitted delivery cannot be picked up a second time while its
// attempt is in flight. The claim self-expires: if the process dies before
// recording an outcome, the row becomes due again at the deadline.
func (d *Delivery) Claim(until time.Time, now time.Time) {
	d.NextRetryAt = &until
	d.UpdatedAt = now
}

// Release undoes an unused claim, making the delivery due immediately.
func (d *Delivery) Release(now time.Time) {
	d.NextRetryAt = &now
	d.UpdatedAt = now
}

// IsTerminal reports whether the delivery has reached a final state.
func (d *Delivery) IsTerminal() bool {
	return d.Status == DeliveryStatusDelivered || d.Status == DeliveryStatusFailed
}

// RecordAttempt counts one attempt. The executor calls this exactly once per
// HTTP request, before classifying the outcome.
func (d *Delivery) RecordAttempt(now time.Time) {
	d.Attempts++
	d.UpdatedAt = now
}

func (d *Delivery) MarkDelivered(now time.Time) {
	d.Status = DeliveryStatusDelivered
	d.DeliveredAt = &now
	d.NextRetryAt = nil
	d.Error = nil
	d.UpdatedAt = now
}

func (d *Delivery) MarkRetrying(nextRetryAt time.Time, errMsg string, now time.Time) {
	d.Status = DeliveryStatusRetrying
	d.NextRetryAt = &nextRetryAt
	d.Error = &errMsg
	d.UpdatedAt = now
}

func (d *Delivery) MarkFailed(errMsg string, now time.Time) {
	d.Status = DeliveryStatusFailed
	d.NextRetryAt = nil
	d.Error = &errMsg
	d.UpdatedAt = now
}

// ResetForRetry is the operator-triggered "retry failed delivery" transition:
// back to pending with a fresh attempt budget, due immediately. It is the
// only externally triggered state transition.
func (d *Delivery) ResetForRetry(now time.Time) {
	d.Status = DeliveryStatusPending
	d.Attempts = 0
	d.Error = nil
	d.Response = nil
	d.DeliveredAt = nil
	d.NextRetryAt = &now
	d.UpdatedAt = now
}
