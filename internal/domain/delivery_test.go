package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewDelivery(t *testing.T) {
	w := validWebhook()
	w.Retry.MaxRetries = 2
	now := time.Now()

	d := NewDelivery("dl_1", w, "ticket.updated", json.RawMessage(`{"id":7}`), now)

	if d.Status != DeliveryStatusPending {
		t.Errorf("Status = %v, want %v", d.Status, DeliveryStatusPending)
	}
	if d.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", d.MaxAttempts)
	}
	if d.NextRetryAt == nil || !d.NextRetryAt.Equal(now) {
		t.Errorf("NextRetryAt = %v, want %v (due immediately)", d.NextRetryAt, now)
	}
	if !d.ScheduledAt.Equal(now) {
		t.Errorf("ScheduledAt = %v, want %v", d.ScheduledAt, now)
	}
}

func TestDelivery_CanRetry(t *testing.T) {
	tests := []struct {
		name        string
		attempts    int
		maxAttempts int
		want        bool
	}{
		{"fresh", 0, 3, true},
		{"one left", 2, 3, true},
		{"exhausted", 3, 3, false},
		{"over budget", 4, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Delivery{Attempts: tt.attempts, MaxAttempts: tt.maxAttempts}
			if got := d.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelivery_MarkDelivered(t *testing.T) {
	next := time.Now()
	d := Delivery{Status: DeliveryStatusRetrying, Attempts: 2, NextRetryAt: &next}
	now := time.Now()

	d.MarkDelivered(now)

	if d.Status != DeliveryStatusDelivered {
		t.Errorf("Status = %v, want %v", d.Status, DeliveryStatusDelivered)
	}
	if d.DeliveredAt == nil || !d.DeliveredAt.Equal(now) {
		t.Errorf("DeliveredAt = %v, want %v", d.DeliveredAt, now)
	}
	if d.NextRetryAt != nil {
		t.Errorf("NextRetryAt = %v, want nil", d.NextRetryAt)
	}
	if !d.IsTerminal() {
		t.Error("delivered should be terminal")
	}
}

func TestDelivery_MarkRetrying(t *testing.T) {
	d := Delivery{Status: DeliveryStatusPending, Attempts: 1, MaxAttempts: 3}
	now := time.Now()
	next := now.Add(2 * time.Second)

	d.MarkRetrying(next, "delivery failed with status 503", now)

	if d.Status != DeliveryStatusRetrying {
		t.Errorf("Status = %v, want %v", d.Status, DeliveryStatusRetrying)
	}
	if d.NextRetryAt == nil || !d.NextRetryAt.Equal(next) {
		t.Errorf("NextRetryAt = %v, want %v", d.NextRetryAt, next)
	}
	if d.Error == nil || *d.Error != "delivery failed with status 503" {
		t.Errorf("Error = %v, want the failure message", d.Error)
	}
	if d.DeliveredAt != nil {
		t.Errorf("DeliveredAt = %v, want nil while retrying", d.DeliveredAt)
	}
}

func TestDelivery_MarkFailed(t *testing.T) {
	next := time.Now()
	d := Delivery{Status: DeliveryStatusRetrying, Attempts: 3, MaxAttempts: 3, NextRetryAt: &next}
	now := time.Now()

	d.MarkFailed("delivery failed with status 503", now)

	if d.Status != DeliveryStatusFailed {
		t.Errorf("Status = %v, want %v", d.Status, DeliveryStatusFailed)
	}
	if d.NextRetryAt != nil {
		t.Errorf("NextRetryAt = %v, want nil", d.NextRetryAt)
	}
	if d.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3 (MarkFailed must not count an attempt)", d.Attempts)
	}
	if !d.IsTerminal() {
		t.Error("failed should be terminal")
	}
}

func TestDelivery_ResetForRetry(t *testing.T) {
	errMsg := "delivery failed with status 500"
	d := Delivery{
		Status:      DeliveryStatusFailed,
		Attempts:    3,
		MaxAttempts: 3,
		Error:       &errMsg,
		Response:    &ResponseSnapshot{StatusCode: 500},
	}
	now := time.Now()

	d.ResetForRetry(now)

	if d.Status != DeliveryStatusPending {
		t.Errorf("Status = %v, want %v", d.Status, DeliveryStatusPending)
	}
	if d.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", d.Attempts)
	}
	if d.NextRetryAt == nil || !d.NextRetryAt.Equal(now) {
		t.Errorf("NextRetryAt = %v, want %v", d.NextRetryAt, now)
	}
	if d.Error != nil || d.Response != nil || d.DeliveredAt != nil {
		t.Error("ResetForRetry should clear error, response, and delivered_at")
	}
	if !d.CanRetry() {
		t.Error("reset delivery should have attempt budget again")
	}
}
