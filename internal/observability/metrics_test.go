package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	// Reset default registry for test isolation
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := NewMetrics("hookwire")

	if m.EventsReceived == nil {
		t.Error("EventsReceived counter should not be nil")
	}

	if m.DeliveriesSucceeded == nil {
		t.Error("DeliveriesSucceeded counter should not be nil")
	}

	if m.DeliveriesFailed == nil {
		t.Error("DeliveriesFailed counter should not be nil")
	}

	if m.AttemptDuration == nil {
		t.Error("AttemptDuration histogram should not be nil")
	}

	if m.HTTPRequestsTotal == nil {
		t.Error("HTTPRequestsTotal counter vec should not be nil")
	}

	if m.HTTPRequestDuration == nil {
		t.Error("HTTPRequestDuration histogram vec should not be nil")
	}
}

func TestMetrics_Increment(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := NewMetrics("test")

	m.EventsReceived.Inc()
	m.DeliveriesDispatched.Inc()
	m.DeliveriesFiltered.Inc()
	m.DeliveriesThrottled.Inc()
	m.DeliveriesDropped.Inc()
	m.DeliveriesSucceeded.Inc()
	m.DeliveriesFailed.Inc()
	m.DeliveriesRetried.Inc()
	m.DeliveryAttempts.Inc()
	m.AttemptDuration.Observe(0.5)
	m.WebhooksUnhealthy.WithLabelValues("wh_1").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/webhooks", "200").Inc()
	m.HTTPRequestDuration.WithLabelValues("GET", "/webhooks").Observe(0.1)

	// If we got here without panic, metrics are working
}
