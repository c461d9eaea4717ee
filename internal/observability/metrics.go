// Package observability provides Prometheus metrics, health checks, and
// request logging for the delivery engine.
//
// Uses github.com/prometheus/client_golang - the official Prometheus client.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. Metrics are
// automatically registered via promauto.
//
// Key metrics for monitoring:
//   - events_received_total: inbound event rate
//   - deliveries_succeeded_total: successful delivery rate
//   - deliveries_failed_total: permanent failures (alert on this)
//   - deliveries_dropped_total: executor queue saturation
//   - attempt_duration_seconds: receiver latency distribution
type Metrics struct {
	EventsReceived       prometheus.Counter
	DeliveriesDispatched prometheus.Counter
	DeliveriesFiltered   prometheus.Counter
	DeliveriesThrottled  prometheus.Counter
	DeliveriesDropped    prometheus.Counter
	DeliveriesSucceeded  prometheus.Counter
	DeliveriesFailed     prometheus.Counter
	DeliveriesRetried    prometheus.Counter
	DeliveryAttempts     prometheus.Counter
	AttemptDuration      prometheus.Histogram

	WebhooksUnhealthy *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics. The namespace
// prefixes all metric names (e.g. "hookwire_events_received_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of events received for dispatch",
		}),
		DeliveriesDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dispatched_total",
			Help:      "Total number of deliveries created and enqueued",
		}),
		DeliveriesFiltered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_filtered_total",
			Help:      "Total number of webhook matches skipped by payload filters",
		}),
		DeliveriesThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_throttled_total",
			Help:      "Total number of webhook matches skipped by rate limiting",
		}),
		DeliveriesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Total number of submissions rejected by a full executor queue",
		}),
		DeliveriesSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_succeeded_total",
			Help:      "Total number of deliveries acknowledged with a 2xx response",
		}),
		DeliveriesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_failed_total",
			Help:      "Total number of deliveries that failed permanently",
		}),
		DeliveriesRetried: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_retried_total",
			Help:      "Total number of delivery attempts scheduled for retry",
		}),
		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total number of HTTP delivery attempts made",
		}),
		AttemptDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of webhook delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		WebhooksUnhealthy: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_unhealthy_total",
			Help:      "Total number of times a webhook crossed the consecutive-failure threshold",
		}, []string{"webhook_id"}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}
