// Package executor performs webhook delivery attempts.
//
// A Pool of worker goroutines consumes deliveries from a bounded queue fed
// by the dispatcher (new deliveries) and the retry poller (due retries).
// Each attempt is one HTTP request/response cycle: build, sign, send,
// classify, record. Attempts for a single delivery are strictly sequential:
// a delivery row is claimed (its next_retry_at pushed past the attempt
// timeout) before it enters the queue, whether it arrives via the
// dispatcher's direct submit or the poller's ClaimDue, so the same delivery
// is never in flight twice. Distinct deliveries execute concurrently.
package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hookwire/hookwire/internal/clock"
	"github.com/hookwire/hookwire/internal/domain"
	"github.com/hookwire/hookwire/internal/observability"
	"github.com/hookwire/hookwire/internal/repository"
	"github.com/hookwire/hookwire/internal/resilience"
	"github.com/hookwire/hookwire/internal/retry"
	"github.com/hookwire/hookwire/internal/signature"
	"github.com/hookwire/hookwire/internal/stats"
)

// Headers identifying the delivery to the receiver. The delivery id enables
// receiver-side deduplication under at-least-once delivery.
const (
	HeaderSignature  = "X-Hookwire-Signature"
	HeaderEvent      = "X-Hookwire-Event"
	HeaderDeliveryID = "X-Hookwire-Delivery"
	HeaderTimestamp  = "X-Hookwire-Timestamp"
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config defines executor pool parameters.
//
// Workers: number of concurrent delivery goroutines.
// QueueSize: bounded queue capacity; Submit drops when full.
// Timeout: per-attempt HTTP timeout.
// MaxResponseBytes: stored response body cap.
type Config struct {
	Workers          int
	QueueSize        int
	Timeout          time.Duration
	MaxResponseBytes int64
}

func DefaultConfig() Config {
	return Config{
		Workers:          10,
		QueueSize:        256,
		Timeout:          30 * time.Second,
		MaxResponseBytes: 4096,
	}
}

// Outcome is the raw result of one attempt. It is returned synchronously by
// Test so operators can diagnose configuration problems.
type Outcome struct {
	StatusCode int             `json:"status_code,omitempty"`
	Body       string          `json:"body,omitempty"`
	Headers    []domain.Header `json:"headers,omitempty"`
	Duration   time.Duration   `json:"-"`
	DurationMS int64           `json:"duration_ms"`
	Err        error           `json:"-"`
	Error      string          `json:"error,omitempty"`
}

// Success reports a 2xx response.
func (o Outcome) Success() bool {
	return o.Err == nil && o.StatusCode >= 200 && o.StatusCode < 300
}

// errBuildRequest marks a webhook configuration the transport cannot even
// turn into a request. Retrying cannot fix it.
var errBuildRequest = errors.New("build request")

// Permanent reports a failure that retrying cannot fix: a 4xx rejection
// (excluding 429), or a request that could not be constructed at all.
func (o Outcome) Permanent() bool {
	if errors.Is(o.Err, errBuildRequest) {
		return true
	}
	return o.Err == nil && o.StatusCode >= 400 && o.StatusCode < 500 && o.StatusCode != http.StatusTooManyRequests
}

func (o Outcome) message() string {
	if o.Err != nil {
		return fmt.Sprintf("request failed: %v", o.Err)
	}
	return fmt.Sprintf("delivery failed with status %d", o.StatusCode)
}

// Pool manages the delivery worker goroutines. Use NewPool to create, then
// Start to begin processing and Stop for graceful shutdown.
type Pool struct {
	config     Config
	webhooks   repository.WebhookRepository
	deliveries repository.DeliveryRepository
	client     HTTPClient
	clock      clock.Clock
	policy     retry.Policy
	logger     *slog.Logger

	stats   *stats.Aggregator
	health  *resilience.HealthMonitor
	metrics *observability.Metrics

	queue  chan *domain.Delivery
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(
	config Config,
	webhooks repository.WebhookRepository,
	deliveries repository.DeliveryRepository,
	client HTTPClient,
	clk clock.Clock,
	policy retry.Policy,
	logger *slog.Logger,
) *Pool {
	if config.Workers <= 0 {
		config.Workers = 10
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = 4096
	}
	if client == nil {
		client = &http.Client{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		config:     config,
		webhooks:   webhooks,
		deliveries: deliveries,
		client:     client,
		clock:      clk,
		policy:     policy,
		logger:     logger,
		queue:      make(chan *domain.Delivery, config.QueueSize),
	}
}

// WithStats enables per-webhook delivery counters.
func (p *Pool) WithStats(a *stats.Aggregator) *Pool {
	p.stats = a
	return p
}

// WithHealth enables the consecutive-failure health signal.
func (p *Pool) WithHealth(h *resilience.HealthMonitor) *Pool {
	p.health = h
	return p
}

// WithMetrics enables Prometheus metrics collection.
func (p *Pool) WithMetrics(m *observability.Metrics) *Pool {
	p.metrics = m
	return p
}

// Submit hands a delivery to the pool without blocking. It returns false
// when the queue is full; the caller must not treat that as a delivery
// failure (the durable queue row stays due and the poller will resubmit).
func (p *Pool) Submit(d *domain.Delivery) bool {
	select {
	case p.queue <- d:
		return true
	default:
		if p.metrics != nil {
			p.metrics.DeliveriesDropped.Inc()
		}
		return false
	}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.logger.Info("executor pool started", "workers", p.config.Workers, "queue_size", p.config.QueueSize)
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("executor pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-p.queue:
			p.Process(ctx, d)
		}
	}
}

// Process runs one attempt for the delivery and records the outcome.
// Exported so tests and the operator retry path can drive a delivery
// synchronously.
func (p *Pool) Process(ctx context.Context, d *domain.Delivery) {
	// Terminal deliveries are never re-attempted.
	if d.IsTerminal() {
		return
	}

	w, err := p.webhooks.Get(ctx, d.WebhookID)
	if errors.Is(err, domain.ErrNotFound) {
		// Webhook was deleted; its delivery rows are gone via cascade.
		p.logger.Debug("skipping delivery for deleted webhook", "delivery_id", d.ID, "webhook_id", d.WebhookID)
		return
	}
	if err != nil {
		// Leave the claim to expire; the poller retries the row later.
		p.logger.Error("failed to load webhook", "error", err, "delivery_id", d.ID)
		return
	}

	if !w.IsActive {
		d.MarkFailed(domain.ErrWebhookInactive.Error(), p.clock.Now())
		p.update(ctx, d)
		return
	}

	out := p.attempt(ctx, d, w)
	p.record(ctx, d, w, out)
}

// attempt performs the HTTP request and fills the delivery's attempt count
// and request/response snapshots.
func (p *Pool) attempt(ctx context.Context, d *domain.Delivery, w *domain.Webhook) Outcome {
	body := []byte(d.Payload)

	req, sent, err := p.buildRequest(ctx, w, d.Event, d.ID, body)
	if err != nil {
		// Configuration error: no request was made, so no attempt is
		// counted. Permanent() fails the delivery without retrying.
		return Outcome{Err: err}
	}

	d.Request = &domain.RequestSnapshot{
		URL:     w.URL,
		Method:  req.Method,
		Headers: sent,
		Body:    string(body),
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	req = req.WithContext(attemptCtx)

	start := p.clock.Now()
	resp, err := p.client.Do(req)
	duration := p.clock.Since(start)

	d.RecordAttempt(p.clock.Now())
	if p.metrics != nil {
		p.metrics.DeliveryAttempts.Inc()
		p.metrics.AttemptDuration.Observe(duration.Seconds())
	}

	if err != nil {
		return Outcome{Err: err, Duration: duration, DurationMS: duration.Milliseconds()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxResponseBytes))

	var respHeaders []domain.Header
	for name, values := range resp.Header {
		for _, v := range values {
			respHeaders = append(respHeaders, domain.Header{Name: name, Value: v})
		}
	}

	return Outcome{
		StatusCode: resp.StatusCode,
		Body:       string(raw),
		Headers:    respHeaders,
		Duration:   duration,
		DurationMS: duration.Milliseconds(),
	}
}

func (p *Pool) record(ctx context.Context, d *domain.Delivery, w *domain.Webhook, out Outcome) {
	now := p.clock.Now()
	responseTimeMS := float64(out.DurationMS)

	if out.Err == nil {
		d.Response = &domain.ResponseSnapshot{
			StatusCode:     out.StatusCode,
			Headers:        out.Headers,
			Body:           out.Body,
			ResponseTimeMS: out.DurationMS,
		}
	}

	if out.Success() {
		d.MarkDelivered(now)
		p.update(ctx, d)
		if p.stats != nil {
			p.stats.RecordOutcome(ctx, w.ID, true, responseTimeMS)
		}
		if p.health != nil {
			p.health.RecordSuccess(w.ID)
		}
		if w.Status == domain.WebhookStatusError {
			// Recovered endpoint: clear the operational signal.
			if err := p.webhooks.SetStatus(ctx, w.ID, domain.WebhookStatusActive); err != nil {
				p.logger.Warn("failed to clear webhook error status", "error", err, "webhook_id", w.ID)
			}
		}
		if p.metrics != nil {
			p.metrics.DeliveriesSucceeded.Inc()
		}
		p.logger.Debug("delivery succeeded",
			"delivery_id", d.ID,
			"webhook_id", w.ID,
			"status_code", out.StatusCode,
			"attempts", d.Attempts,
			"duration_ms", out.DurationMS,
		)
		return
	}

	errMsg := out.message()

	if out.Permanent() || !d.CanRetry() {
		d.MarkFailed(errMsg, now)
		if p.metrics != nil {
			p.metrics.DeliveriesFailed.Inc()
		}
		p.logger.Warn("delivery failed permanently",
			"delivery_id", d.ID,
			"webhook_id", w.ID,
			"attempts", d.Attempts,
			"error", errMsg,
		)
	} else {
		next := p.policy.NextRetryAt(now, w.Retry, d.Attempts)
		d.MarkRetrying(next, errMsg, now)
		if p.metrics != nil {
			p.metrics.DeliveriesRetried.Inc()
		}
		p.logger.Info("delivery scheduled for retry",
			"delivery_id", d.ID,
			"webhook_id", w.ID,
			"attempt", d.Attempts,
			"next_retry_at", next,
		)
	}
	p.update(ctx, d)

	if p.stats != nil {
		p.stats.RecordOutcome(ctx, w.ID, false, responseTimeMS)
	}

	lastErr := domain.LastError{Message: errMsg, OccurredAt: now}
	if out.Err == nil {
		code := out.StatusCode
		body := out.Body
		lastErr.StatusCode = &code
		lastErr.Body = &body
	}
	if err := p.webhooks.SetLastError(ctx, w.ID, lastErr); err != nil && !errors.Is(err, domain.ErrNotFound) {
		p.logger.Error("failed to record webhook last error", "error", err, "webhook_id", w.ID)
	}

	if p.health != nil {
		p.health.RecordFailure(w.ID)
	}
}

func (p *Pool) update(ctx context.Context, d *domain.Delivery) {
	if err := p.deliveries.Update(ctx, d); err != nil && !errors.Is(err, domain.ErrNotFound) {
		p.logger.Error("failed to update delivery", "error", err, "delivery_id", d.ID)
	}
}

// Test executes exactly one out-of-band attempt with an arbitrary payload
// and returns the raw outcome synchronously. It does not persist a delivery
// record, consume retry budget, or touch stats.
func (p *Pool) Test(ctx context.Context, w *domain.Webhook, payload json.RawMessage) Outcome {
	body := []byte(payload)

	req, _, err := p.buildRequest(ctx, w, "webhook.test", uuid.NewString(), body)
	if err != nil {
		return Outcome{Err: err, Error: err.Error()}
	}

	testCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	req = req.WithContext(testCtx)

	start := p.clock.Now()
	resp, err := p.client.Do(req)
	duration := p.clock.Since(start)
	if err != nil {
		return Outcome{Err: err, Error: err.Error(), Duration: duration, DurationMS: duration.Milliseconds()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxResponseBytes))

	return Outcome{
		StatusCode: resp.StatusCode,
		Body:       string(raw),
		Duration:   duration,
		DurationMS: duration.Milliseconds(),
	}
}

// buildRequest assembles the outbound request. Headers are applied in a
// defined order: static webhook headers first, then auth, then the
// signature and identification headers. The signature covers the exact
// bytes sent as the body.
func (p *Pool) buildRequest(ctx context.Context, w *domain.Webhook, event, deliveryID string, body []byte) (*http.Request, []domain.Header, error) {
	method := w.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, w.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errBuildRequest, err)
	}

	sent := []domain.Header{{Name: "Content-Type", Value: "application/json"}}
	sent = append(sent, w.Headers...)

	switch w.AuthType {
	case domain.AuthTypeBasic:
		cred := base64.StdEncoding.EncodeToString([]byte(w.AuthConfig.Username + ":" + w.AuthConfig.Password))
		sent = append(sent, domain.Header{Name: "Authorization", Value: "Basic " + cred})
	case domain.AuthTypeBearer:
		sent = append(sent, domain.Header{Name: "Authorization", Value: "Bearer " + w.AuthConfig.Token})
	case domain.AuthTypeCustom:
		sent = append(sent, w.AuthConfig.CustomHeaders...)
	}

	if w.Secret != nil && *w.Secret != "" {
		sent = append(sent, domain.Header{Name: HeaderSignature, Value: signature.Sign(body, *w.Secret)})
	}

	sent = append(sent,
		domain.Header{Name: HeaderEvent, Value: event},
		domain.Header{Name: HeaderDeliveryID, Value: deliveryID},
		domain.Header{Name: HeaderTimestamp, Value: strconv.FormatInt(p.clock.Now().Unix(), 10)},
	)

	for _, h := range sent {
		req.Header.Set(h.Name, h.Value)
	}

	return req, sent, nil
}
