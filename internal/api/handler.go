// Package api exposes the operator HTTP surface: webhook registration and
// management, delivery inspection, and event ingestion.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hookwire/hookwire/internal/clock"
	"github.com/hookwire/hookwire/internal/dispatcher"
	"github.com/hookwire/hookwire/internal/domain"
	"github.com/hookwire/hookwire/internal/executor"
	"github.com/hookwire/hookwire/internal/repository"
	"github.com/hookwire/hookwire/internal/stats"
)

// Tester runs a one-off out-of-band delivery attempt.
type Tester interface {
	Test(ctx context.Context, w *domain.Webhook, payload json.RawMessage) executor.Outcome
}

// Cleaner releases per-webhook state held outside the database. The rate
// limiter, health monitor, and stats aggregator all satisfy it via adapters
// in the wiring code.
type Cleaner interface {
	Remove(webhookID string)
}

// retryClaimWindow hides an operator-requeued delivery from the retry poller
// while its direct submission is in flight. Must exceed the executor's
// per-attempt timeout.
const retryClaimWindow = time.Minute

type Handler struct {
	webhooks   repository.WebhookRepository
	deliveries repository.DeliveryRepository
	dispatcher *dispatcher.Dispatcher
	submitter  dispatcher.Submitter
	tester     Tester
	stats      *stats.Aggregator
	cleaners   []Cleaner
	clock      clock.Clock
	logger     *slog.Logger
}

func NewHandler(
	webhooks repository.WebhookRepository,
	deliveries repository.DeliveryRepository,
	dp *dispatcher.Dispatcher,
	submitter dispatcher.Submitter,
	tester Tester,
	agg *stats.Aggregator,
	clk clock.Clock,
	logger *slog.Logger,
	cleaners ...Cleaner,
) *Handler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Handler{
		webhooks:   webhooks,
		deliveries: deliveries,
		dispatcher: dp,
		submitter:  submitter,
		tester:     tester,
		stats:      agg,
		cleaners:   cleaners,
		clock:      clk,
		logger:     logger,
	}
}

type CreateWebhookRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Method      string   `json:"method"`
	Events      []string `json:"events"`

	Secret     *string           `json:"secret,omitempty"`
	AuthType   domain.AuthType   `json:"auth_type"`
	AuthConfig domain.AuthConfig `json:"auth_config"`
	Headers    []domain.Header   `json:"headers"`

	Retry     *domain.RetryConfig     `json:"retry_config,omitempty"`
	RateLimit *domain.RateLimitConfig `json:"rate_limit,omitempty"`
	Filters   *domain.FilterConfig    `json:"filters,omitempty"`
}

func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := h.clock.Now()
	webhook := &domain.Webhook{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		URL:         req.URL,
		Method:      req.Method,
		Events:      req.Events,
		Secret:      req.Secret,
		AuthType:    req.AuthType,
		AuthConfig:  req.AuthConfig,
		Headers:     req.Headers,
		Retry:       domain.DefaultRetryConfig(),
		IsActive:    true,
		Status:      domain.WebhookStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if webhook.Method == "" {
		webhook.Method = http.MethodPost
	}
	if webhook.AuthType == "" {
		webhook.AuthType = domain.AuthTypeNone
	}
	if req.Retry != nil {
		webhook.Retry = *req.Retry
	}
	if req.RateLimit != nil {
		webhook.RateLimit = *req.RateLimit
	}
	if req.Filters != nil {
		webhook.Filters = *req.Filters
	}

	if err := webhook.Validate(); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.webhooks.Create(r.Context(), webhook); err != nil {
		h.logger.Error("failed to create webhook", "error", err, "name", req.Name)
		h.respondError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}

	h.respondJSON(w, http.StatusCreated, webhook)
}

func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	hooks, err := h.webhooks.List(r.Context(), activeOnly)
	if err != nil {
		h.logger.Error("failed to list webhooks", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}

	h.respondJSON(w, http.StatusOK, hooks)
}

func (h *Handler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.loadWebhook(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, webhook)
}

// UpdateWebhookRequest carries a partial update; nil fields keep their
// current value.
type UpdateWebhookRequest struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	URL         *string   `json:"url,omitempty"`
	Method      *string   `json:"method,omitempty"`
	Events      *[]string `json:"events,omitempty"`

	Secret     *string            `json:"secret,omitempty"`
	AuthType   *domain.AuthType   `json:"auth_type,omitempty"`
	AuthConfig *domain.AuthConfig `json:"auth_config,omitempty"`
	Headers    *[]domain.Header   `json:"headers,omitempty"`

	Retry     *domain.RetryConfig     `json:"retry_config,omitempty"`
	RateLimit *domain.RateLimitConfig `json:"rate_limit,omitempty"`
	Filters   *domain.FilterConfig    `json:"filters,omitempty"`
}

func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.loadWebhook(w, r)
	if !ok {
		return
	}

	var req UpdateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil {
		webhook.Name = *req.Name
	}
	if req.Description != nil {
		webhook.Description = *req.Description
	}
	if req.URL != nil {
		webhook.URL = *req.URL
	}
	if req.Method != nil {
		webhook.Method = *req.Method
	}
	if req.Events != nil {
		webhook.Events = *req.Events
	}
	if req.Secret != nil {
		webhook.Secret = req.Secret
	}
	if req.AuthType != nil {
		webhook.AuthType = *req.AuthType
	}
	if req.AuthConfig != nil {
		webhook.AuthConfig = *req.AuthConfig
	}
	if req.Headers != nil {
		webhook.Headers = *req.Headers
	}
	if req.Retry != nil {
		webhook.Retry = *req.Retry
	}
	if req.RateLimit != nil {
		webhook.RateLimit = *req.RateLimit
	}
	if req.Filters != nil {
		webhook.Filters = *req.Filters
	}
	webhook.UpdatedAt = h.clock.Now()

	if err := webhook.Validate(); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.webhooks.Update(r.Context(), webhook); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		h.logger.Error("failed to update webhook", "error", err, "webhook_id", webhook.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}

	h.respondJSON(w, http.StatusOK, webhook)
}

func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "webhook id is required")
		return
	}

	if err := h.webhooks.Delete(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		h.logger.Error("failed to delete webhook", "error", err, "webhook_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}

	for _, c := range h.cleaners {
		c.Remove(id)
	}

	w.WriteHeader(http.StatusNoContent)
}

type ToggleWebhookRequest struct {
	Active *bool `json:"active"`
}

// ToggleWebhook activates or deactivates a webhook. With an explicit
// "active" field the state is set; without a body the state is flipped.
// Deactivation stops future dispatch only: deliveries already in flight
// fail when the executor observes the inactive flag.
func (h *Handler) ToggleWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.loadWebhook(w, r)
	if !ok {
		return
	}

	target := !webhook.IsActive
	var req ToggleWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Active != nil {
		target = *req.Active
	}

	if err := h.webhooks.SetActive(r.Context(), webhook.ID, target); err != nil {
		h.logger.Error("failed to toggle webhook", "error", err, "webhook_id", webhook.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to toggle webhook")
		return
	}

	webhook.IsActive = target
	if target {
		webhook.Status = domain.WebhookStatusActive
	} else {
		webhook.Status = domain.WebhookStatusInactive
	}

	h.respondJSON(w, http.StatusOK, webhook)
}

type TestWebhookRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// TestWebhook sends a single synchronous test delivery and returns the raw
// outcome. Inactive webhooks can be tested; the attempt is out-of-band.
func (h *Handler) TestWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.loadWebhook(w, r)
	if !ok {
		return
	}

	var req TestWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{"test":true}`)
	}

	out := h.tester.Test(r.Context(), webhook, req.Payload)
	if out.Err != nil {
		out.Error = out.Err.Error()
	}

	status := http.StatusOK
	if !out.Success() {
		status = http.StatusBadGateway
	}
	h.respondJSON(w, status, out)
}

func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.loadWebhook(w, r)
	if !ok {
		return
	}

	f, err := parseDeliveryFilter(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := h.deliveries.ListByWebhook(r.Context(), webhook.ID, f)
	if err != nil {
		h.logger.Error("failed to list deliveries", "error", err, "webhook_id", webhook.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	h.respondJSON(w, http.StatusOK, list)
}

// WebhookStatsResponse combines the lifetime rollup stored on the webhook
// row with a trailing-window aggregate over delivery records.
type WebhookStatsResponse struct {
	WebhookID  string                    `json:"webhook_id"`
	Lifetime   domain.WebhookStats       `json:"lifetime"`
	WindowDays int                       `json:"window_days"`
	Window     *repository.DeliveryStats `json:"window"`
}

func (h *Handler) GetWebhookStats(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.loadWebhook(w, r)
	if !ok {
		return
	}

	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	since := h.clock.Now().AddDate(0, 0, -days)
	window, err := h.deliveries.StatsWindow(r.Context(), webhook.ID, since)
	if err != nil {
		h.logger.Error("failed to aggregate delivery stats", "error", err, "webhook_id", webhook.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to aggregate delivery stats")
		return
	}

	lifetime := webhook.Stats
	if h.stats != nil {
		if s, ok := h.stats.Snapshot(webhook.ID); ok {
			lifetime = s
		}
	}

	h.respondJSON(w, http.StatusOK, WebhookStatsResponse{
		WebhookID:  webhook.ID,
		Lifetime:   lifetime,
		WindowDays: days,
		Window:     window,
	})
}

func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "delivery id is required")
		return
	}

	d, err := h.deliveries.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get delivery", "error", err, "delivery_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}

	h.respondJSON(w, http.StatusOK, d)
}

// RetryDelivery requeues a failed delivery with a fresh attempt budget.
// Only failed deliveries are eligible.
func (h *Handler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "delivery id is required")
		return
	}

	d, err := h.deliveries.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get delivery", "error", err, "delivery_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}

	if d.Status != domain.DeliveryStatusFailed {
		h.respondError(w, http.StatusConflict, "only failed deliveries can be retried")
		return
	}

	now := h.clock.Now()
	d.ResetForRetry(now)
	// Pre-claim the row for the direct submission below, so the poller
	// cannot claim it and run a second concurrent attempt.
	d.Claim(now.Add(retryClaimWindow), now)
	if err := h.deliveries.Update(r.Context(), d); err != nil {
		h.logger.Error("failed to requeue delivery", "error", err, "delivery_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to requeue delivery")
		return
	}

	// Queue full is fine: release the claim and the poller rescues the row.
	// If the release update fails, the claim expires on its own.
	if !h.submitter.Submit(d) {
		d.Release(h.clock.Now())
		if err := h.deliveries.Update(r.Context(), d); err != nil {
			h.logger.Error("failed to release delivery claim", "error", err, "delivery_id", id)
		}
	}

	h.respondJSON(w, http.StatusAccepted, d)
}

type IngestEventRequest struct {
	Event      string          `json:"event"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
}

// IngestEvent accepts an event and fans it out to matching webhooks.
// Responds 202: dispatch outcome is per webhook and observable through
// delivery records, never through this endpoint.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req IngestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Event == "" {
		h.respondError(w, http.StatusBadRequest, "event is required")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	h.dispatcher.Dispatch(r.Context(), dispatcher.Event{
		Name:       req.Event,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
	})

	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) loadWebhook(w http.ResponseWriter, r *http.Request) (*domain.Webhook, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "webhook id is required")
		return nil, false
	}

	webhook, err := h.webhooks.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "webhook not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get webhook", "error", err, "webhook_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get webhook")
		return nil, false
	}
	return webhook, true
}

func parseDeliveryFilter(r *http.Request) (repository.DeliveryFilter, error) {
	var f repository.DeliveryFilter
	q := r.URL.Query()

	if v := q.Get("status"); v != "" {
		s := domain.DeliveryStatus(v)
		switch s {
		case domain.DeliveryStatusPending, domain.DeliveryStatusDelivered,
			domain.DeliveryStatusFailed, domain.DeliveryStatusRetrying:
			f.Status = &s
		default:
			return f, errors.New("invalid status filter")
		}
	}
	if v := q.Get("event"); v != "" {
		f.Event = &v
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("from must be RFC 3339")
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("to must be RFC 3339")
		}
		f.To = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}

	return f, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
