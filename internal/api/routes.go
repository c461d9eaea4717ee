package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hookwire/hookwire/internal/observability"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	if cfg.HealthHandler != nil {
		r.Get("/health", cfg.HealthHandler.Health)
		r.Get("/ready", cfg.HealthHandler.Ready)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/events", cfg.Handler.IngestEvent)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", cfg.Handler.CreateWebhook)
		r.Get("/", cfg.Handler.ListWebhooks)
		r.Get("/{id}", cfg.Handler.GetWebhook)
		r.Patch("/{id}", cfg.Handler.UpdateWebhook)
		r.Delete("/{id}", cfg.Handler.DeleteWebhook)
		r.Post("/{id}/toggle", cfg.Handler.ToggleWebhook)
		r.Post("/{id}/test", cfg.Handler.TestWebhook)
		r.Get("/{id}/deliveries", cfg.Handler.ListDeliveries)
		r.Get("/{id}/stats", cfg.Handler.GetWebhookStats)
	})

	r.Route("/deliveries", func(r chi.Router) {
		r.Get("/{id}", cfg.Handler.GetDelivery)
		r.Post("/{id}/retry", cfg.Handler.RetryDelivery)
	})

	return r
}
