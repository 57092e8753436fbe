/**
 * @description
 * This file sets up the HTTP router for the payment webhook service: the provider
 * webhook endpoint, the health check and the JWT-protected admin routes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: router and standard middleware.
 */

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig carries the handlers and settings the router wires together.
type RouterConfig struct {
	Webhook        *WebhookHandler
	Events         EventReader
	Admin          *AdminHandlers
	AdminJWTSecret string
	Logger         *slog.Logger
}

// NewRouter creates and returns the service router. Admin routes are only mounted when
// an admin secret is configured.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", HealthHandler(cfg.Events))
	r.Method(http.MethodPost, "/webhooks/payments", cfg.Webhook)

	if cfg.Admin != nil && cfg.AdminJWTSecret != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(cfg.AdminJWTSecret))

			r.Get("/webhook-events", cfg.Admin.ListWebhookEventsHandler)
			r.Get("/webhook-events/{eventId}", cfg.Admin.GetWebhookEventHandler)
			r.Post("/reconcile", cfg.Admin.ReconcileHandler)
			r.Post("/retry-failed", cfg.Admin.RetryFailedHandler)
		})
	}

	return r
}
