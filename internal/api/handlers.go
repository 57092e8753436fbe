/**
 * @description
 * HTTP handlers for the payment webhook service. The webhook endpoint is a thin adapter:
 * it reads the raw body and the signature header, hands both to the ingestion service
 * and maps the returned Result to a status code. All decisions about the payment live
 * in internal/app.
 *
 * @dependencies
 * - net/http, encoding/json: request and response handling.
 * - github.com/go-chi/chi/v5: URL parameters for the admin routes.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/payment-webhook-service/internal/app"
	"github.com/transfa/payment-webhook-service/internal/domain"
	"github.com/transfa/payment-webhook-service/internal/store"
)

const (
	defaultEventListLimit = 50
	maxEventListLimit     = 500
)

// NotificationIngester is the ingestion entry point the webhook handler calls.
type NotificationIngester interface {
	HandleNotification(ctx context.Context, body []byte, signature string) app.Outcome
}

// ReconcileRunner runs one reconciler pass.
type ReconcileRunner interface {
	Run(ctx context.Context, limit int) (*app.ReconcileReport, error)
}

// RetrySweepRunner runs one failed-event retry pass.
type RetrySweepRunner interface {
	Run(ctx context.Context) (*app.RetrySweepReport, error)
}

// EventReader is the read side of the event ledger used by health and admin routes.
type EventReader interface {
	Ping(ctx context.Context) error
	FindWebhookEventByExternalID(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, status domain.WebhookEventStatus, limit int) ([]domain.WebhookEvent, error)
}

// WebhookResponse is the body returned for every webhook delivery.
type WebhookResponse struct {
	Result  string `json:"result"`
	EventID string `json:"event_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// WebhookHandler processes incoming payment notifications.
type WebhookHandler struct {
	ingester              NotificationIngester
	signatureHeader       string
	maxBodyBytes          int64
	ackTerminalRejections bool
	logger                *slog.Logger
}

func NewWebhookHandler(ingester NotificationIngester, signatureHeader string, maxBodyBytes int64, ackTerminalRejections bool, logger *slog.Logger) *WebhookHandler {
	if strings.TrimSpace(signatureHeader) == "" {
		signatureHeader = "X-Webhook-Signature"
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &WebhookHandler{
		ingester:              ingester,
		signatureHeader:       signatureHeader,
		maxBodyBytes:          maxBodyBytes,
		ackTerminalRejections: ackTerminalRejections,
		logger:                logger.With("component", "http"),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.WarnContext(r.Context(), "webhook body too large", "limit_bytes", h.maxBodyBytes)
			respondWithJSON(w, http.StatusRequestEntityTooLarge, WebhookResponse{
				Result: app.ResultMalformedPayload.String(),
				Detail: "request body too large",
			})
			return
		}
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		respondWithJSON(w, http.StatusBadRequest, WebhookResponse{
			Result: app.ResultMalformedPayload.String(),
			Detail: "cannot read request body",
		})
		return
	}

	outcome := h.ingester.HandleNotification(r.Context(), body, r.Header.Get(h.signatureHeader))
	respondWithJSON(w, StatusForResult(outcome.Result, h.ackTerminalRejections), WebhookResponse{
		Result:  outcome.Result.String(),
		EventID: outcome.EventID,
		Detail:  outcome.Detail,
	})
}

// StatusForResult maps an ingestion result to the HTTP status sent to the provider.
// Providers retry on anything but 2xx, so terminal business rejections can be
// acknowledged with 200 to stop pointless redelivery.
func StatusForResult(result app.Result, ackTerminalRejections bool) int {
	switch result {
	case app.ResultAccepted, app.ResultAlreadyProcessed, app.ResultAlreadyReceived:
		return http.StatusOK
	case app.ResultMalformedPayload:
		return http.StatusBadRequest
	case app.ResultInvalidSignature:
		return http.StatusUnauthorized
	case app.ResultNoUserIdentifier, app.ResultAmountMismatch:
		if ackTerminalRejections {
			return http.StatusOK
		}
		return http.StatusUnprocessableEntity
	case app.ResultTransientFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HealthHandler reports whether the database is reachable.
func HealthHandler(events EventReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := events.Ping(r.Context()); err != nil {
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// AdminHandlers serves the operator endpoints.
type AdminHandlers struct {
	events     EventReader
	reconciler ReconcileRunner
	retrySweep RetrySweepRunner
	logger     *slog.Logger
}

func NewAdminHandlers(events EventReader, reconciler ReconcileRunner, retrySweep RetrySweepRunner, logger *slog.Logger) *AdminHandlers {
	return &AdminHandlers{
		events:     events,
		reconciler: reconciler,
		retrySweep: retrySweep,
		logger:     logger.With("component", "admin"),
	}
}

// ListWebhookEventsHandler handles GET /admin/webhook-events?status=failed&limit=50.
func (h *AdminHandlers) ListWebhookEventsHandler(w http.ResponseWriter, r *http.Request) {
	status := domain.WebhookEventStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	switch status {
	case "", domain.EventPending, domain.EventProcessed, domain.EventFailed, domain.EventDuplicate:
	default:
		http.Error(w, "invalid status filter", http.StatusBadRequest)
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultEventListLimit, maxEventListLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := h.events.ListWebhookEvents(r.Context(), status, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list webhook events", "error", err)
		http.Error(w, "failed to list webhook events", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// GetWebhookEventHandler handles GET /admin/webhook-events/{eventId}.
func (h *AdminHandlers) GetWebhookEventHandler(w http.ResponseWriter, r *http.Request) {
	eventID := strings.TrimSpace(chi.URLParam(r, "eventId"))
	if eventID == "" {
		http.Error(w, "event id is required", http.StatusBadRequest)
		return
	}

	event, err := h.events.FindWebhookEventByExternalID(r.Context(), eventID)
	if errors.Is(err, store.ErrWebhookEventNotFound) {
		http.Error(w, "webhook event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load webhook event", "event_id", eventID, "error", err)
		http.Error(w, "failed to load webhook event", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, event)
}

// ReconcileHandler handles POST /admin/reconcile?limit=N.
func (h *AdminHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 0, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.reconciler.Run(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual reconcile failed", "error", err)
		http.Error(w, "reconcile failed", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

// RetryFailedHandler handles POST /admin/retry-failed.
func (h *AdminHandlers) RetryFailedHandler(w http.ResponseWriter, r *http.Request) {
	if h.retrySweep == nil {
		http.Error(w, "retry sweep is disabled", http.StatusNotFound)
		return
	}

	report, err := h.retrySweep.Run(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual retry sweep failed", "error", err)
		http.Error(w, "retry sweep failed", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

// parseLimit reads a positive limit. Zero max means no cap here.
func parseLimit(raw string, fallback, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit, nil
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
