/**
 * @description
 * Service is the ingestion entry point. It turns one delivered notification into a
 * Result that the transport maps to a response:
 *
 *   validate -> processed-event cache -> WithinTx{ claim -> process } -> classify
 *
 * Failures after a successful claim roll the unit of work back and are then recorded
 * on the event row in a separate transaction, tagged terminal or transient.
 *
 * @dependencies
 * - log/slog: structured outcome logging.
 * - internal/store, internal/webhook: persistence and payload validation.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/payment-webhook-service/internal/domain"
	"github.com/transfa/payment-webhook-service/internal/store"
	"github.com/transfa/payment-webhook-service/internal/webhook"
)

// Result is the transport-agnostic classification of one delivery.
type Result int

const (
	ResultAccepted Result = iota + 1
	ResultAlreadyProcessed
	ResultAlreadyReceived
	ResultMalformedPayload
	ResultInvalidSignature
	ResultNoUserIdentifier
	ResultAmountMismatch
	ResultTransientFailure
)

func (r Result) String() string {
	switch r {
	case ResultAccepted:
		return "accepted"
	case ResultAlreadyProcessed:
		return "already_processed"
	case ResultAlreadyReceived:
		return "already_received"
	case ResultMalformedPayload:
		return "malformed_payload"
	case ResultInvalidSignature:
		return "invalid_signature"
	case ResultNoUserIdentifier:
		return "no_user_identifier"
	case ResultAmountMismatch:
		return "amount_mismatch"
	case ResultTransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// IsSuccess covers processing and idempotent no-ops.
func (r Result) IsSuccess() bool {
	return r == ResultAccepted || r == ResultAlreadyProcessed || r == ResultAlreadyReceived
}

// IsTerminal covers rejections the sender must not retry.
func (r Result) IsTerminal() bool {
	switch r {
	case ResultMalformedPayload, ResultInvalidSignature, ResultNoUserIdentifier, ResultAmountMismatch:
		return true
	}
	return false
}

func (r Result) ShouldRetry() bool {
	return r == ResultTransientFailure
}

// Outcome is what HandleNotification reports for one delivery.
type Outcome struct {
	Result  Result
	EventID string
	Detail  string
}

type Service struct {
	store     store.Store
	validator *webhook.Validator
	processor *Processor
	cache     ProcessedEventCache
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(st store.Store, validator *webhook.Validator, processor *Processor, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		validator: validator,
		processor: processor,
		logger:    logger.With("component", "ingest"),
		now:       time.Now,
	}
}

// SetProcessedEventCache enables the cache fast path. nil disables it.
func (s *Service) SetProcessedEventCache(cache ProcessedEventCache) {
	s.cache = cache
}

func (s *Service) HandleNotification(ctx context.Context, body []byte, signature string) Outcome {
	n, rejection := s.validator.Validate(ctx, body, signature)
	if rejection != nil {
		return s.reject(ctx, rejection)
	}
	log := s.logger.With("event_id", n.EventID, "payment_id", n.PaymentID, "event_type", n.EventType)

	if s.cache != nil {
		hit, err := s.cache.IsProcessed(ctx, n.EventID)
		if err != nil {
			log.WarnContext(ctx, "processed-event cache lookup failed", "error", err)
		} else if hit {
			log.InfoContext(ctx, "webhook already processed", "result", ResultAlreadyProcessed.String(), "source", "cache")
			return Outcome{Result: ResultAlreadyProcessed, EventID: n.EventID}
		}
	}

	var (
		claim     store.Claim
		processed *ProcessResult
	)
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		claim, err = tx.ClaimWebhookEvent(ctx, n.EventID, n.EventType, n.Raw)
		if err != nil {
			return err
		}
		if claim.Kind != store.ClaimClaimed {
			return nil
		}
		processed, err = s.processor.Process(ctx, tx, claim.EventRecordID, n, RenewalSourceWebhook)
		return err
	})
	if err != nil {
		return s.fail(ctx, log, n, claim, err)
	}

	switch claim.Kind {
	case store.ClaimAlreadyProcessed:
		s.rememberProcessed(ctx, log, n.EventID)
		log.InfoContext(ctx, "webhook already processed", "result", ResultAlreadyProcessed.String())
		return Outcome{Result: ResultAlreadyProcessed, EventID: n.EventID}
	case store.ClaimAlreadyReceived:
		log.InfoContext(ctx, "webhook already received", "result", ResultAlreadyReceived.String())
		return Outcome{Result: ResultAlreadyReceived, EventID: n.EventID}
	}

	if processed.Kind == ProcessDuplicate {
		log.InfoContext(ctx, "duplicate payment notification", "result", ResultAccepted.String(), "event_status", string(domain.EventDuplicate))
		return Outcome{Result: ResultAccepted, EventID: n.EventID, Detail: "duplicate payment"}
	}

	s.rememberProcessed(ctx, log, n.EventID)
	attrs := []any{
		"result", ResultAccepted.String(),
		"payment_record_id", processed.PaymentID.String(),
		"user_id", processed.UserID.String(),
		"payment_status", string(n.PaymentStatus),
		"promoted", processed.Promoted,
	}
	if processed.Renewal != nil {
		attrs = append(attrs,
			"subscription_id", processed.Renewal.SubscriptionID.String(),
			"subscription_created", processed.Renewal.Created,
			"expires_at", processed.Renewal.NewExpiry,
		)
	}
	log.InfoContext(ctx, "webhook processed", attrs...)
	return Outcome{Result: ResultAccepted, EventID: n.EventID}
}

func (s *Service) reject(ctx context.Context, rejection *webhook.Rejection) Outcome {
	if rejection.Reason == webhook.ReasonInvalidSignature {
		s.logger.ErrorContext(ctx, "webhook signature rejected",
			"result", ResultInvalidSignature.String(),
			"security", true,
			"detail", rejection.Detail,
		)
		return Outcome{Result: ResultInvalidSignature, Detail: rejection.Detail}
	}

	s.logger.WarnContext(ctx, "malformed webhook payload",
		"result", ResultMalformedPayload.String(),
		"detail", rejection.Detail,
	)
	return Outcome{Result: ResultMalformedPayload, Detail: rejection.Detail}
}

// fail classifies a rolled-back unit of work and records the failure when this caller
// owned the claim. Nothing is recorded if the claim itself failed: no row committed,
// so the sender's retry will claim it again.
func (s *Service) fail(ctx context.Context, log *slog.Logger, n *domain.Notification, claim store.Claim, err error) Outcome {
	result := ResultTransientFailure
	kind := domain.ErrorKindTransient
	switch {
	case errors.Is(err, ErrNoUserIdentifier):
		result, kind = ResultNoUserIdentifier, domain.ErrorKindTerminal
	case errors.Is(err, ErrAmountMismatch):
		result, kind = ResultAmountMismatch, domain.ErrorKindTerminal
	}

	if claim.Kind == store.ClaimClaimed {
		failure := store.EventFailure{
			ExternalEventID: n.EventID,
			EventType:       n.EventType,
			Payload:         n.Raw,
			Kind:            kind,
			Message:         err.Error(),
			At:              s.now().UTC(),
		}
		// The request context may already be done; the failure record must still land.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if recordErr := s.store.RecordEventFailure(recordCtx, failure); recordErr != nil {
			log.ErrorContext(ctx, "failed to record webhook failure", "error", recordErr)
		}
	}

	level := slog.LevelWarn
	if result == ResultTransientFailure {
		level = slog.LevelError
	}
	log.Log(ctx, level, "webhook processing failed",
		"result", result.String(),
		"error_kind", string(kind),
		"db_transient", store.IsTransient(err),
		"error", err,
	)

	detail := err.Error()
	if result == ResultTransientFailure {
		detail = "temporary processing failure"
	}
	return Outcome{Result: result, EventID: n.EventID, Detail: detail}
}

func (s *Service) rememberProcessed(ctx context.Context, log *slog.Logger, eventID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.MarkProcessed(ctx, eventID); err != nil {
		log.WarnContext(ctx, "processed-event cache write failed", "error", err)
	}
}
