package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/transfa/payment-webhook-service/internal/domain"
	"github.com/transfa/payment-webhook-service/internal/store"
	"github.com/transfa/payment-webhook-service/internal/webhook"
)

const (
	defaultRetrySweepBatch       = 50
	defaultRetrySweepMaxAttempts = 5
)

type RetrySweepReport struct {
	Scanned    int `json:"scanned"`
	Processed  int `json:"processed"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Terminal   int `json:"terminal"`
}

// RetrySweep re-runs transient failures from their stored payload. Redelivered events
// are never reprocessed inline, so this is the only path that moves a failed event
// forward. Terminal failures are left alone.
type RetrySweep struct {
	store       store.Store
	processor   *Processor
	maxAttempts int
	batchSize   int
	logger      *slog.Logger
	now         func() time.Time
}

func NewRetrySweep(st store.Store, processor *Processor, maxAttempts int, logger *slog.Logger) *RetrySweep {
	if maxAttempts <= 0 {
		maxAttempts = defaultRetrySweepMaxAttempts
	}
	return &RetrySweep{
		store:       st,
		processor:   processor,
		maxAttempts: maxAttempts,
		batchSize:   defaultRetrySweepBatch,
		logger:      logger.With("component", "retry_sweep"),
		now:         time.Now,
	}
}

func (s *RetrySweep) Run(ctx context.Context) (*RetrySweepReport, error) {
	events, err := s.store.ListRetryableFailedEvents(ctx, s.maxAttempts, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable events: %w", err)
	}

	report := &RetrySweepReport{Scanned: len(events)}
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		s.retryOne(ctx, event, report)
	}

	if report.Scanned > 0 {
		s.logger.InfoContext(ctx, "retry sweep finished",
			"scanned", report.Scanned,
			"processed", report.Processed,
			"duplicates", report.Duplicates,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"terminal", report.Terminal,
		)
	}
	return report, nil
}

func (s *RetrySweep) retryOne(ctx context.Context, event domain.WebhookEvent, report *RetrySweepReport) {
	log := s.logger.With("event_id", event.ExternalEventID, "retry_count", event.RetryCount)

	n, rejection := webhook.ParseStored([]byte(event.Payload))
	if rejection != nil {
		report.Terminal++
		s.recordFailure(ctx, log, event, domain.ErrorKindTerminal, rejection.Error())
		return
	}

	var result *ProcessResult
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockFailedWebhookEvent(ctx, event.ID)
		if err != nil {
			return err
		}
		if !domain.CanTransitionEvent(locked.Status, domain.EventProcessed) {
			return store.ErrWebhookEventNotFound
		}
		result, err = s.processor.Process(ctx, tx, event.ID, n, RenewalSourceRetrySweep)
		return err
	})
	switch {
	case errors.Is(err, store.ErrWebhookEventNotFound):
		report.Skipped++
	case err != nil:
		kind := domain.ErrorKindTransient
		if IsTerminal(err) {
			kind = domain.ErrorKindTerminal
			report.Terminal++
		} else {
			report.Failed++
		}
		s.recordFailure(ctx, log, event, kind, err.Error())
	case result.Kind == ProcessDuplicate:
		report.Duplicates++
		log.InfoContext(ctx, "retried event was a duplicate payment")
	default:
		report.Processed++
		log.InfoContext(ctx, "retried event processed", "payment_record_id", result.PaymentID)
	}
}

func (s *RetrySweep) recordFailure(ctx context.Context, log *slog.Logger, event domain.WebhookEvent, kind domain.ErrorKind, message string) {
	err := s.store.RecordEventFailure(ctx, store.EventFailure{
		ExternalEventID: event.ExternalEventID,
		EventType:       event.EventType,
		Payload:         []byte(event.Payload),
		Kind:            kind,
		Message:         message,
		At:              s.now().UTC(),
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to record retry failure", "error", err)
		return
	}
	log.WarnContext(ctx, "retry attempt failed", "error_kind", string(kind), "error", message)
}
