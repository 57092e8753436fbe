package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/transfa/payment-webhook-service/internal/store"
)

const (
	defaultReconcileLimit  = 100
	maxReconcileLimit      = 500
	defaultReconcileWindow = 72 * time.Hour
)

// ReconcileReport summarises one reconciler pass.
type ReconcileReport struct {
	Scanned    int       `json:"scanned"`
	Repaired   int       `json:"repaired"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Reconciler repairs orphaned payments: completed payments that never got linked to a
// subscription. Each payment is repaired in its own transaction. A payment locked by a
// live request or by another reconciler is skipped, and linked payments drop out of the
// scan, so passes can overlap and repeat safely.
type Reconciler struct {
	store        store.Store
	renewer      *Renewer
	window       time.Duration
	defaultLimit int
	logger       *slog.Logger
	now          func() time.Time
}

func NewReconciler(st store.Store, renewer *Renewer, window time.Duration, defaultLimit int, logger *slog.Logger) *Reconciler {
	if window <= 0 {
		window = defaultReconcileWindow
	}
	if defaultLimit <= 0 {
		defaultLimit = defaultReconcileLimit
	}
	return &Reconciler{
		store:        st,
		renewer:      renewer,
		window:       window,
		defaultLimit: defaultLimit,
		logger:       logger.With("component", "reconciler"),
		now:          time.Now,
	}
}

func (r *Reconciler) Run(ctx context.Context, limit int) (*ReconcileReport, error) {
	if limit <= 0 {
		limit = r.defaultLimit
	}
	if limit > maxReconcileLimit {
		limit = maxReconcileLimit
	}

	now := r.now().UTC()
	report := &ReconcileReport{StartedAt: now}

	candidates, err := r.store.ListOrphanedPayments(ctx, now.Add(-r.window), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned payments: %w", err)
	}
	report.Scanned = len(candidates)

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}

		var renewal *RenewalResult
		err := r.store.WithinTx(ctx, func(tx store.Tx) error {
			payment, err := tx.LockOrphanedPayment(ctx, candidate.ID)
			if err != nil {
				return err
			}
			renewal, err = r.renewer.Renew(ctx, tx, RenewalInput{
				UserID:      payment.UserID,
				PaymentID:   payment.ID,
				PlanID:      payment.PlanID,
				AmountMinor: payment.AmountMinor,
				Currency:    payment.Currency,
				Source:      RenewalSourceReconciler,
			}, r.now())
			return err
		})
		switch {
		case errors.Is(err, store.ErrPaymentNotFound):
			report.Skipped++
			r.logger.DebugContext(ctx, "orphaned payment skipped", "payment_id", candidate.ID)
		case err != nil:
			report.Failed++
			r.logger.WarnContext(ctx, "orphaned payment repair failed", "payment_id", candidate.ID, "error", err)
		default:
			report.Repaired++
			r.logger.InfoContext(ctx, "orphaned payment repaired",
				"payment_id", candidate.ID,
				"user_id", candidate.UserID,
				"subscription_id", renewal.SubscriptionID,
				"subscription_created", renewal.Created,
				"expires_at", renewal.NewExpiry,
			)
		}
	}

	report.FinishedAt = r.now().UTC()
	if report.Scanned > 0 {
		r.logger.InfoContext(ctx, "reconcile pass finished",
			"scanned", report.Scanned,
			"repaired", report.Repaired,
			"skipped", report.Skipped,
			"failed", report.Failed,
		)
	}
	return report, nil
}
