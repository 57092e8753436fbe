/**
 * @description
 * Subscription renewal shared by the processor, the reconciler and the retry sweep, so a
 * completed payment has the same effect whichever path applies it.
 *
 * Locking order is users row, then the renewable subscription. The user lock is what
 * serialises two first payments for a user that has no subscription yet: FOR UPDATE on
 * an empty result locks nothing.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-webhook-service/internal/domain"
	"github.com/transfa/payment-webhook-service/internal/store"
)

const (
	RenewalSourceWebhook    = "webhook"
	RenewalSourceReconciler = "reconciler"
	RenewalSourceRetrySweep = "retry_sweep"
)

// RenewalInput is the completed payment being applied.
type RenewalInput struct {
	UserID      uuid.UUID
	PaymentID   uuid.UUID
	PlanID      string
	AmountMinor int64
	Currency    string
	Source      string
}

type RenewalResult struct {
	SubscriptionID uuid.UUID
	Created        bool
	PreviousExpiry *time.Time
	NewExpiry      time.Time
}

type Renewer struct {
	exchange string
}

func NewRenewer(exchange string) *Renewer {
	return &Renewer{exchange: exchange}
}

// Renew extends the user's renewable subscription, or creates one, and links the payment.
func (r *Renewer) Renew(ctx context.Context, tx store.Tx, in RenewalInput, now time.Time) (*RenewalResult, error) {
	now = now.UTC()

	if err := tx.LockUser(ctx, in.UserID); err != nil {
		return nil, fmt.Errorf("failed to lock user %s: %w", in.UserID, err)
	}

	result := &RenewalResult{}
	sub, err := tx.LockRenewableSubscription(ctx, in.UserID)
	switch {
	case errors.Is(err, store.ErrSubscriptionNotFound):
		sub = domain.NewActiveSubscription(in.UserID, in.PlanID, in.AmountMinor, in.Currency, now)
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return nil, err
		}
		result.Created = true
	case err != nil:
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	default:
		if sub.ExpiresAt != nil {
			previous := *sub.ExpiresAt
			result.PreviousExpiry = &previous
		}
		if err := sub.Renew(now); err != nil {
			return nil, err
		}
		if err := tx.UpdateSubscriptionRenewal(ctx, sub); err != nil {
			return nil, err
		}
	}

	result.SubscriptionID = sub.ID
	result.NewExpiry = *sub.ExpiresAt

	if err := tx.LinkPaymentSubscription(ctx, in.PaymentID, sub.ID, now); err != nil {
		return nil, err
	}

	event := domain.SubscriptionRenewedEvent{
		SubscriptionID: sub.ID,
		UserID:         in.UserID,
		PaymentID:      in.PaymentID,
		Created:        result.Created,
		PreviousExpiry: result.PreviousExpiry,
		ExpiresAt:      result.NewExpiry,
		Source:         in.Source,
		OccurredAt:     now,
	}
	if err := tx.EnqueueOutboxEvent(ctx, r.exchange, domain.RoutingKeySubscriptionRenewed, event); err != nil {
		return nil, err
	}

	return result, nil
}
