package domain

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentStatusFromProvider maps the provider's free-form status onto the ledger status.
// Only an explicit "completed" counts as money received.
func PaymentStatusFromProvider(status string) PaymentStatus {
	if normalizeToken(status) == string(PaymentCompleted) {
		return PaymentCompleted
	}
	return PaymentPending
}

// Payment is the money-movement ledger row. ExternalPaymentID is globally unique and is
// the idempotency key for money movement.
type Payment struct {
	ID                uuid.UUID     `json:"id"`
	ExternalPaymentID string        `json:"external_payment_id"`
	UserID            uuid.UUID     `json:"user_id"`
	SubscriptionID    *uuid.UUID    `json:"subscription_id,omitempty"`
	Status            PaymentStatus `json:"status"`
	AmountMinor       int64         `json:"amount_minor"`
	Currency          string        `json:"currency"`
	PlanID            string        `json:"plan_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// IsOrphaned reports a completed payment that was never linked to a subscription.
func (p *Payment) IsOrphaned() bool {
	return p != nil && p.Status == PaymentCompleted && p.SubscriptionID == nil
}

// CanPromoteTo reports whether a replayed notification may move an existing payment
// forward. A pending payment can be completed later; nothing else moves.
func (p *Payment) CanPromoteTo(next PaymentStatus) bool {
	return p != nil && p.Status == PaymentPending && next == PaymentCompleted
}

// AmountToleranceMinor is 0.01 currency units expressed in minor units.
const AmountToleranceMinor int64 = 1

// AmountsMatch compares two minor-unit amounts within AmountToleranceMinor.
func AmountsMatch(a, b int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= AmountToleranceMinor
}
