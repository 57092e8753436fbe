package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the billing events exchange.
const (
	RoutingKeyPaymentRecorded     = "payment.recorded"
	RoutingKeySubscriptionRenewed = "subscription.renewed"
)

// PaymentRecordedEvent is published once per payment written to the ledger.
type PaymentRecordedEvent struct {
	PaymentID         uuid.UUID     `json:"payment_id"`
	ExternalPaymentID string        `json:"external_payment_id"`
	UserID            uuid.UUID     `json:"user_id"`
	Status            PaymentStatus `json:"status"`
	AmountMinor       int64         `json:"amount_minor"`
	Currency          string        `json:"currency"`
	ExternalEventID   string        `json:"external_event_id,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
}

// SubscriptionRenewedEvent is published whenever a completed payment extends or creates
// a subscription, whether the request path or the reconciler did the work.
type SubscriptionRenewedEvent struct {
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	UserID         uuid.UUID  `json:"user_id"`
	PaymentID      uuid.UUID  `json:"payment_id"`
	Created        bool       `json:"created"`
	PreviousExpiry *time.Time `json:"previous_expiry,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Source         string     `json:"source"`
	OccurredAt     time.Time  `json:"occurred_at"`
}
