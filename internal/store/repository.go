/**
 * @description
 * This file defines the persistence contract of the webhook service. Work that must be
 * atomic goes through Store.WithinTx, which hands a transaction-scoped Tx to the caller
 * and guarantees commit or rollback on every exit path. Everything else (failure
 * recording, scans for background jobs, outbox delivery, admin reads) runs on the pool.
 *
 * @dependencies
 * - github.com/google/uuid: record identifiers.
 * - internal/domain: the ledger and subscription models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-webhook-service/internal/domain"
)

// ClaimKind is the outcome of claiming a provider event id.
type ClaimKind int

const (
	// ClaimClaimed means this caller inserted the event row and must process it.
	ClaimClaimed ClaimKind = iota + 1
	// ClaimAlreadyProcessed means the event was fully handled earlier.
	ClaimAlreadyProcessed
	// ClaimAlreadyReceived means the row exists in another state, or a concurrent
	// claimant holds it. No processing happens inline.
	ClaimAlreadyReceived
)

func (k ClaimKind) String() string {
	switch k {
	case ClaimClaimed:
		return "claimed"
	case ClaimAlreadyProcessed:
		return "already_processed"
	case ClaimAlreadyReceived:
		return "already_received"
	default:
		return "unknown"
	}
}

// Claim carries the claim outcome and, for ClaimClaimed, the new event record id.
type Claim struct {
	Kind          ClaimKind
	EventRecordID uuid.UUID
}

// EventFailure describes a failed processing attempt recorded after rollback.
type EventFailure struct {
	ExternalEventID string
	EventType       string
	Payload         []byte
	Kind            domain.ErrorKind
	Message         string
	At              time.Time
}

// OutboxMessage is a claimed event_outbox row waiting to be published.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// Store is the pool-level handle.
type Store interface {
	// WithinTx runs fn in one database transaction. fn's error rolls everything back.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error

	// Event ledger
	RecordEventFailure(ctx context.Context, failure EventFailure) error
	FindWebhookEventByExternalID(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, status domain.WebhookEventStatus, limit int) ([]domain.WebhookEvent, error)
	ListRetryableFailedEvents(ctx context.Context, maxRetries int, limit int) ([]domain.WebhookEvent, error)

	// Reconciliation
	ListOrphanedPayments(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Payment, error)

	// Outbox delivery
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Tx is the transaction-scoped handle passed into each step of a unit of work.
type Tx interface {
	// Event ledger
	ClaimWebhookEvent(ctx context.Context, externalEventID, eventType string, payload []byte) (Claim, error)
	LockFailedWebhookEvent(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkWebhookEventDuplicate(ctx context.Context, id uuid.UUID, at time.Time) error

	// Payment ledger
	FindPaymentByExternalID(ctx context.Context, externalPaymentID string) (*domain.Payment, error)
	CreatePayment(ctx context.Context, payment *domain.Payment) (bool, error)
	PromotePaymentCompleted(ctx context.Context, paymentID uuid.UUID, amountMinor int64, currency string, at time.Time) error
	LinkPaymentSubscription(ctx context.Context, paymentID, subscriptionID uuid.UUID, at time.Time) error
	LockOrphanedPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)

	// Users
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	CreateUser(ctx context.Context, email string) (*domain.User, error)
	LockUser(ctx context.Context, userID uuid.UUID) error

	// Subscriptions
	FindLatestSubscriptionByPlan(ctx context.Context, planID string) (*domain.Subscription, error)
	LockRenewableSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	UpdateSubscriptionRenewal(ctx context.Context, sub *domain.Subscription) error

	// Outbox
	EnqueueOutboxEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
}
