/**
 * @description
 * WebhookEvent is the audit and delivery-dedup record for one provider notification.
 * It is keyed by the provider's event id, which is distinct from the payment id: the
 * provider may resend the same event id, or wrap a resend of the same payment in a new
 * event id. The stored payload is kept verbatim for replay and audit.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

type WebhookEventStatus string

const (
	EventPending   WebhookEventStatus = "pending"
	EventProcessed WebhookEventStatus = "processed"
	EventFailed    WebhookEventStatus = "failed"
	EventDuplicate WebhookEventStatus = "duplicate"
)

// ErrorKind classifies why processing of an event failed.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTerminal  ErrorKind = "terminal"
	ErrorKindTransient ErrorKind = "transient"
)

type WebhookEvent struct {
	ID              uuid.UUID          `json:"id"`
	ExternalEventID string             `json:"external_event_id"`
	EventType       string             `json:"event_type"`
	Payload         string             `json:"payload"`
	Status          WebhookEventStatus `json:"status"`
	RetryCount      int                `json:"retry_count"`
	ErrorKind       ErrorKind          `json:"error_kind,omitempty"`
	ErrorMessage    *string            `json:"error_message,omitempty"`
	ProcessedAt     *time.Time         `json:"processed_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

var eventTransitions = map[WebhookEventStatus][]WebhookEventStatus{
	EventPending: {EventProcessed, EventFailed, EventDuplicate},
	// Only the retry sweep moves a failed event again; webhook redelivery does not.
	EventFailed: {EventProcessed, EventDuplicate, EventFailed},
}

// CanTransitionEvent reports whether an event may move between statuses.
// Processed and duplicate never change again.
func CanTransitionEvent(from, to WebhookEventStatus) bool {
	for _, next := range eventTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
