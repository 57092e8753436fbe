package domain

import "encoding/json"

// DefaultCurrency applies when the provider omits a currency.
const DefaultCurrency = "USD"

// NotificationPayload is the provider's notification body as received on the wire.
type NotificationPayload struct {
	EventID   string      `json:"eventId"`
	PaymentID string      `json:"paymentId"`
	EventType string      `json:"eventType"`
	Email     string      `json:"email,omitempty"`
	Amount    json.Number `json:"amount,omitempty"`
	Currency  string      `json:"currency,omitempty"`
	PlanID    string      `json:"planId,omitempty"`
	Status    string      `json:"status,omitempty"`
}

// Notification is a validated, well-typed payment notification.
type Notification struct {
	EventID       string
	PaymentID     string
	EventType     string
	Email         string
	AmountMinor   int64
	HasAmount     bool
	Currency      string
	PlanID        string
	PaymentStatus PaymentStatus
	// Raw is the body exactly as delivered; it is persisted verbatim.
	Raw []byte
}

// IsCompleted reports whether the notification completes a payment.
func (n *Notification) IsCompleted() bool {
	return n != nil && n.PaymentStatus == PaymentCompleted
}
