package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/transfa/payment-webhook-service/internal/domain"
)

// Reason classifies why a notification was rejected before any state was touched.
type Reason int

const (
	ReasonMalformedPayload Reason = iota + 1
	ReasonInvalidSignature
)

func (r Reason) String() string {
	switch r {
	case ReasonMalformedPayload:
		return "malformed_payload"
	case ReasonInvalidSignature:
		return "invalid_signature"
	default:
		return "unknown"
	}
}

// Rejection is returned instead of a notification when validation fails.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Reason.String()
	}
	return r.Reason.String() + ": " + r.Detail
}

func malformed(format string, args ...any) *Rejection {
	return &Rejection{Reason: ReasonMalformedPayload, Detail: fmt.Sprintf(format, args...)}
}

// Validator turns a raw body plus signature token into a typed notification.
// It has no side effects beyond calling the verifier.
type Validator struct {
	verifier SignatureVerifier
}

func NewValidator(verifier SignatureVerifier) *Validator {
	return &Validator{verifier: verifier}
}

func (v *Validator) Validate(ctx context.Context, body []byte, signature string) (*domain.Notification, *Rejection) {
	if v.verifier == nil || !v.verifier.Verify(ctx, body, signature) {
		return nil, &Rejection{Reason: ReasonInvalidSignature, Detail: "signature verification failed"}
	}
	return ParseStored(body)
}

// ParseStored decodes and checks a payload without verifying a signature. The retry
// sweep uses it on payloads that were verified when they first arrived.
func ParseStored(body []byte) (*domain.Notification, *Rejection) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, malformed("empty body")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var payload domain.NotificationPayload
	if err := decoder.Decode(&payload); err != nil {
		return nil, malformed("invalid json: %v", err)
	}

	eventID := strings.TrimSpace(payload.EventID)
	if eventID == "" {
		return nil, malformed("eventId is required")
	}
	paymentID := strings.TrimSpace(payload.PaymentID)
	if paymentID == "" {
		return nil, malformed("paymentId is required")
	}

	status := domain.PaymentStatusFromProvider(payload.Status)

	n := &domain.Notification{
		EventID:       eventID,
		PaymentID:     paymentID,
		EventType:     strings.TrimSpace(payload.EventType),
		Email:         domain.NormalizeEmail(payload.Email),
		Currency:      strings.ToUpper(strings.TrimSpace(payload.Currency)),
		PlanID:        strings.TrimSpace(payload.PlanID),
		PaymentStatus: status,
		Raw:           append([]byte(nil), body...),
	}
	if n.Currency == "" {
		n.Currency = domain.DefaultCurrency
	}

	if payload.Amount != "" {
		amount, err := ParseAmountMinor(payload.Amount)
		if err != nil {
			return nil, malformed("amount: %v", err)
		}
		n.AmountMinor = amount
		n.HasAmount = true
	} else if status == domain.PaymentCompleted {
		return nil, malformed("amount is required for completed payments")
	}

	return n, nil
}

// ParseAmountMinor converts a decimal currency amount into minor units (two digits).
func ParseAmountMinor(raw json.Number) (int64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", raw.String())
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("invalid number %q", raw.String())
	}
	if value < 0 {
		return 0, fmt.Errorf("negative amount %q", raw.String())
	}
	if value*100 > math.MaxInt64/2 {
		return 0, fmt.Errorf("amount %q out of range", raw.String())
	}
	return int64(math.Round(value * 100)), nil
}
