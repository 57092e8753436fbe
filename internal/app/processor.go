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

var (
	// ErrNoUserIdentifier: no email in the payload and no prior payment to recover the user from.
	ErrNoUserIdentifier = errors.New("no user identifier")
	// ErrAmountMismatch: the amount differs from the plan's recorded amount by more than one minor unit.
	ErrAmountMismatch = errors.New("amount does not match plan")
)

// IsTerminal reports processing errors that must not be retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNoUserIdentifier) || errors.Is(err, ErrAmountMismatch)
}

type ProcessKind int

const (
	// ProcessApplied: the payment was written (and renewed when completed).
	ProcessApplied ProcessKind = iota + 1
	// ProcessDuplicate: the payment id was already in the ledger.
	ProcessDuplicate
)

type ProcessResult struct {
	Kind      ProcessKind
	PaymentID uuid.UUID
	UserID    uuid.UUID
	Promoted  bool
	Renewal   *RenewalResult
}

// Processor applies one claimed notification inside the caller's unit of work.
type Processor struct {
	renewer  *Renewer
	exchange string
	now      func() time.Time
}

func NewProcessor(renewer *Renewer, exchange string) *Processor {
	return &Processor{
		renewer:  renewer,
		exchange: exchange,
		now:      time.Now,
	}
}

// Process runs payment dedup, user resolution, amount validation, payment creation,
// renewal and event closure. Any returned error must abort the transaction.
//
// A repeated payment id closes the event as duplicate, with one exception: a pending
// payment followed by a completion for the same id is promoted to completed, taking the
// completion's amount and currency, and renewed.
func (p *Processor) Process(ctx context.Context, tx store.Tx, eventRecordID uuid.UUID, n *domain.Notification, source string) (*ProcessResult, error) {
	now := p.now().UTC()

	existing, err := tx.FindPaymentByExternalID(ctx, n.PaymentID)
	if err != nil && !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, fmt.Errorf("failed to look up payment: %w", err)
	}
	if existing != nil && !existing.CanPromoteTo(n.PaymentStatus) {
		return p.closeDuplicate(ctx, tx, eventRecordID, existing.ID, now)
	}

	userID, err := p.resolveUser(ctx, tx, n, existing)
	if err != nil {
		return nil, err
	}

	if err := p.validateAmount(ctx, tx, n); err != nil {
		return nil, err
	}

	result := &ProcessResult{Kind: ProcessApplied, UserID: userID}
	var payment *domain.Payment
	if existing != nil {
		if n.HasAmount {
			existing.AmountMinor = n.AmountMinor
			existing.Currency = n.Currency
		}
		if err := tx.PromotePaymentCompleted(ctx, existing.ID, existing.AmountMinor, existing.Currency, now); err != nil {
			return nil, err
		}
		existing.Status = domain.PaymentCompleted
		existing.UpdatedAt = now
		payment = existing
		result.Promoted = true
	} else {
		payment = &domain.Payment{
			ID:                uuid.New(),
			ExternalPaymentID: n.PaymentID,
			UserID:            userID,
			Status:            n.PaymentStatus,
			AmountMinor:       n.AmountMinor,
			Currency:          n.Currency,
			PlanID:            n.PlanID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		created, err := tx.CreatePayment(ctx, payment)
		if err != nil {
			return nil, err
		}
		if !created {
			// A concurrent event for the same payment id committed first.
			return p.closeDuplicate(ctx, tx, eventRecordID, uuid.Nil, now)
		}
	}
	result.PaymentID = payment.ID

	recorded := domain.PaymentRecordedEvent{
		PaymentID:         payment.ID,
		ExternalPaymentID: payment.ExternalPaymentID,
		UserID:            payment.UserID,
		Status:            payment.Status,
		AmountMinor:       payment.AmountMinor,
		Currency:          payment.Currency,
		ExternalEventID:   n.EventID,
		OccurredAt:        now,
	}
	if err := tx.EnqueueOutboxEvent(ctx, p.exchange, domain.RoutingKeyPaymentRecorded, recorded); err != nil {
		return nil, err
	}

	if n.IsCompleted() {
		renewal, err := p.renewer.Renew(ctx, tx, RenewalInput{
			UserID:      payment.UserID,
			PaymentID:   payment.ID,
			PlanID:      firstNonEmpty(n.PlanID, payment.PlanID),
			AmountMinor: payment.AmountMinor,
			Currency:    payment.Currency,
			Source:      source,
		}, now)
		if err != nil {
			return nil, err
		}
		result.Renewal = renewal
	}

	if err := tx.MarkWebhookEventProcessed(ctx, eventRecordID, now); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Processor) closeDuplicate(ctx context.Context, tx store.Tx, eventRecordID, paymentID uuid.UUID, now time.Time) (*ProcessResult, error) {
	if err := tx.MarkWebhookEventDuplicate(ctx, eventRecordID, now); err != nil {
		return nil, err
	}
	return &ProcessResult{Kind: ProcessDuplicate, PaymentID: paymentID}, nil
}

// resolveUser prefers the owner of an existing payment, then the payload email.
func (p *Processor) resolveUser(ctx context.Context, tx store.Tx, n *domain.Notification, existing *domain.Payment) (uuid.UUID, error) {
	if existing != nil {
		return existing.UserID, nil
	}
	if n.Email == "" {
		return uuid.Nil, ErrNoUserIdentifier
	}

	user, err := tx.FindUserByEmail(ctx, n.Email)
	if err == nil {
		return user.ID, nil
	}
	if !errors.Is(err, store.ErrUserNotFound) {
		return uuid.Nil, fmt.Errorf("failed to look up user: %w", err)
	}

	user, err = tx.CreateUser(ctx, n.Email)
	if err != nil {
		return uuid.Nil, err
	}
	return user.ID, nil
}

// validateAmount compares the payload amount with the most recent subscription on the
// same plan. Plans nobody has subscribed to yet, or whose subscription carries no
// amount, are accepted as-is.
func (p *Processor) validateAmount(ctx context.Context, tx store.Tx, n *domain.Notification) error {
	if n.PlanID == "" || !n.HasAmount {
		return nil
	}

	sub, err := tx.FindLatestSubscriptionByPlan(ctx, n.PlanID)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up plan amount: %w", err)
	}
	if sub.AmountMinor <= 0 {
		return nil
	}

	if !domain.AmountsMatch(sub.AmountMinor, n.AmountMinor) {
		return fmt.Errorf("%w: plan %s expects %d, payload has %d (minor units)",
			ErrAmountMismatch, n.PlanID, sub.AmountMinor, n.AmountMinor)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
