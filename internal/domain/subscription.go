/**
 * @description
 * Subscription model and its lifecycle rules. A subscription moves
 * inactive -> active on its first completed payment, stays active across renewals
 * (each one pushing ExpiresAt forward by one renewal period) and ends in either
 * cancelled or expired. Ended subscriptions are never reactivated in place; a later
 * payment creates a new row instead.
 */
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RenewalPeriodDays is the number of days one completed payment buys.
const RenewalPeriodDays = 30

var ErrSubscriptionNotRenewable = errors.New("subscription cannot be renewed in place")

type SubscriptionStatus string

const (
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Subscription represents a row of the subscriptions table.
type Subscription struct {
	ID          uuid.UUID          `json:"id"`
	UserID      uuid.UUID          `json:"user_id"`
	Status      SubscriptionStatus `json:"status"`
	PlanID      string             `json:"plan_id,omitempty"`
	AmountMinor int64              `json:"amount_minor"`
	Currency    string             `json:"currency"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionInactive: {SubscriptionActive},
	SubscriptionActive:   {SubscriptionActive, SubscriptionCancelled, SubscriptionExpired},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
// Cancelled and expired are terminal.
func CanTransition(from, to SubscriptionStatus) bool {
	for _, next := range subscriptionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanRenewInPlace is true for the statuses a renewal payment may extend, i.e. those
// allowed to move to active.
func (s *Subscription) CanRenewInPlace() bool {
	return s != nil && CanTransition(s.Status, SubscriptionActive)
}

// NextExpiry computes the expiry after one renewal. A subscription that is still
// running is extended from its current expiry; a lapsed (or never started) one is
// extended from now.
func NextExpiry(current *time.Time, now time.Time) time.Time {
	now = now.UTC()
	if current != nil && current.After(now) {
		return current.UTC().AddDate(0, 0, RenewalPeriodDays)
	}
	return now.AddDate(0, 0, RenewalPeriodDays)
}

// Renew applies one renewal period and activates the subscription.
func (s *Subscription) Renew(now time.Time) error {
	if !s.CanRenewInPlace() {
		return ErrSubscriptionNotRenewable
	}

	next := NextExpiry(s.ExpiresAt, now)
	if s.StartedAt == nil {
		started := now.UTC()
		s.StartedAt = &started
	}
	s.ExpiresAt = &next
	s.Status = SubscriptionActive
	s.UpdatedAt = now.UTC()
	return nil
}

// NewActiveSubscription builds the row created when a user has nothing renewable.
func NewActiveSubscription(userID uuid.UUID, planID string, amountMinor int64, currency string, now time.Time) *Subscription {
	started := now.UTC()
	expires := started.AddDate(0, 0, RenewalPeriodDays)
	return &Subscription{
		ID:          uuid.New(),
		UserID:      userID,
		Status:      SubscriptionActive,
		PlanID:      planID,
		AmountMinor: amountMinor,
		Currency:    currency,
		StartedAt:   &started,
		ExpiresAt:   &expires,
		CreatedAt:   started,
		UpdatedAt:   started,
	}
}
