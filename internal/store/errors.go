package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrWebhookEventNotFound  = errors.New("webhook event not found")
	ErrEventTransitionDenied = errors.New("webhook event status transition not allowed")
	ErrExpiryRegression      = errors.New("subscription expiry cannot move backwards")
)

const (
	sqlStateUniqueViolation      = "23505"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateQueryCanceled        = "57014"
)

// IsDuplicateKeyError reports a unique constraint violation.
func IsDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}

// IsSerializationFailure reports a serialization failure or a detected deadlock.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}

// IsTransient reports errors worth retrying later: lock conflicts, connection class
// errors (SQLSTATE 08xxx), timeouts and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsSerializationFailure(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == sqlStateLockNotAvailable, pgErr.Code == sqlStateQueryCanceled:
			return true
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return true
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "53":
			return true
		}
		return false
	}

	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
