/**
 * @description
 * This file provides the PostgreSQL implementation of the Store and Tx interfaces.
 * Deduplication and renewal serialisation rely only on row locks and unique
 * constraints:
 * - webhook_events.external_event_id and payments.external_payment_id are unique, and
 *   inserts use ON CONFLICT DO NOTHING so a concurrent writer is detected, not raised.
 * - event claims take pg_try_advisory_xact_lock on the event id and read with
 *   FOR UPDATE SKIP LOCKED, so a concurrent claimant is reported instead of waited on.
 * - renewals lock the user row first and then the renewable subscription.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: the PostgreSQL driver and transaction handles.
 * - internal/domain: the models read and written here.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/payment-webhook-service/internal/domain"
)

const (
	webhookEventColumns = `id, external_event_id, event_type, payload, status, retry_count,
		COALESCE(error_kind, ''), error_message, processed_at, created_at, updated_at`
	paymentColumns = `id, external_payment_id, user_id, subscription_id, status, amount_minor,
		currency, COALESCE(plan_id, ''), created_at, updated_at`
	subscriptionColumns = `id, user_id, status, COALESCE(plan_id, ''), amount_minor, currency,
		started_at, expires_at, created_at, updated_at`

	maxErrorMessageLength = 2000
)

// PostgresRepository is the pgx implementation of Store.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordEventFailure upserts the event as failed in its own small transaction. The main
// unit of work has already rolled back, so the row may not exist yet. Processed and
// duplicate rows are left untouched, and an existing payload is never overwritten.
func (r *PostgresRepository) RecordEventFailure(ctx context.Context, failure EventFailure) error {
	message := truncate(failure.Message, maxErrorMessageLength)
	at := failure.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO webhook_events (
			id, external_event_id, event_type, payload, status, retry_count,
			error_kind, error_message, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, 'failed', 1, $5, $6, $7, $7)
		ON CONFLICT (external_event_id) DO UPDATE
		SET status = 'failed',
			retry_count = webhook_events.retry_count + 1,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
		WHERE webhook_events.status IN ('pending', 'failed')
	`
	_, err = tx.Exec(ctx, query,
		uuid.New(),
		failure.ExternalEventID,
		failure.EventType,
		string(failure.Payload),
		string(failure.Kind),
		message,
		at,
	)
	if err != nil {
		return fmt.Errorf("failed to record webhook event failure: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindWebhookEventByExternalID(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE external_event_id = $1`
	event, err := scanWebhookEvent(r.db.QueryRow(ctx, query, externalEventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookEventNotFound
		}
		return nil, err
	}
	return event, nil
}

// ListWebhookEvents returns the most recent events, optionally filtered by status.
func (r *PostgresRepository) ListWebhookEvents(ctx context.Context, status domain.WebhookEventStatus, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.WebhookEvent, 0, limit)
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// ListRetryableFailedEvents returns transient failures that have not exhausted their retries.
func (r *PostgresRepository) ListRetryableFailedEvents(ctx context.Context, maxRetries int, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE status = 'failed'
		  AND error_kind = 'transient'
		  AND retry_count < $1
		ORDER BY updated_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.WebhookEvent, 0, limit)
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// ListOrphanedPayments returns completed payments without a subscription created after
// the cut-off, oldest first.
func (r *PostgresRepository) ListOrphanedPayments(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'completed'
		  AND subscription_id IS NULL
		  AND created_at >= $1
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, createdAfter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, limit)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, truncate(reason, maxErrorMessageLength))
	return err
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

// ClaimWebhookEvent is the delivery dedup step. The claim row stays uncommitted for the
// whole unit of work, and an ON CONFLICT insert would wait on it, so claimants first take
// a transaction-scoped advisory lock keyed by the event id. A caller that cannot get the
// lock, or whose read skips a locked row, sees ClaimAlreadyReceived without waiting.
func (t *pgTx) ClaimWebhookEvent(ctx context.Context, externalEventID, eventType string, payload []byte) (Claim, error) {
	var acquired bool
	err := t.tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`,
		externalEventID,
	).Scan(&acquired)
	if err != nil {
		return Claim{}, fmt.Errorf("failed to lock webhook event id: %w", err)
	}
	if !acquired {
		return Claim{Kind: ClaimAlreadyReceived}, nil
	}

	var (
		id     uuid.UUID
		status string
	)
	err = t.tx.QueryRow(ctx, `
		SELECT id, status
		FROM webhook_events
		WHERE external_event_id = $1
		FOR UPDATE SKIP LOCKED
	`, externalEventID).Scan(&id, &status)
	switch {
	case err == nil:
		if domain.WebhookEventStatus(status) == domain.EventProcessed {
			return Claim{Kind: ClaimAlreadyProcessed}, nil
		}
		return Claim{Kind: ClaimAlreadyReceived}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Claim{}, fmt.Errorf("failed to read webhook event: %w", err)
	}

	newID := uuid.New()
	err = t.tx.QueryRow(ctx, `
		INSERT INTO webhook_events (id, external_event_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (external_event_id) DO NOTHING
		RETURNING id
	`, newID, externalEventID, eventType, string(payload)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{Kind: ClaimAlreadyReceived}, nil
		}
		return Claim{}, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return Claim{Kind: ClaimClaimed, EventRecordID: id}, nil
}

func (t *pgTx) LockFailedWebhookEvent(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	query := `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE id = $1 AND status = 'failed'
		FOR UPDATE SKIP LOCKED
	`
	event, err := scanWebhookEvent(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookEventNotFound
		}
		return nil, err
	}
	return event, nil
}

func (t *pgTx) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return t.closeWebhookEvent(ctx, id, domain.EventProcessed, at)
}

func (t *pgTx) MarkWebhookEventDuplicate(ctx context.Context, id uuid.UUID, at time.Time) error {
	return t.closeWebhookEvent(ctx, id, domain.EventDuplicate, at)
}

func (t *pgTx) closeWebhookEvent(ctx context.Context, id uuid.UUID, status domain.WebhookEventStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2,
			processed_at = $3,
			error_kind = NULL,
			error_message = NULL,
			updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'failed')
	`, id, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventTransitionDenied
	}
	return nil
}

// FindPaymentByExternalID lock-reads the payment so a later promotion or link in the same
// unit of work cannot race another writer.
func (t *pgTx) FindPaymentByExternalID(ctx context.Context, externalPaymentID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE external_payment_id = $1 FOR UPDATE`
	payment, err := scanPayment(t.tx.QueryRow(ctx, query, externalPaymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// CreatePayment inserts the payment. It returns false when another writer already owns
// the external payment id.
func (t *pgTx) CreatePayment(ctx context.Context, payment *domain.Payment) (bool, error) {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	var createdAt time.Time
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payments (
			id, external_payment_id, user_id, subscription_id, status,
			amount_minor, currency, plan_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $9)
		ON CONFLICT (external_payment_id) DO NOTHING
		RETURNING created_at
	`,
		payment.ID,
		payment.ExternalPaymentID,
		payment.UserID,
		payment.SubscriptionID,
		string(payment.Status),
		payment.AmountMinor,
		payment.Currency,
		payment.PlanID,
		payment.CreatedAt,
	).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create payment: %w", err)
	}
	payment.CreatedAt = createdAt
	payment.UpdatedAt = createdAt
	return true, nil
}

// PromotePaymentCompleted completes a pending payment with the amount the completion
// reported.
func (t *pgTx) PromotePaymentCompleted(ctx context.Context, paymentID uuid.UUID, amountMinor int64, currency string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET status = 'completed',
			amount_minor = $2,
			currency = $3,
			updated_at = $4
		WHERE id = $1 AND status = 'pending'
	`, paymentID, amountMinor, currency, at)
	if err != nil {
		return fmt.Errorf("failed to promote payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// LinkPaymentSubscription attaches the payment to a subscription of the same user.
func (t *pgTx) LinkPaymentSubscription(ctx context.Context, paymentID, subscriptionID uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments AS p
		SET subscription_id = $2, updated_at = $3
		FROM subscriptions AS s
		WHERE p.id = $1
		  AND s.id = $2
		  AND s.user_id = p.user_id
	`, paymentID, subscriptionID, at)
	if err != nil {
		return fmt.Errorf("failed to link payment to subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// LockOrphanedPayment locks a completed, unlinked payment. Rows held by a live request
// or another reconciler are skipped and reported as ErrPaymentNotFound.
func (t *pgTx) LockOrphanedPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE id = $1 AND status = 'completed' AND subscription_id IS NULL
		FOR UPDATE SKIP LOCKED
	`
	payment, err := scanPayment(t.tx.QueryRow(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

func (t *pgTx) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	err := t.tx.QueryRow(ctx, `SELECT id, email, created_at FROM users WHERE email = $1`, domain.NormalizeEmail(email)).
		Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts the user if the email is unseen and returns the stored row either way.
func (t *pgTx) CreateUser(ctx context.Context, email string) (*domain.User, error) {
	normalized := domain.NormalizeEmail(email)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO users (id, email)
		VALUES ($1, $2)
		ON CONFLICT (email) DO NOTHING
	`, uuid.New(), normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return t.FindUserByEmail(ctx, normalized)
}

// LockUser serialises renewals for one user. Locking the subscription alone is not
// enough when the user has no renewable subscription yet.
func (t *pgTx) LockUser(ctx context.Context, userID uuid.UUID) error {
	var id uuid.UUID
	err := t.tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to lock user: %w", err)
	}
	return nil
}

func (t *pgTx) FindLatestSubscriptionByPlan(ctx context.Context, planID string) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE plan_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	sub, err := scanSubscription(t.tx.QueryRow(ctx, query, planID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

func (t *pgTx) LockRenewableSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'inactive')
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`
	sub, err := scanSubscription(t.tx.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

func (t *pgTx) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO subscriptions (
			id, user_id, status, plan_id, amount_minor, currency,
			started_at, expires_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
	`,
		sub.ID,
		sub.UserID,
		string(sub.Status),
		sub.PlanID,
		sub.AmountMinor,
		sub.Currency,
		sub.StartedAt,
		sub.ExpiresAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UpdateSubscriptionRenewal persists a renewal. The WHERE clause refuses to move
// expires_at backwards.
func (t *pgTx) UpdateSubscriptionRenewal(ctx context.Context, sub *domain.Subscription) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE subscriptions
		SET status = $2,
			started_at = $3,
			expires_at = $4,
			updated_at = $5
		WHERE id = $1
		  AND (expires_at IS NULL OR expires_at <= $4)
	`, sub.ID, string(sub.Status), sub.StartedAt, sub.ExpiresAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update subscription renewal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExpiryRegression
	}
	return nil
}

func (t *pgTx) EnqueueOutboxEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func scanWebhookEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var (
		event     domain.WebhookEvent
		status    string
		errorKind string
	)
	err := row.Scan(
		&event.ID,
		&event.ExternalEventID,
		&event.EventType,
		&event.Payload,
		&status,
		&event.RetryCount,
		&errorKind,
		&event.ErrorMessage,
		&event.ProcessedAt,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	event.Status = domain.WebhookEventStatus(status)
	event.ErrorKind = domain.ErrorKind(errorKind)
	return &event, nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		payment domain.Payment
		status  string
	)
	err := row.Scan(
		&payment.ID,
		&payment.ExternalPaymentID,
		&payment.UserID,
		&payment.SubscriptionID,
		&status,
		&payment.AmountMinor,
		&payment.Currency,
		&payment.PlanID,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	payment.Status = domain.PaymentStatus(status)
	return &payment, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub    domain.Subscription
		status string
	)
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&status,
		&sub.PlanID,
		&sub.AmountMinor,
		&sub.Currency,
		&sub.StartedAt,
		&sub.ExpiresAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriptionStatus(status)
	return &sub, nil
}

func truncate(v string, max int) string {
	if len(v) > max {
		return v[:max]
	}
	return v
}
