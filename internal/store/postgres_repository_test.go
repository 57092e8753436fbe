package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/payment-webhook-service/internal/domain"
)

// newTestRepository connects to TEST_DATABASE_URL and applies migrations.
func newTestRepository(t *testing.T) (*PostgresRepository, *pgxpool.Pool) {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := Connect(ctx, PoolOptions{URL: url, MaxConns: 10, RetryAttempts: 3, RetryInterval: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool, slog.New(slog.NewTextHandler(io.Discard, nil))))
	return NewPostgresRepository(pool), pool
}

func uniqueID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func TestClaimWebhookEvent(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	eventID := uniqueID("evt")
	payload := []byte(`{"eventId":"` + eventID + `"}`)

	var claim Claim
	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		var err error
		claim, err = tx.ClaimWebhookEvent(ctx, eventID, "payment.completed", payload)
		return err
	}))
	require.Equal(t, ClaimClaimed, claim.Kind)
	require.NotEqual(t, uuid.Nil, claim.EventRecordID)

	// Still pending: a second claim must not reprocess it.
	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		var err error
		claim, err = tx.ClaimWebhookEvent(ctx, eventID, "payment.completed", payload)
		return err
	}))
	assert.Equal(t, ClaimAlreadyReceived, claim.Kind)

	event, err := repo.FindWebhookEventByExternalID(ctx, eventID)
	require.NoError(t, err)
	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		return tx.MarkWebhookEventProcessed(ctx, event.ID, time.Now().UTC())
	}))

	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		var err error
		claim, err = tx.ClaimWebhookEvent(ctx, eventID, "payment.completed", payload)
		return err
	}))
	assert.Equal(t, ClaimAlreadyProcessed, claim.Kind)

	stored, err := repo.FindWebhookEventByExternalID(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventProcessed, stored.Status)
	assert.Equal(t, string(payload), stored.Payload)
	assert.NotNil(t, stored.ProcessedAt)

	// Processed is final.
	err = repo.WithinTx(ctx, func(tx Tx) error {
		return tx.MarkWebhookEventDuplicate(ctx, event.ID, time.Now().UTC())
	})
	assert.ErrorIs(t, err, ErrEventTransitionDenied)
}

func TestClaimWebhookEventDoesNotWaitForConcurrentClaim(t *testing.T) {
	repo, pool := newTestRepository(t)
	ctx := context.Background()
	eventID := uniqueID("evt")

	holder, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer holder.Rollback(ctx)

	first, err := (&pgTx{tx: holder}).ClaimWebhookEvent(ctx, eventID, "payment.completed", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, ClaimClaimed, first.Kind)

	done := make(chan Claim, 1)
	go func() {
		var claim Claim
		_ = repo.WithinTx(ctx, func(tx Tx) error {
			var err error
			claim, err = tx.ClaimWebhookEvent(ctx, eventID, "payment.completed", []byte(`{}`))
			return err
		})
		done <- claim
	}()

	// The holder stays open until the concurrent claim has answered.
	select {
	case claim := <-done:
		assert.Equal(t, ClaimAlreadyReceived, claim.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("concurrent claim waited on the open transaction")
	}

	require.NoError(t, holder.Commit(ctx))

	var claim Claim
	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		var err error
		claim, err = tx.ClaimWebhookEvent(ctx, eventID, "payment.completed", []byte(`{}`))
		return err
	}))
	assert.Equal(t, ClaimAlreadyReceived, claim.Kind)
}

func TestClaimWebhookEventAfterRollbackCanClaimAgain(t *testing.T) {
	repo, pool := newTestRepository(t)
	ctx := context.Background()
	eventID := uniqueID("evt")

	holder, err := pool.Begin(ctx)
	require.NoError(t, err)
	first, err := (&pgTx{tx: holder}).ClaimWebhookEvent(ctx, eventID, "payment.completed", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, ClaimClaimed, first.Kind)
	require.NoError(t, holder.Rollback(ctx))

	var claim Claim
	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		var err error
		claim, err = tx.ClaimWebhookEvent(ctx, eventID, "payment.completed", []byte(`{}`))
		return err
	}))
	assert.Equal(t, ClaimClaimed, claim.Kind)
}

// renewForUser is the store-level shape of one renewal unit of work: lock the user, then
// extend the renewable subscription or create the first one.
func renewForUser(ctx context.Context, tx Tx, userID uuid.UUID, now time.Time) error {
	if err := tx.LockUser(ctx, userID); err != nil {
		return err
	}
	sub, err := tx.LockRenewableSubscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return tx.CreateSubscription(ctx, domain.NewActiveSubscription(userID, "pro", 2999, "USD", now))
	}
	if err != nil {
		return err
	}
	if err := sub.Renew(now); err != nil {
		return err
	}
	return tx.UpdateSubscriptionRenewal(ctx, sub)
}

func TestConcurrentRenewalsForOneUserSerialise(t *testing.T) {
	repo, pool := newTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var user *domain.User
	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		var err error
		user, err = tx.CreateUser(ctx, uniqueID("race")+"@example.com")
		return err
	}))

	const workers = 6
	errs := make(chan error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- repo.WithinTx(ctx, func(tx Tx) error {
				return renewForUser(ctx, tx, user.ID, now)
			})
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var (
		count     int
		expiresAt time.Time
	)
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT COUNT(*), MAX(expires_at)
		FROM subscriptions
		WHERE user_id = $1
	`, user.ID).Scan(&count, &expiresAt))
	assert.Equal(t, 1, count)
	assert.True(t, now.AddDate(0, 0, domain.RenewalPeriodDays*workers).Equal(expiresAt),
		"expires_at %s", expiresAt)
}

func TestRecordEventFailure(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	eventID := uniqueID("evt")
	payload := []byte(`{"eventId":"` + eventID + `","paymentId":"p"}`)

	failure := EventFailure{
		ExternalEventID: eventID,
		EventType:       "payment.completed",
		Payload:         payload,
		Kind:            domain.ErrorKindTransient,
		Message:         "connection reset",
	}
	require.NoError(t, repo.RecordEventFailure(ctx, failure))
	require.NoError(t, repo.RecordEventFailure(ctx, failure))

	event, err := repo.FindWebhookEventByExternalID(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventFailed, event.Status)
	assert.Equal(t, 2, event.RetryCount)
	assert.Equal(t, domain.ErrorKindTransient, event.ErrorKind)
	assert.Equal(t, string(payload), event.Payload)

	retryable, err := repo.ListRetryableFailedEvents(ctx, 3, 500)
	require.NoError(t, err)
	assert.True(t, containsEvent(retryable, eventID))

	retryable, err = repo.ListRetryableFailedEvents(ctx, 2, 500)
	require.NoError(t, err)
	assert.False(t, containsEvent(retryable, eventID))
}

func TestRecordEventFailureNeverRegressesProcessed(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	eventID := uniqueID("evt")

	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		claim, err := tx.ClaimWebhookEvent(ctx, eventID, "payment.completed", []byte(`{}`))
		if err != nil {
			return err
		}
		return tx.MarkWebhookEventProcessed(ctx, claim.EventRecordID, time.Now().UTC())
	}))

	require.NoError(t, repo.RecordEventFailure(ctx, EventFailure{
		ExternalEventID: eventID,
		Payload:         []byte(`{}`),
		Kind:            domain.ErrorKindTerminal,
		Message:         "late failure",
	}))

	event, err := repo.FindWebhookEventByExternalID(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventProcessed, event.Status)
	assert.Equal(t, 0, event.RetryCount)
}

func TestPaymentLedgerAndRenewal(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	email := uniqueID("user") + "@example.com"
	externalPaymentID := uniqueID("pay")

	var (
		user    *domain.User
		payment *domain.Payment
		sub     *domain.Subscription
	)
	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		var err error
		user, err = tx.CreateUser(ctx, email)
		if err != nil {
			return err
		}
		again, err := tx.CreateUser(ctx, email)
		if err != nil {
			return err
		}
		if again.ID != user.ID {
			return errors.New("create user is not idempotent")
		}
		if err := tx.LockUser(ctx, user.ID); err != nil {
			return err
		}

		payment = &domain.Payment{
			ExternalPaymentID: externalPaymentID,
			UserID:            user.ID,
			Status:            domain.PaymentCompleted,
			AmountMinor:       2999,
			Currency:          "USD",
			PlanID:            "pro",
			CreatedAt:         now,
		}
		created, err := tx.CreatePayment(ctx, payment)
		if err != nil {
			return err
		}
		if !created {
			return errors.New("payment not created")
		}

		duplicate := *payment
		duplicate.ID = uuid.Nil
		created, err = tx.CreatePayment(ctx, &duplicate)
		if err != nil {
			return err
		}
		if created {
			return errors.New("duplicate payment created")
		}

		sub = domain.NewActiveSubscription(user.ID, "pro", 2999, "USD", now)
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.LinkPaymentSubscription(ctx, payment.ID, sub.ID, now)
	}))

	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		found, err := tx.FindPaymentByExternalID(ctx, externalPaymentID)
		require.NoError(t, err)
		require.NotNil(t, found.SubscriptionID)
		assert.Equal(t, sub.ID, *found.SubscriptionID)

		locked, err := tx.LockRenewableSubscription(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, sub.ID, locked.ID)

		byPlan, err := tx.FindLatestSubscriptionByPlan(ctx, "pro")
		require.NoError(t, err)
		assert.Equal(t, "pro", byPlan.PlanID)

		require.NoError(t, locked.Renew(now))
		require.NoError(t, tx.UpdateSubscriptionRenewal(ctx, locked))

		backwards := *locked
		earlier := now.AddDate(0, 0, 1)
		backwards.ExpiresAt = &earlier
		assert.ErrorIs(t, tx.UpdateSubscriptionRenewal(ctx, &backwards), ErrExpiryRegression)
		return nil
	}))
}

func TestOrphanedPaymentLifecycle(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var payment *domain.Payment
	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		user, err := tx.CreateUser(ctx, uniqueID("orphan")+"@example.com")
		if err != nil {
			return err
		}
		payment = &domain.Payment{
			ExternalPaymentID: uniqueID("pay"),
			UserID:            user.ID,
			Status:            domain.PaymentCompleted,
			AmountMinor:       1000,
			Currency:          "USD",
			CreatedAt:         now,
		}
		_, err = tx.CreatePayment(ctx, payment)
		return err
	}))

	orphans, err := repo.ListOrphanedPayments(ctx, now.Add(-time.Hour), 500)
	require.NoError(t, err)
	assert.True(t, containsPayment(orphans, payment.ID))

	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		locked, err := tx.LockOrphanedPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		sub := domain.NewActiveSubscription(locked.UserID, "", locked.AmountMinor, locked.Currency, now)
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.LinkPaymentSubscription(ctx, locked.ID, sub.ID, now)
	}))

	orphans, err = repo.ListOrphanedPayments(ctx, now.Add(-time.Hour), 500)
	require.NoError(t, err)
	assert.False(t, containsPayment(orphans, payment.ID))

	err = repo.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.LockOrphanedPayment(ctx, payment.ID)
		return err
	})
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestOutboxRoundTrip(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	routingKey := uniqueID("test.routing")

	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		return tx.EnqueueOutboxEvent(ctx, "billing.events", routingKey, map[string]string{"hello": "world"})
	}))

	var claimed *OutboxMessage
	for attempt := 0; attempt < 10 && claimed == nil; attempt++ {
		messages, err := repo.ClaimOutboxMessages(ctx, 500, 120)
		require.NoError(t, err)
		for i := range messages {
			if messages[i].RoutingKey == routingKey {
				claimed = &messages[i]
				continue
			}
			require.NoError(t, repo.MarkOutboxFailed(ctx, messages[i].ID, 1, "released by test"))
		}
	}
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.Attempts)
	assert.JSONEq(t, `{"hello":"world"}`, string(claimed.Payload))
	require.NoError(t, repo.MarkOutboxPublished(ctx, claimed.ID))
}

func containsEvent(events []domain.WebhookEvent, externalEventID string) bool {
	for _, e := range events {
		if e.ExternalEventID == externalEventID {
			return true
		}
	}
	return false
}

func containsPayment(payments []domain.Payment, id uuid.UUID) bool {
	for _, p := range payments {
		if p.ID == id {
			return true
		}
	}
	return false
}
