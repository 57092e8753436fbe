package app

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-webhook-service/internal/domain"
	"github.com/transfa/payment-webhook-service/internal/store"
)

// memStore is an in-memory store.Store. Units of work are serialised and run against a
// copy of the state that is swapped in only on commit, so a failed unit leaves nothing
// behind.
type memStore struct {
	mu      sync.Mutex
	state   *memState
	failOn  map[string]error
	commits int
}

type memState struct {
	users    map[uuid.UUID]domain.User
	subs     map[uuid.UUID]memSub
	payments map[uuid.UUID]domain.Payment
	events   map[uuid.UUID]domain.WebhookEvent
	outbox   []memOutbox
	seq      int64
}

type memSub struct {
	sub domain.Subscription
	seq int64
}

type memOutbox struct {
	msg    store.OutboxMessage
	status string
}

func newMemStore() *memStore {
	return &memStore{
		state: &memState{
			users:    map[uuid.UUID]domain.User{},
			subs:     map[uuid.UUID]memSub{},
			payments: map[uuid.UUID]domain.Payment{},
			events:   map[uuid.UUID]domain.WebhookEvent{},
		},
		failOn: map[string]error{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:    make(map[uuid.UUID]domain.User, len(s.users)),
		subs:     make(map[uuid.UUID]memSub, len(s.subs)),
		payments: make(map[uuid.UUID]domain.Payment, len(s.payments)),
		events:   make(map[uuid.UUID]domain.WebhookEvent, len(s.events)),
		outbox:   append([]memOutbox(nil), s.outbox...),
		seq:      s.seq,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.subs {
		c.subs[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

// failWith makes the named Tx or Store method return err until cleared.
func (m *memStore) failWith(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[method] = err
}

func (m *memStore) clearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn = map[string]error{}
}

func (m *memStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.state.clone()
	if err := fn(&memTx{store: m, state: working}); err != nil {
		return err
	}
	m.state = working
	m.commits++
	return nil
}

func (m *memStore) Ping(ctx context.Context) error {
	return m.failOn["Ping"]
}

func (m *memStore) RecordEventFailure(ctx context.Context, failure store.EventFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["RecordEventFailure"]; err != nil {
		return err
	}

	message := failure.Message
	if event, ok := m.state.eventByExternalID(failure.ExternalEventID); ok {
		if event.Status != domain.EventPending && event.Status != domain.EventFailed {
			return nil
		}
		event.Status = domain.EventFailed
		event.RetryCount++
		event.ErrorKind = failure.Kind
		event.ErrorMessage = &message
		event.UpdatedAt = failure.At
		m.state.events[event.ID] = event
		return nil
	}

	id := uuid.New()
	m.state.events[id] = domain.WebhookEvent{
		ID:              id,
		ExternalEventID: failure.ExternalEventID,
		EventType:       failure.EventType,
		Payload:         string(failure.Payload),
		Status:          domain.EventFailed,
		RetryCount:      1,
		ErrorKind:       failure.Kind,
		ErrorMessage:    &message,
		CreatedAt:       failure.At,
		UpdatedAt:       failure.At,
	}
	return nil
}

func (m *memStore) FindWebhookEventByExternalID(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.state.eventByExternalID(externalEventID)
	if !ok {
		return nil, store.ErrWebhookEventNotFound
	}
	return &event, nil
}

func (m *memStore) ListWebhookEvents(ctx context.Context, status domain.WebhookEventStatus, limit int) ([]domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []domain.WebhookEvent
	for _, event := range m.state.events {
		if status == "" || event.Status == status {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.After(events[j].CreatedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (m *memStore) ListRetryableFailedEvents(ctx context.Context, maxRetries int, limit int) ([]domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["ListRetryableFailedEvents"]; err != nil {
		return nil, err
	}
	var events []domain.WebhookEvent
	for _, event := range m.state.events {
		if event.Status == domain.EventFailed && event.ErrorKind == domain.ErrorKindTransient && event.RetryCount < maxRetries {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].UpdatedAt.Before(events[j].UpdatedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (m *memStore) ListOrphanedPayments(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["ListOrphanedPayments"]; err != nil {
		return nil, err
	}
	var payments []domain.Payment
	for _, payment := range m.state.payments {
		if payment.IsOrphaned() && !payment.CreatedAt.Before(createdAfter) {
			payments = append(payments, payment)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].CreatedAt.Before(payments[j].CreatedAt) })
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}

func (m *memStore) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["ClaimOutboxMessages"]; err != nil {
		return nil, err
	}
	var claimed []store.OutboxMessage
	for i := range m.state.outbox {
		row := &m.state.outbox[i]
		if row.status != "pending" {
			continue
		}
		if limit > 0 && len(claimed) >= limit {
			break
		}
		row.status = "processing"
		row.msg.Attempts++
		claimed = append(claimed, row.msg)
	}
	return claimed, nil
}

func (m *memStore) MarkOutboxPublished(ctx context.Context, id int64) error {
	return m.setOutboxStatus(id, "published")
}

func (m *memStore) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	return m.setOutboxStatus(id, "pending")
}

func (m *memStore) setOutboxStatus(id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.outbox {
		if m.state.outbox[i].msg.ID == id {
			m.state.outbox[i].status = status
		}
	}
	return nil
}

// Test inspection helpers.

func (m *memStore) event(externalEventID string) domain.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, _ := m.state.eventByExternalID(externalEventID)
	return event
}

func (m *memStore) paymentsByExternalID(externalPaymentID string) []domain.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var payments []domain.Payment
	for _, payment := range m.state.payments {
		if payment.ExternalPaymentID == externalPaymentID {
			payments = append(payments, payment)
		}
	}
	return payments
}

func (m *memStore) subscriptionsForUser(userID uuid.UUID) []domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]memSub, 0)
	for _, row := range m.state.subs {
		if row.sub.UserID == userID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	subs := make([]domain.Subscription, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, row.sub)
	}
	return subs
}

func (m *memStore) userByEmail(email string) (domain.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.userByEmail(email)
}

func (m *memStore) userCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.users)
}

func (m *memStore) outboxRoutingKeys(status string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for _, row := range m.state.outbox {
		if status == "" || row.status == status {
			keys = append(keys, row.msg.RoutingKey)
		}
	}
	return keys
}

func (m *memStore) outboxPayloads(routingKey string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var payloads [][]byte
	for _, row := range m.state.outbox {
		if row.msg.RoutingKey == routingKey {
			payloads = append(payloads, row.msg.Payload)
		}
	}
	return payloads
}

// seedUser and seedSubscription write directly to committed state.
func (m *memStore) seedUser(email string) domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := domain.User{ID: uuid.New(), Email: domain.NormalizeEmail(email), CreatedAt: time.Now().UTC()}
	m.state.users[user.ID] = user
	return user
}

func (m *memStore) seedSubscription(sub domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.seq++
	m.state.subs[sub.ID] = memSub{sub: sub, seq: m.state.seq}
}

func (m *memStore) seedPayment(payment domain.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.payments[payment.ID] = payment
}

func (s *memState) eventByExternalID(externalEventID string) (domain.WebhookEvent, bool) {
	for _, event := range s.events {
		if event.ExternalEventID == externalEventID {
			return event, true
		}
	}
	return domain.WebhookEvent{}, false
}

func (s *memState) userByEmail(email string) (domain.User, bool) {
	normalized := domain.NormalizeEmail(email)
	for _, user := range s.users {
		if user.Email == normalized {
			return user, true
		}
	}
	return domain.User{}, false
}

// memTx is the transaction-scoped handle over a working copy of the state.
type memTx struct {
	store *memStore
	state *memState
}

func (t *memTx) fail(method string) error {
	return t.store.failOn[method]
}

func (t *memTx) ClaimWebhookEvent(ctx context.Context, externalEventID, eventType string, payload []byte) (store.Claim, error) {
	if err := t.fail("ClaimWebhookEvent"); err != nil {
		return store.Claim{}, err
	}
	if event, ok := t.state.eventByExternalID(externalEventID); ok {
		if event.Status == domain.EventProcessed {
			return store.Claim{Kind: store.ClaimAlreadyProcessed}, nil
		}
		return store.Claim{Kind: store.ClaimAlreadyReceived}, nil
	}

	now := time.Now().UTC()
	id := uuid.New()
	t.state.events[id] = domain.WebhookEvent{
		ID:              id,
		ExternalEventID: externalEventID,
		EventType:       eventType,
		Payload:         string(payload),
		Status:          domain.EventPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return store.Claim{Kind: store.ClaimClaimed, EventRecordID: id}, nil
}

func (t *memTx) LockFailedWebhookEvent(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	event, ok := t.state.events[id]
	if !ok || event.Status != domain.EventFailed {
		return nil, store.ErrWebhookEventNotFound
	}
	return &event, nil
}

func (t *memTx) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := t.fail("MarkWebhookEventProcessed"); err != nil {
		return err
	}
	return t.closeEvent(id, domain.EventProcessed, at)
}

func (t *memTx) MarkWebhookEventDuplicate(ctx context.Context, id uuid.UUID, at time.Time) error {
	return t.closeEvent(id, domain.EventDuplicate, at)
}

func (t *memTx) closeEvent(id uuid.UUID, status domain.WebhookEventStatus, at time.Time) error {
	event, ok := t.state.events[id]
	if !ok || !domain.CanTransitionEvent(event.Status, status) {
		return store.ErrEventTransitionDenied
	}
	event.Status = status
	event.ProcessedAt = &at
	event.ErrorKind = domain.ErrorKindNone
	event.ErrorMessage = nil
	event.UpdatedAt = at
	t.state.events[id] = event
	return nil
}

func (t *memTx) FindPaymentByExternalID(ctx context.Context, externalPaymentID string) (*domain.Payment, error) {
	if err := t.fail("FindPaymentByExternalID"); err != nil {
		return nil, err
	}
	for _, payment := range t.state.payments {
		if payment.ExternalPaymentID == externalPaymentID {
			return &payment, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (t *memTx) CreatePayment(ctx context.Context, payment *domain.Payment) (bool, error) {
	if err := t.fail("CreatePayment"); err != nil {
		return false, err
	}
	for _, existing := range t.state.payments {
		if existing.ExternalPaymentID == payment.ExternalPaymentID {
			return false, nil
		}
	}
	t.state.payments[payment.ID] = *payment
	return true, nil
}

func (t *memTx) PromotePaymentCompleted(ctx context.Context, paymentID uuid.UUID, amountMinor int64, currency string, at time.Time) error {
	payment, ok := t.state.payments[paymentID]
	if !ok || payment.Status != domain.PaymentPending {
		return store.ErrPaymentNotFound
	}
	payment.Status = domain.PaymentCompleted
	payment.AmountMinor = amountMinor
	payment.Currency = currency
	payment.UpdatedAt = at
	t.state.payments[paymentID] = payment
	return nil
}

func (t *memTx) LinkPaymentSubscription(ctx context.Context, paymentID, subscriptionID uuid.UUID, at time.Time) error {
	if err := t.fail("LinkPaymentSubscription"); err != nil {
		return err
	}
	payment, ok := t.state.payments[paymentID]
	row, subOK := t.state.subs[subscriptionID]
	if !ok || !subOK || row.sub.UserID != payment.UserID {
		return store.ErrPaymentNotFound
	}
	id := subscriptionID
	payment.SubscriptionID = &id
	payment.UpdatedAt = at
	t.state.payments[paymentID] = payment
	return nil
}

func (t *memTx) LockOrphanedPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, ok := t.state.payments[paymentID]
	if !ok || !payment.IsOrphaned() {
		return nil, store.ErrPaymentNotFound
	}
	return &payment, nil
}

func (t *memTx) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	user, ok := t.state.userByEmail(email)
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return &user, nil
}

func (t *memTx) CreateUser(ctx context.Context, email string) (*domain.User, error) {
	if user, ok := t.state.userByEmail(email); ok {
		return &user, nil
	}
	user := domain.User{ID: uuid.New(), Email: domain.NormalizeEmail(email), CreatedAt: time.Now().UTC()}
	t.state.users[user.ID] = user
	return &user, nil
}

func (t *memTx) LockUser(ctx context.Context, userID uuid.UUID) error {
	if _, ok := t.state.users[userID]; !ok {
		return store.ErrUserNotFound
	}
	return nil
}

func (t *memTx) FindLatestSubscriptionByPlan(ctx context.Context, planID string) (*domain.Subscription, error) {
	return t.latestSubscription(func(sub domain.Subscription) bool { return sub.PlanID == planID })
}

func (t *memTx) LockRenewableSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return t.latestSubscription(func(sub domain.Subscription) bool {
		return sub.UserID == userID && sub.CanRenewInPlace()
	})
}

func (t *memTx) latestSubscription(match func(domain.Subscription) bool) (*domain.Subscription, error) {
	var (
		latest memSub
		found  bool
	)
	for _, row := range t.state.subs {
		if match(row.sub) && (!found || row.seq > latest.seq) {
			latest, found = row, true
		}
	}
	if !found {
		return nil, store.ErrSubscriptionNotFound
	}
	sub := latest.sub
	return &sub, nil
}

func (t *memTx) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	t.state.seq++
	t.state.subs[sub.ID] = memSub{sub: *sub, seq: t.state.seq}
	return nil
}

func (t *memTx) UpdateSubscriptionRenewal(ctx context.Context, sub *domain.Subscription) error {
	row, ok := t.state.subs[sub.ID]
	if !ok {
		return store.ErrSubscriptionNotFound
	}
	if row.sub.ExpiresAt != nil && sub.ExpiresAt != nil && sub.ExpiresAt.Before(*row.sub.ExpiresAt) {
		return store.ErrExpiryRegression
	}
	row.sub.Status = sub.Status
	row.sub.StartedAt = sub.StartedAt
	row.sub.ExpiresAt = sub.ExpiresAt
	row.sub.UpdatedAt = sub.UpdatedAt
	t.state.subs[sub.ID] = row
	return nil
}

func (t *memTx) EnqueueOutboxEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	if err := t.fail("EnqueueOutboxEvent"); err != nil {
		return err
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.state.outbox = append(t.state.outbox, memOutbox{
		msg: store.OutboxMessage{
			ID:         int64(len(t.state.outbox) + 1),
			Exchange:   exchange,
			RoutingKey: routingKey,
			Payload:    blob,
		},
		status: "pending",
	})
	return nil
}
