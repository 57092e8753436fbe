package app

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-webhook-service/internal/store"
	"github.com/transfa/payment-webhook-service/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// outboxMessageNamespace keeps broker message ids stable across redeliveries of the
// same outbox row so consumers can dedupe.
var outboxMessageNamespace = uuid.MustParse("6f1c7e0a-4c55-4b8e-9d1e-0a3b5c7d9e21")

// EventPublisher is the broker side of the outbox.
type EventPublisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey, messageID string, body []byte) error
	Close()
}

// PublisherFactory opens a publisher. The dispatcher calls it lazily and again after
// a publish error drops the current one.
type PublisherFactory func() (EventPublisher, error)

// RabbitPublisherFactory dials RabbitMQ at amqpURL.
func RabbitPublisherFactory(amqpURL string) PublisherFactory {
	return func() (EventPublisher, error) {
		return rabbitmq.NewEventProducer(amqpURL)
	}
}

type OutboxDispatcher struct {
	store               store.Store
	newPublisher        PublisherFactory
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	publisher           EventPublisher
	logger              *slog.Logger
}

func NewOutboxDispatcher(st store.Store, newPublisher PublisherFactory, logger *slog.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		store:               st,
		newPublisher:        newPublisher,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
		logger:              logger.With("component", "outbox"),
	}
}

// SetPollInterval overrides the default poll interval. Non-positive values are ignored.
func (d *OutboxDispatcher) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.pollInterval = interval
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closePublisher()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.flushOnce(ctx); err != nil {
				d.logger.ErrorContext(ctx, "outbox flush error", "error", err)
			}
		}
	}
}

// flushOnce publishes one batch and returns how many messages made it to the broker.
func (d *OutboxDispatcher) flushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.store.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			d.logger.WarnContext(ctx, "outbox publish failed",
				"outbox_id", message.ID,
				"routing_key", message.RoutingKey,
				"attempts", message.Attempts,
				"retry_after_seconds", retryAfter,
				"error", err,
			)
			if markErr := d.store.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				d.logger.ErrorContext(ctx, "failed to mark outbox message as failed", "outbox_id", message.ID, "error", markErr)
			}
			continue
		}
		if err := d.store.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.logger.ErrorContext(ctx, "failed to mark outbox message as published", "outbox_id", message.ID, "error", err)
			continue
		}
		published++
	}
	return published, nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.publisher == nil {
		publisher, err := d.newPublisher()
		if err != nil {
			return err
		}
		d.publisher = publisher
	}

	if err := d.publisher.PublishJSON(ctx, message.Exchange, message.RoutingKey, outboxMessageID(message.ID), message.Payload); err != nil {
		d.closePublisher()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closePublisher() {
	if d.publisher != nil {
		d.publisher.Close()
		d.publisher = nil
	}
}

func outboxMessageID(id int64) string {
	return uuid.NewSHA1(outboxMessageNamespace, []byte(strconv.FormatInt(id, 10))).String()
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
