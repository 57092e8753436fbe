package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedEventCache remembers event ids whose processing committed. Processed is a
// final state, so a hit can be answered without a database round trip. The database
// stays authoritative: a miss or an error just falls through to the claim.
type ProcessedEventCache interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

// RedisProcessedEventCache implements ProcessedEventCache using Redis.
type RedisProcessedEventCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisProcessedEventCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisProcessedEventCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "billing:webhook_processed"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisProcessedEventCache{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (c *RedisProcessedEventCache) key(eventID string) string {
	return fmt.Sprintf("%s:%s", c.prefix, strings.TrimSpace(eventID))
}

func (c *RedisProcessedEventCache) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if c == nil || c.client == nil || strings.TrimSpace(eventID) == "" {
		return false, nil
	}

	err := c.client.Get(ctx, c.key(eventID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisProcessedEventCache) MarkProcessed(ctx context.Context, eventID string) error {
	if c == nil || c.client == nil || strings.TrimSpace(eventID) == "" {
		return nil
	}
	return c.client.Set(ctx, c.key(eventID), "1", c.ttl).Err()
}
