// internal/adapter/cache/record_cache.go

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"areareport/internal/domain/message"
)

// RedisRecordCache caches message records by ID. Records are never updated
// in place, so entries only need to expire, never to be invalidated. The
// schema version is part of the key so a version bump orphans old entries.
type RedisRecordCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRecordCache creates a cache over an existing client
func NewRedisRecordCache(client *redis.Client, ttl time.Duration) *RedisRecordCache {
	return &RedisRecordCache{
		client: client,
		ttl:    ttl,
	}
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}

	return client, nil
}

// recordKey returns the key for a cached record
func recordKey(id string) string {
	return fmt.Sprintf("areareport:record:v%d:%s", message.CurrentRecordVersion, id)
}

// Get returns a cached record, or nil when absent
func (c *RedisRecordCache) Get(ctx context.Context, id string) (*message.Record, error) {
	data, err := c.client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading cached record: %w", err)
	}

	var record message.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("error decoding cached record: %w", err)
	}

	return &record, nil
}

// Set stores a record
func (c *RedisRecordCache) Set(ctx context.Context, record *message.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("error encoding record: %w", err)
	}

	if err := c.client.Set(ctx, recordKey(record.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("error caching record: %w", err)
	}

	return nil
}
