package orchestrator

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// dedupeKeyPrefix namespaces idempotency keys in the shared Redis instance,
// the same one the event bus uses, away from key bus's "shadowforge:events:"
// keys.
const dedupeKeyPrefix = "shadowforge:dedupe:"

// DedupeStore is the idempotency store the Kafka command-intake path uses to
// skip a correlation id it has already processed (see HandleCommandMessage).
// Implementations store a value under a correlation key with a TTL.
type DedupeStore interface {
	Get(ctx context.Context, correlationID string) (string, error)
	Set(ctx context.Context, correlationID, value string, ttl time.Duration) error
}

// RedisDedupeStore is a Redis-backed implementation of DedupeStore.
type RedisDedupeStore struct {
	client *redis.Client
}

// NewRedisDedupeStore creates a new RedisDedupeStore using the given address
// (e.g., "localhost:6379") and pings the server to validate the connection.
func NewRedisDedupeStore(addr string) (*RedisDedupeStore, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("orchestrator: dedupe store redis ping failed: %w", err)
	}
	return &RedisDedupeStore{client: c}, nil
}

// Get returns the stored value for correlationID, or "" when no command with
// that correlation id has been recorded (or its TTL already expired).
func (s *RedisDedupeStore) Get(ctx context.Context, correlationID string) (string, error) {
	val, err := s.client.Get(ctx, dedupeKeyPrefix+correlationID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set records that correlationID has been processed, with value as the
// stored result marker, expiring after ttl so the dedupe set doesn't grow
// unbounded for a long-lived consumer group.
func (s *RedisDedupeStore) Set(ctx context.Context, correlationID, value string, ttl time.Duration) error {
	return s.client.Set(ctx, dedupeKeyPrefix+correlationID, value, ttl).Err()
}

// Close closes the underlying Redis client. This is not part of the
// DedupeStore interface but is used for graceful shutdown in main.
func (s *RedisDedupeStore) Close() error {
	return s.client.Close()
}
