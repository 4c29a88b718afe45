package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "samlproxy:pending:"

// RedisStore keeps pending requests in Redis so any replica can serve
// the upstream callback. Atomicity of Take comes from GETDEL; expiry
// rides on the key TTL.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions configures the Redis correlation store
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client, for tests
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying connection for health checks
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Put saves a pending request with the lifetime as the key TTL
func (s *RedisStore) Put(ctx context.Context, req PendingRequest, lifetime time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal pending request: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+req.RequestID, data, lifetime).Err(); err != nil {
		return fmt.Errorf("failed to store pending request: %w", err)
	}
	return nil
}

// Take atomically removes and returns the pending request via GETDEL
func (s *RedisStore) Take(ctx context.Context, requestID string) (PendingRequest, error) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return PendingRequest{}, ErrNotFound
	}
	if err != nil {
		return PendingRequest{}, fmt.Errorf("failed to take pending request: %w", err)
	}

	var req PendingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return PendingRequest{}, fmt.Errorf("failed to unmarshal pending request: %w", err)
	}
	return req, nil
}

// Len counts live entries by scanning the key prefix
func (s *RedisStore) Len(ctx context.Context) int {
	var count int
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if iter.Err() != nil {
		return -1
	}
	return count
}

// EvictExpired is a no-op: Redis evicts on key TTL
func (s *RedisStore) EvictExpired(ctx context.Context) int {
	return 0
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
