package preserve

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "pinpoint:preserve:"

var errMissingRedisClient = errors.New("preserve: redis client is required")

// RedisStoreConfig describes the redis-backed tier.
type RedisStoreConfig struct {
	Client    goredis.UniversalClient
	KeyPrefix string
}

// RedisStore is the session-lifetime tier. Redis enforces the TTL natively,
// so expired payloads disappear without a sweep.
type RedisStore struct {
	client    goredis.UniversalClient
	keyPrefix string
}

// NewRedisStore constructs the redis tier.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: cfg.Client, keyPrefix: prefix}, nil
}

// Name identifies the tier in logs and per-tier save outcomes.
func (s *RedisStore) Name() string {
	return "redis"
}

// Save stores the payload with the key's TTL applied server-side.
func (s *RedisStore) Save(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("preserve: redis set: %w", err)
	}
	return nil
}

// Load returns the payload for the key, or ErrNotFound when absent.
func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	payload, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("preserve: redis get: %w", err)
	}
	return payload, nil
}

// Clear removes the payload for the key.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("preserve: redis del: %w", err)
	}
	return nil
}
