package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

// redisKV is the subset of the go-redis client used by the store.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisConfig configures the Redis credential store.
type RedisConfig struct {
	Key string
	// TTL expires stale credentials server side; zero keeps them forever.
	TTL time.Duration
}

// Redis stores credentials under one key, shareable by several harvester processes.
type Redis struct {
	client redisKV
	key    string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed credential store.
func NewRedis(client redisKV, cfg RedisConfig) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = "harvester:credentials"
	}
	return &Redis{client: client, key: cfg.Key, ttl: cfg.TTL}, nil
}

// Load implements harvest.CredentialStore.
func (s *Redis) Load(ctx context.Context) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, harvest.ErrNotFound
		}
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	return val, nil
}

// Save implements harvest.CredentialStore.
func (s *Redis) Save(ctx context.Context, blob []byte) error {
	if err := s.client.Set(ctx, s.key, blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("set credentials: %w", err)
	}
	return nil
}
