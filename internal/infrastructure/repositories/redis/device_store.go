package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ringline/internal/core/domain"
)

// RedisDeviceStore keeps an installation's key-value pairs in one hash, for
// agents that run without a writable disk.
type RedisDeviceStore struct {
	client *redis.Client
	key    string
}

func NewRedisDeviceStore(client *redis.Client, installation string) *RedisDeviceStore {
	return &RedisDeviceStore{
		client: client,
		key:    keyPrefix + "installation:" + installation,
	}
}

func (s *RedisDeviceStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.HGet(ctx, s.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrDeviceIDNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read device store: %w", err)
	}
	return value, nil
}

func (s *RedisDeviceStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("failed to write device store: %w", err)
	}
	return nil
}
