package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"ringline/internal/core/domain"
	"ringline/pkg/cache"
)

const userKeyPrefix = keyPrefix + "user:"

// RedisPeerDirectory resolves users from a hash per user. Lookups are cached
// because every incoming offer resolves its sender.
type RedisPeerDirectory struct {
	client *redis.Client
	cache  *cache.Cache[*domain.Peer]
}

func NewRedisPeerDirectory(client *redis.Client, ttl time.Duration, clk clock.Clock) *RedisPeerDirectory {
	return &RedisPeerDirectory{
		client: client,
		cache:  cache.New[*domain.Peer](ttl, clk),
	}
}

func (d *RedisPeerDirectory) Register(ctx context.Context, peer domain.Peer) error {
	if err := d.client.HSet(ctx, userKeyPrefix+string(peer.ID), "display_name", peer.DisplayName).Err(); err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	d.cache.Delete(string(peer.ID))
	return nil
}

func (d *RedisPeerDirectory) Resolve(ctx context.Context, userID domain.UserID) (*domain.Peer, error) {
	return d.cache.GetOrLoad(ctx, string(userID), func(ctx context.Context) (*domain.Peer, error) {
		fields, err := d.client.HGetAll(ctx, userKeyPrefix+string(userID)).Result()
		if errors.Is(err, redis.Nil) || (err == nil && len(fields) == 0) {
			return nil, domain.ErrPeerNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user: %w", err)
		}
		return &domain.Peer{ID: userID, DisplayName: fields["display_name"]}, nil
	})
}

func (d *RedisPeerDirectory) Close() {
	d.cache.Stop()
}
