package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
	"ringline/pkg/tracing"
)

const (
	queueKeyPrefix = "ringline:push:"
	maxQueued      = 100
	queueTTL       = 24 * time.Hour
)

// Notification is the queued form of a push request, consumed by whatever
// delivers to the receiver's devices.
type Notification struct {
	domain.PushRequest
	QueuedAt time.Time `json:"queuedAt"`
}

// RedisNotifier appends push requests to a capped per-user list.
type RedisNotifier struct {
	client *redis.Client
	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewRedisNotifier(client *redis.Client, clk clock.Clock, logger *zap.SugaredLogger) *RedisNotifier {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisNotifier{client: client, clock: clk, logger: logger}
}

func QueueKey(userID domain.UserID) string {
	return queueKeyPrefix + string(userID)
}

func (n *RedisNotifier) Notify(ctx context.Context, req domain.PushRequest) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "push_notify", string(req.ReceiverID))
	defer span.End()

	data, err := json.Marshal(Notification{PushRequest: req, QueuedAt: n.clock.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}

	key := QueueKey(req.ReceiverID)
	pipe := n.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxQueued, -1)
	pipe.Expire(ctx, key, queueTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("queue push for %s: %w", req.ReceiverID, err)
	}

	n.logger.Debugw("push queued", "receiver_id", req.ReceiverID, "type", req.Type)
	return nil
}

// Pending pops up to limit queued notifications for userID, oldest first.
func (n *RedisNotifier) Pending(ctx context.Context, userID domain.UserID, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = maxQueued
	}
	items, err := n.client.LPopCount(ctx, QueueKey(userID), limit).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read push queue: %w", err)
	}

	out := make([]Notification, 0, len(items))
	for _, item := range items {
		var note Notification
		if err := json.Unmarshal([]byte(item), &note); err != nil {
			n.logger.Warnw("dropping undecodable push", "receiver_id", userID, "error", err)
			continue
		}
		out = append(out, note)
	}
	return out, nil
}

var _ ports.PushNotifier = (*RedisNotifier)(nil)
