package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ringline/internal/core/domain"
)

const presenceTTL = 5 * time.Minute

// PresenceRegistry records which devices of a user are connected to which
// relay instance. Entries expire so a crashed instance does not keep users
// online forever.
type PresenceRegistry struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	prefix     string
}

func NewPresenceRegistry(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *PresenceRegistry {
	return &PresenceRegistry{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		prefix:     "ringline:presence:",
	}
}

func (r *PresenceRegistry) Register(ctx context.Context, userID domain.UserID, deviceID domain.DeviceID) error {
	key := r.userKey(userID)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, r.field(deviceID), r.instanceID)
	pipe.Expire(ctx, key, presenceTTL)
	pipe.SAdd(ctx, r.instanceKey(), string(userID))
	pipe.Expire(ctx, r.instanceKey(), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}
	return nil
}

func (r *PresenceRegistry) Unregister(ctx context.Context, userID domain.UserID, deviceID domain.DeviceID) error {
	if err := r.client.HDel(ctx, r.userKey(userID), r.field(deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to unregister presence: %w", err)
	}
	return nil
}

func (r *PresenceRegistry) Online(ctx context.Context, userID domain.UserID) (bool, error) {
	n, err := r.client.HLen(ctx, r.userKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read presence: %w", err)
	}
	return n > 0, nil
}

// Devices lists the connected devices of userID and the instance each is on.
func (r *PresenceRegistry) Devices(ctx context.Context, userID domain.UserID) (map[domain.DeviceID]string, error) {
	fields, err := r.client.HGetAll(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	devices := make(map[domain.DeviceID]string, len(fields))
	for device, instance := range fields {
		devices[domain.DeviceID(device)] = instance
	}
	return devices, nil
}

// Refresh extends the TTL of every user registered by this instance.
func (r *PresenceRegistry) Refresh(ctx context.Context) error {
	users, err := r.client.SMembers(ctx, r.instanceKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to list instance users: %w", err)
	}
	pipe := r.client.Pipeline()
	for _, user := range users {
		pipe.Expire(ctx, r.userKey(domain.UserID(user)), presenceTTL)
	}
	pipe.Expire(ctx, r.instanceKey(), presenceTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RunRefresh refreshes presence every interval until ctx is done.
func (r *PresenceRegistry) RunRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warnw("presence refresh failed", "error", err)
			}
		}
	}
}

// Cleanup removes this instance's devices, e.g. on shutdown.
func (r *PresenceRegistry) Cleanup(ctx context.Context) error {
	users, err := r.client.SMembers(ctx, r.instanceKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to list instance users: %w", err)
	}
	for _, user := range users {
		fields, err := r.client.HGetAll(ctx, r.userKey(domain.UserID(user))).Result()
		if err != nil {
			r.logger.Warnw("failed to read presence during cleanup", "user_id", user, "error", err)
			continue
		}
		for device, instance := range fields {
			if instance == r.instanceID {
				r.client.HDel(ctx, r.userKey(domain.UserID(user)), device)
			}
		}
	}
	return r.client.Del(ctx, r.instanceKey()).Err()
}

func (r *PresenceRegistry) userKey(userID domain.UserID) string {
	return r.prefix + string(userID)
}

func (r *PresenceRegistry) instanceKey() string {
	return fmt.Sprintf("ringline:instance:%s:users", r.instanceID)
}

// field keys a device; tokens without a device id share one slot.
func (r *PresenceRegistry) field(deviceID domain.DeviceID) string {
	if deviceID == "" {
		return "default"
	}
	return string(deviceID)
}
