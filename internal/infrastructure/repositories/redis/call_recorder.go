package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ringline/internal/core/domain"
	"ringline/pkg/tracing"
)

const (
	callKeyPrefix    = keyPrefix + "call:"
	historyKeyPrefix = keyPrefix + "history:"

	maxHistoryPerChat = 500
	callRecordTTL     = 90 * 24 * time.Hour
)

// RedisCallRecorder stores call records as JSON values and each chat's call
// history as a capped list, newest first.
type RedisCallRecorder struct {
	client *redis.Client
}

func NewRedisCallRecorder(client *redis.Client) *RedisCallRecorder {
	return &RedisCallRecorder{client: client}
}

func (r *RedisCallRecorder) SaveCallRecord(ctx context.Context, record *domain.CallRecord) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "save_call_record", record.ID)
	defer span.End()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}
	if err := r.client.Set(ctx, callKeyPrefix+record.ID, data, callRecordTTL).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to save call record: %w", err)
	}
	return nil
}

func (r *RedisCallRecorder) SaveCallHistory(ctx context.Context, chatID string, entry *domain.HistoryEntry) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "save_call_history", chatID)
	defer span.End()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	key := historyKeyPrefix + chatID
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, maxHistoryPerChat-1)
	if _, err := pipe.Exec(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to save call history: %w", err)
	}
	return nil
}

func (r *RedisCallRecorder) GetCallRecord(ctx context.Context, id string) (*domain.CallRecord, error) {
	data, err := r.client.Get(ctx, callKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}

	var record domain.CallRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &record, nil
}

func (r *RedisCallRecorder) ListCallHistory(ctx context.Context, chatID string, limit int) ([]*domain.HistoryEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	items, err := r.client.LRange(ctx, historyKeyPrefix+chatID, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}

	entries := make([]*domain.HistoryEntry, 0, len(items))
	for _, item := range items {
		var entry domain.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}
