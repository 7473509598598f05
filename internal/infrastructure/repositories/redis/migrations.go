package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ringline/pkg/distributed"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	migrationLockKey     = keyPrefix + "lock:migrate"
	currentSchemaVersion = 2
)

type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs every migration newer than the stored schema version. Agents
// and relays sharing a keyspace serialize on a lease so only one of them
// rewrites data.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	return distributed.WithLock(ctx, client, migrationLockKey, 30*time.Second, time.Minute, func(ctx context.Context) error {
		return migrate(ctx, client, logger)
	})
}

func migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if currentVersion >= currentSchemaVersion {
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Version 1 only marks the keyspace as ours.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
		},
		{
			// Version 2 stores durations in history entries as nanoseconds.
			// Older entries carried whole seconds under "durationSeconds".
			Version: 2,
			Up:      migrateHistoryDurations,
		},
	}
}

func migrateHistoryDurations(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, historyKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}

		converted := make([]interface{}, 0, len(raw))
		changed := false
		for _, item := range raw {
			var entry map[string]interface{}
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				converted = append(converted, item)
				continue
			}
			if secs, ok := entry["durationSeconds"].(float64); ok {
				entry["duration"] = int64(secs * 1e9)
				delete(entry, "durationSeconds")
				changed = true
			}
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			converted = append(converted, string(data))
		}
		if !changed {
			continue
		}

		pipe := client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, converted...)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return iter.Err()
}
