package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Every key ringline writes lives under this prefix: call records, per-chat
// history lists, peer hashes, installation hashes, push queues, relay
// presence and the schema version.
const keyPrefix = "ringline:"

const (
	pingTimeout    = 5 * time.Second
	migrateTimeout = 2 * time.Minute
)

// NewRedisClient connects to the store shared by call agents and relays.
// It fails unless the server answers and the key layout is at
// currentSchemaVersion, migrating older data first.
func NewRedisClient(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  pingTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancelPing := context.WithTimeout(context.Background(), pingTimeout)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", address, err)
	}

	// another agent or relay may hold the migration lease for a while
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancelMigrate()
	if err := Migrate(migrateCtx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("migrate ringline keyspace: %w", err)
	}

	logger.Infow("redis store ready",
		"address", address,
		"db", db,
		"pool_size", poolSize,
		"schema_version", currentSchemaVersion,
	)
	return client, nil
}

// CloseRedisClient tolerates the nil client the factory keeps when it fell
// back to memory.
func CloseRedisClient(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
