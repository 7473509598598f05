package repositories

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
	"ringline/internal/infrastructure/repositories/file"
	"ringline/internal/infrastructure/repositories/memory"
	redisrepo "ringline/internal/infrastructure/repositories/redis"
	"ringline/pkg/config"
)

const peerCacheTTL = 5 * time.Minute

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	clock       clock.Clock
	logger      *zap.SugaredLogger
	closers     []func()
}

// NewRepositoryFactory connects to Redis when enabled. A failed connection
// falls back to memory repositories rather than failing startup.
func NewRepositoryFactory(cfg *config.Config, clk clock.Clock, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	if clk == nil {
		clk = clock.New()
	}
	factory := &RepositoryFactory{
		cfg:      cfg,
		useRedis: cfg.Redis.Enabled,
		clock:    clk,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// Redis returns the shared client, or nil when running on memory repositories.
func (f *RepositoryFactory) Redis() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

// CreateDeviceStore picks the store the device identity is kept in.
func (f *RepositoryFactory) CreateDeviceStore() ports.DeviceStore {
	switch f.cfg.Identity.DeviceStore {
	case "file":
		return file.NewYAMLDeviceStore(f.cfg.Identity.DevicePath)
	case "redis":
		if f.useRedis {
			return redisrepo.NewRedisDeviceStore(f.redisClient, f.cfg.Identity.UserID)
		}
		f.logger.Warn("device store redis unavailable, identity will not survive restarts")
	}
	return memory.NewMemoryDeviceStore()
}

// CallRecorder is what the call history endpoints and the call service need.
type CallRecorder interface {
	ports.CallRecorder
	ports.CallHistoryReader
}

func (f *RepositoryFactory) CreateCallRecorder() CallRecorder {
	if f.useRedis {
		return redisrepo.NewRedisCallRecorder(f.redisClient)
	}
	return memory.NewMemoryCallRecorder()
}

// PeerDirectory resolves users and lets operators register them.
type PeerDirectory interface {
	ports.PeerDirectory
	Register(ctx context.Context, peer domain.Peer) error
}

func (f *RepositoryFactory) CreatePeerDirectory() PeerDirectory {
	if f.useRedis {
		dir := redisrepo.NewRedisPeerDirectory(f.redisClient, peerCacheTTL, f.clock)
		f.closers = append(f.closers, dir.Close)
		return dir
	}
	return memory.NewMemoryPeerDirectory()
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	for _, closer := range f.closers {
		closer()
	}
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
