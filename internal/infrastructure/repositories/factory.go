package repositories

import (
	"context"
	"time"

	"meshmeet/internal/core/ports"
	"meshmeet/internal/infrastructure/repositories/memory"
	redisrepo "meshmeet/internal/infrastructure/repositories/redis"
	"meshmeet/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks Redis when it is configured and reachable and
// falls back to process memory otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	roomTTL     time.Duration
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		roomTTL:  cfg.Rooms.RoomTTL,
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
				"address", cfg.Redis.Address,
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Infow("using Redis room repository", "address", cfg.Redis.Address)
		}
	}

	if !factory.useRedis {
		logger.Infow("using memory room repository")
	}

	return factory, nil
}

func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	if f.UsesRedis() {
		return redisrepo.NewRedisRoomRepository(f.redisClient, f.roomTTL)
	}
	return memory.NewMemoryRoomRepository(f.roomTTL)
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck pings Redis; the memory store is always healthy.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
