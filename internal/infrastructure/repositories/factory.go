package repositories

import (
	"context"
	"time"

	"syncmesh/internal/core/ports"
	"syncmesh/internal/infrastructure/repositories/memory"
	redisrepo "syncmesh/internal/infrastructure/repositories/redis"
	"syncmesh/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// heartbeatBatchSize and heartbeatBatchInterval bound how long agent
// writes may sit in the pipeline queue.
const (
	heartbeatBatchSize     = 50
	heartbeatBatchInterval = 100 * time.Millisecond
)

// RepositoryFactory hands out Redis-backed repositories when Redis is
// configured and reachable, memory-backed ones otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger

	batchedAgents *redisrepo.BatchedAgentRepository
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
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

// CreateSessionRepository returns the session store for the configured backend.
func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisSessionRepository(f.redisClient)
	}
	return memory.NewMemorySessionRepository()
}

// CreateAgentRepository returns the agent store for the configured backend.
// Redis-backed agent stores batch their writes because heartbeat updates
// dominate the write traffic.
func (f *RepositoryFactory) CreateAgentRepository() ports.AgentRepository {
	if f.useRedis && f.redisClient != nil {
		base := redisrepo.NewRedisAgentRepository(f.redisClient)
		f.batchedAgents = redisrepo.NewBatchedAgentRepository(base, heartbeatBatchSize, heartbeatBatchInterval)
		return f.batchedAgents
	}
	return memory.NewMemoryAgentRepository()
}

// CreateCacheStore returns a per-edge-node content store. Edge stores stay
// in memory even with Redis enabled: cached segments are large, re-fetchable
// from origin, and tied to the node that serves them.
func (f *RepositoryFactory) CreateCacheStore() ports.CacheStore {
	return memory.NewMemoryCacheStore()
}

// RedisClient exposes the shared connection for components that need raw
// Redis access: the cluster bus, distributed locks and agent registry.
// Returns nil when running on memory repositories.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

// Close flushes pending writes and closes the Redis connection if used.
func (f *RepositoryFactory) Close() error {
	if f.batchedAgents != nil {
		f.batchedAgents.Stop()
	}
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck reports Redis connection health.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
