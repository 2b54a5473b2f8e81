// Package storage provides the Redis and PostgreSQL clients backing the
// core's ambient state: online-session presence, the current-job cache,
// pool hashrate, and the persisted worker-name table.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/bitpool/stratumcore/internal/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient wraps the Redis operations that sit alongside the job/share
// hot path without participating in checkShare's decision.
type RedisClient struct {
	client    *redis.Client
	cfg       config.RedisConfig
	logger    *zap.Logger
	keyPrefix string
}

// NewRedisClient creates a new Redis client.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &RedisClient{
		client:    client,
		cfg:       cfg,
		logger:    logger.Named("redis"),
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) key(parts ...string) string {
	key := r.keyPrefix
	for _, part := range parts {
		key += part + ":"
	}
	return key[:len(key)-1]
}

// AddOnlineWorker adds a session to the online-workers presence set.
func (r *RedisClient) AddOnlineWorker(ctx context.Context, workerName string) error {
	key := r.key("workers", "online")

	if _, err := r.client.SAdd(ctx, key, workerName).Result(); err != nil {
		return fmt.Errorf("failed to add online worker: %w", err)
	}

	heartbeatKey := r.key("worker", workerName, "heartbeat")
	_, err := r.client.Set(ctx, heartbeatKey, time.Now().Unix(), r.cfg.WorkerTTL).Result()
	return err
}

// RemoveOnlineWorker removes a session from the online-workers presence set.
func (r *RedisClient) RemoveOnlineWorker(ctx context.Context, workerName string) error {
	key := r.key("workers", "online")

	if _, err := r.client.SRem(ctx, key, workerName).Result(); err != nil {
		return fmt.Errorf("failed to remove online worker: %w", err)
	}

	heartbeatKey := r.key("worker", workerName, "heartbeat")
	r.client.Del(ctx, heartbeatKey)
	return nil
}

// GetOnlineWorkerCount returns the number of online sessions.
func (r *RedisClient) GetOnlineWorkerCount(ctx context.Context) (int64, error) {
	key := r.key("workers", "online")

	count, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get online worker count: %w", err)
	}
	return count, nil
}

// CacheCurrentJob caches the latest broadcast job's wire form for
// observability collaborators; it plays no part in the Repository's own
// notion of the head job.
func (r *RedisClient) CacheCurrentJob(ctx context.Context, jobID string, jobData []byte) error {
	key := r.key("job", "current")

	if _, err := r.client.Set(ctx, key, jobData, 5*time.Minute).Result(); err != nil {
		return fmt.Errorf("failed to cache job: %w", err)
	}

	historyKey := r.key("job", jobID)
	_, err := r.client.Set(ctx, historyKey, jobData, time.Hour).Result()
	return err
}

// GetCachedJob retrieves a previously cached job by id.
func (r *RedisClient) GetCachedJob(ctx context.Context, jobID string) ([]byte, error) {
	key := r.key("job", jobID)

	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached job: %w", err)
	}
	return data, nil
}

// UpdatePoolHashrate updates the pool's total hashrate gauge.
func (r *RedisClient) UpdatePoolHashrate(ctx context.Context, hashrate float64) error {
	key := r.key("pool", "hashrate")

	_, err := r.client.Set(ctx, key, hashrate, time.Minute).Result()
	return err
}

// GetPoolHashrate reads the pool's total hashrate gauge.
func (r *RedisClient) GetPoolHashrate(ctx context.Context) (float64, error) {
	key := r.key("pool", "hashrate")

	result, err := r.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get pool hashrate: %w", err)
	}
	return result, nil
}
