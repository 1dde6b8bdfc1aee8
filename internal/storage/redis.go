package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelops/selfheal/pkg/config"
	"github.com/sentinelops/selfheal/pkg/errors"
)

// RedisClient wraps the Redis client with additional functionality
type RedisClient struct {
	client *redis.Client
	config *config.RedisConfig
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		// Connection timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Pool timeouts
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		// Retry configuration
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return &RedisClient{
		client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *RedisClient) Health(ctx context.Context) error {
	if r.client == nil {
		return errors.NewInternalError("Redis client is nil")
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewInternalError("Redis health check failed").WithCause(err)
	}

	return nil
}

// RoundTrip writes, reads back and deletes a probe key scoped to a service.
// Storage-type health probes use this to verify end-to-end availability.
func (r *RedisClient) RoundTrip(ctx context.Context, serviceID string) error {
	if r.client == nil {
		return errors.NewInternalError("Redis client is nil")
	}

	key := fmt.Sprintf("selfheal:probe:%s", serviceID)
	value := fmt.Sprintf("%d", time.Now().UnixNano())

	if err := r.client.Set(ctx, key, value, 30*time.Second).Err(); err != nil {
		return errors.NewProbeError(serviceID, "storage probe write failed").WithCause(err)
	}

	got, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return errors.NewProbeError(serviceID, "storage probe read failed").WithCause(err)
	}
	if got != value {
		return errors.NewProbeError(serviceID, "storage probe read back a stale value")
	}

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errors.NewProbeError(serviceID, "storage probe delete failed").WithCause(err)
	}

	return nil
}

// Client returns the underlying Redis client
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Config returns the Redis configuration
func (r *RedisClient) Config() *config.RedisConfig {
	return r.config
}

// Stats returns Redis connection statistics
func (r *RedisClient) Stats() *redis.PoolStats {
	return r.client.PoolStats()
}
