package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelops/selfheal/pkg/errors"
)

// Cache provides namespaced caching on top of Redis. The clear-cache recovery
// action clears a service's namespaces through ClearNamespace.
type Cache struct {
	redis  *RedisClient
	config *CacheConfig
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	DefaultTTL time.Duration `json:"default_ttl"`
	KeyPrefix  string        `json:"key_prefix"`
}

// DefaultCacheConfig returns default cache configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		DefaultTTL: 1 * time.Hour,
		KeyPrefix:  "selfheal",
	}
}

// NewCache creates a new cache service
func NewCache(redis *RedisClient, config *CacheConfig) *Cache {
	if config == nil {
		config = DefaultCacheConfig()
	}

	return &Cache{
		redis:  redis,
		config: config,
	}
}

func (c *Cache) key(namespace, id string) string {
	return fmt.Sprintf("%s:%s:%s", c.config.KeyPrefix, namespace, id)
}

// Set stores a JSON-encoded value under a namespaced key
func (c *Cache) Set(ctx context.Context, namespace, id string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.NewInternalError("failed to marshal cache value").WithCause(err)
	}

	if err := c.redis.Client().Set(ctx, c.key(namespace, id), data, ttl).Err(); err != nil {
		return errors.NewExternalError("redis", "cache set failed").WithCause(err)
	}

	return nil
}

// Get retrieves a JSON-encoded value; found is false on a cache miss
func (c *Cache) Get(ctx context.Context, namespace, id string, dest interface{}) (bool, error) {
	data, err := c.redis.Client().Get(ctx, c.key(namespace, id)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.NewExternalError("redis", "cache get failed").WithCause(err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, errors.NewInternalError("failed to unmarshal cache value").WithCause(err)
	}

	return true, nil
}

// Delete removes a single namespaced key
func (c *Cache) Delete(ctx context.Context, namespace, id string) error {
	if err := c.redis.Client().Del(ctx, c.key(namespace, id)).Err(); err != nil {
		return errors.NewExternalError("redis", "cache delete failed").WithCause(err)
	}
	return nil
}

// ClearNamespace removes every key under a namespace using cursor-based SCAN
// so large namespaces do not block Redis.
func (c *Cache) ClearNamespace(ctx context.Context, namespace string) (int64, error) {
	pattern := fmt.Sprintf("%s:%s:*", c.config.KeyPrefix, namespace)
	client := c.redis.Client()

	var deleted int64
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, errors.NewExternalError("redis", "cache scan failed").WithCause(err)
		}

		if len(keys) > 0 {
			n, err := client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, errors.NewExternalError("redis", "cache clear failed").WithCause(err)
			}
			deleted += n
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}
