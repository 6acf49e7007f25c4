// Package redis keeps index page payloads in Redis so repeated runs skip the index.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-retriever/internal/metrics"
)

const keyPrefix = "wayback:cdx:"

// Config holds the Redis connection settings.
type Config struct {
	Addr        string
	TTL         time.Duration
	DialTimeout time.Duration
}

// Cache implements archive.PageCache on top of a Redis client.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis and verifies the connection with a PING.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		DialTimeout: dialTimeout,
		MaxRetries:  1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return newWithClient(client, cfg.TTL, logger), nil
}

func newWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, logger: logger.Named("redis_cache")}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// Get returns the cached payload. Lookup errors are logged and treated as misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveCacheLookup("redis", false)
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		metrics.ObserveCacheLookup("redis", false)
		return nil, false
	}
	metrics.ObserveCacheLookup("redis", true)
	return val, true
}

// Set stores value under key with the configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.client.Set(ctx, keyPrefix+key, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	c.logger.Debug("cache set", zap.String("key", key), zap.Duration("ttl", c.ttl))
	return nil
}
