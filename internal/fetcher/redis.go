package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/macro-swarm/internal/model"
)

// RedisCache shares live readings between processes (CLI runs, the daemon
// and the API server) through Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL (redis://[:password@]host:port/db) and
// pings it.
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "redis: parse url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "redis: ping")
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, prefix: "macro:reading:", ttl: ttl}, nil
}

// Get returns the cached reading, treating any Redis error as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (model.Reading, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("redis cache get failed", zap.String("indicator", key), zap.Error(err))
		}
		return model.Reading{}, false
	}
	var r model.Reading
	if err := json.Unmarshal(data, &r); err != nil {
		zap.L().Warn("redis cache entry undecodable", zap.String("indicator", key), zap.Error(err))
		return model.Reading{}, false
	}
	return r, true
}

// Set stores r with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, key string, r model.Reading) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		zap.L().Warn("redis cache set failed", zap.String("indicator", key), zap.Error(err))
	}
}

// Close closes the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
