package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetScanStatus(ctx context.Context, scanID uuid.UUID, status string, ttl time.Duration) error
	GetScanStatus(ctx context.Context, scanID uuid.UUID) (string, bool, error)
	DeleteScanStatus(ctx context.Context, scanID uuid.UUID) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Heartbeat(ctx context.Context, workerID string, at time.Time, ttl time.Duration) error
	ListHeartbeats(ctx context.Context) (map[string]time.Time, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetScanStatus(ctx context.Context, scanID uuid.UUID, status string, ttl time.Duration) error {
	return c.client.Set(ctx, ScanStatusKey(scanID), status, ttl).Err()
}

func (c *RedisCache) DeleteScanStatus(ctx context.Context, scanID uuid.UUID) error {
	return c.client.Del(ctx, ScanStatusKey(scanID)).Err()
}

func (c *RedisCache) GetScanStatus(ctx context.Context, scanID uuid.UUID) (string, bool, error) {
	val, err := c.client.Get(ctx, ScanStatusKey(scanID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Heartbeat records that workerID was alive at at. The key expires after ttl.
func (c *RedisCache) Heartbeat(ctx context.Context, workerID string, at time.Time, ttl time.Duration) error {
	return c.client.Set(ctx, HeartbeatKey(workerID), at.UTC().Format(time.RFC3339Nano), ttl).Err()
}

// ListHeartbeats returns the last heartbeat of every worker whose key has not expired.
func (c *RedisCache) ListHeartbeats(ctx context.Context) (map[string]time.Time, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, heartbeatPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning heartbeats: %w", err)
	}

	out := make(map[string]time.Time, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading heartbeats: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			continue
		}
		if id, ok := WorkerFromHeartbeatKey(keys[i]); ok {
			out[id] = at
		}
	}
	return out, nil
}

var _ Cache = (*RedisCache)(nil)
