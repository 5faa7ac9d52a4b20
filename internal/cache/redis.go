package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript books the next slot on KEYS[1]. ARGV[1] is the caller's
// clock and ARGV[2] the slot spacing, both in milliseconds. The key
// outlives the slot by one interval so the next caller still sees it.
var reserveScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local interval = tonumber(ARGV[2])
	local last = tonumber(redis.call('GET', KEYS[1]) or '0')
	local slot = now
	if last + interval > slot then
		slot = last + interval
	end
	redis.call('SET', KEYS[1], slot, 'PX', slot - now + interval)
	return slot - now
`)

// RedisCache implements Cache using Redis.
// Used when several processes share rate-limit slots and risk snapshots.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis. A miss returns nil, nil.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	val, err := c.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Set(ctx, redisKey(tenantID, key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Del(ctx, redisKey(tenantID, key)).Err()
}

// Reserve books the next slot on key atomically across all clients.
func (c *RedisCache) Reserve(ctx context.Context, tenantID string, key string, interval time.Duration) (time.Duration, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}
	if interval <= 0 {
		return 0, nil
	}

	waitMs, err := reserveScript.Run(ctx, c.client,
		[]string{redisKey(tenantID, "slot:"+key)},
		time.Now().UnixMilli(), interval.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve slot: %w", err)
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(tenantID, key string) string {
	return "tripwire:" + tenantID + ":" + key
}
