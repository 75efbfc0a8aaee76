// Package cache holds the optional Redis backing shared by several client
// agents of one account: the outbound dedup window and send rate limits.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	dedupPrefix     = "chatlink:dedup:"
	rateLimitPrefix = "chatlink:rl:"
)

type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client and pings it
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to connect to Redis at %s", addr)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// SeenOnce records key for ttl and reports whether it was already present.
func (r *RedisClient) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, dedupPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "dedup setnx")
	}
	return !ok, nil
}

// tokenBucket keeps tokens and the last refill time per key.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local vals = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(vals[1])
local last = tonumber(vals[2])
if tokens == nil then tokens = burst end
if last == nil then last = now end
local delta = math.max(0, now - last)
local new_tokens = math.min(burst, tokens + (delta * rate / 1000))
local allowed = 0
if new_tokens >= 1 then
	new_tokens = new_tokens - 1
	allowed = 1
end
redis.call('HMSET', key, 'tokens', new_tokens, 'last', now)
redis.call('PEXPIRE', key, 60000)
return allowed
`)

// Allow implements a Redis-backed token bucket per key.
// Returns true if the action is allowed, false if rate-limited.
func (r *RedisClient) Allow(ctx context.Context, key string, rate float64, burst int) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := tokenBucket.Run(ctx, r.client, []string{rateLimitPrefix + key}, rate, burst, now).Result()
	if err != nil {
		return false, errors.Wrap(err, "rate limit script")
	}
	// Eval returns int64 (1 or 0)
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	default:
		return false, fmt.Errorf("unexpected result from rate limiter: %T %v", res, res)
	}
}
