package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "scratchd:ratelimit:"

// tokenBucketScript refills and consumes atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
// ARGV[4] = ttl (seconds)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return allowed
`)

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisLimiter shares token buckets between replicas through Redis.
type RedisLimiter struct {
	client *redis.Client
	rate   float64
	burst  int
	ttl    int
}

// NewRedisLimiter creates a limiter backed by Redis. It does not dial until
// the first call.
func NewRedisLimiter(rc RedisConfig, cfg Config) *RedisLimiter {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	burst := cfg.burst()
	// A bucket left alone long enough to refill completely carries no state.
	ttl := 60
	if r := cfg.rate(); r > 0 {
		ttl = max(ttl, int(float64(burst)/r)+1)
	}
	return &RedisLimiter{client: client, rate: cfg.rate(), burst: burst, ttl: ttl}
}

// Allow consumes one token for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) error {
	if l.rate <= 0 {
		return nil
	}
	now := float64(time.Now().UnixMicro()) / 1e6
	allowed, err := tokenBucketScript.Run(ctx, l.client, []string{redisKeyPrefix + key}, l.rate, l.burst, now, l.ttl).Int64()
	if err != nil {
		return fmt.Errorf("redis rate limiter: %w", err)
	}
	if allowed != 1 {
		return ErrRateLimited
	}
	return nil
}

// Ping checks the Redis connection.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

var (
	_ RateLimiter = (*Limiter)(nil)
	_ RateLimiter = (*RedisLimiter)(nil)
)
