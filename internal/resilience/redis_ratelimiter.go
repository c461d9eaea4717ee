package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hookwire/hookwire/internal/domain"
)

// RedisRateLimiter implements distributed per-webhook rate limiting using
// Redis sorted sets, for deployments running more than one engine instance
// against the same webhook registry. Each admitted request is a member keyed
// by timestamp; a Lua script atomically trims the window, counts, and admits.
//
// The sliding window is one minute wide with the webhook's requestsPerMinute
// as the cap, which approximates the in-memory token bucket's continuous
// refill; burst shaping within the window is handled by the window itself.
// Falls back to the in-memory limiter when Redis is unavailable.
type RedisRateLimiter struct {
	client   *redis.Client
	window   time.Duration
	fallback *TokenBucketLimiter
	logger   *slog.Logger
}

func NewRedisRateLimiter(client *redis.Client, logger *slog.Logger) *RedisRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimiter{
		client:   client,
		window:   time.Minute,
		fallback: NewTokenBucketLimiter(nil),
		logger:   logger,
	}
}

// admitScript atomically checks and updates the sliding window.
// Returns 1 if allowed, 0 if rate limited.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
else
    return 0
end
`)

func (r *RedisRateLimiter) TryAcquire(ctx context.Context, webhookID string, cfg domain.RateLimitConfig) (bool, error) {
	if !cfg.Enabled {
		return true, nil
	}

	key := fmt.Sprintf("hookwire:ratelimit:%s", webhookID)
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%1000000)

	result, err := admitScript.Run(ctx, r.client, []string{key},
		now, r.window.Milliseconds(), cfg.RequestsPerMinute, member).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter failed, using in-memory fallback",
			"error", err,
			"webhook_id", webhookID,
		)
		return r.fallback.TryAcquire(ctx, webhookID, cfg)
	}

	return result == 1, nil
}

func (r *RedisRateLimiter) Remove(webhookID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.client.Del(ctx, fmt.Sprintf("hookwire:ratelimit:%s", webhookID)).Err(); err != nil {
		r.logger.Warn("failed to drop redis rate limit key", "error", err, "webhook_id", webhookID)
	}
	r.fallback.Remove(webhookID)
}
