package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vgrid/tokengate/internal/observability"
)

// incrementWithExpiryScript atomically increments a window counter and sets
// its TTL when the key is new.
// KEYS[1] = key, ARGV[1] = expiration in seconds
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisLimiter is a fixed-window limiter backed by Redis, for deployments
// running more than one gateway instance. Window counters expire via TTL,
// so memory on the Redis side is bounded without an explicit sweep.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	logger observability.Logger
}

// RedisConfig holds configuration for the Redis limiter.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(cfg *RedisConfig, limit int, window time.Duration, logger observability.Logger) *RedisLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tokengate:ratelimit:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// NewRedisLimiterWithClient creates a Redis-backed limiter with an existing
// client. Tests use this with miniredis.
func NewRedisLimiterWithClient(client *redis.Client, limit int, window time.Duration, logger observability.Logger) *RedisLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisLimiter{
		client: client,
		prefix: "tokengate:ratelimit:",
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// bucket returns the index of the fixed window containing now. Windows
// are aligned to the Unix epoch.
func (l *RedisLimiter) bucket(now time.Time) int64 {
	return now.UnixMilli() / l.window.Milliseconds()
}

// windowKey returns the Redis key for the current fixed window of the
// given identity.
func (l *RedisLimiter) windowKey(key string, now time.Time) string {
	return fmt.Sprintf("%s%s:%d", l.prefix, key, l.bucket(now))
}

// Allow implements Limiter. The INCR and EXPIRE run in one Lua script, so
// concurrent callers cannot race the counter past the limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := time.Now()
	windowKey := l.windowKey(key, now)

	seconds := int64(l.window.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	count, err := incrementWithExpiryScript.Run(ctx, l.client, []string{windowKey}, seconds).Int()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := count <= l.limit
	if !allowed {
		// The rejected attempt should not consume window budget.
		if err := l.client.Decr(ctx, windowKey).Err(); err != nil {
			l.logger.Warn("failed to roll back rejected increment", observability.Error(err))
		}
		count = l.limit
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	// The boundary must come from the same bucket arithmetic as windowKey,
	// or ResetAt drifts from the counter's actual expiry.
	bucketEnd := time.UnixMilli((l.bucket(now) + 1) * l.window.Milliseconds())

	var retryAfter time.Duration
	if !allowed {
		retryAfter = bucketEnd.Sub(now)
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAt:    bucketEnd,
		RetryAfter: retryAfter,
	}, nil
}

// Reset implements Limiter.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	now := time.Now()
	return l.client.Del(ctx, l.windowKey(key, now)).Err()
}

// Cleanup implements Limiter. Redis TTLs already reclaim elapsed windows.
func (l *RedisLimiter) Cleanup() {}

// Stats implements Limiter. Key counts come from the shared Redis instance,
// so memory accounting is reported as zero here.
func (l *RedisLimiter) Stats() Stats {
	count, err := l.client.DBSize(context.Background()).Result()
	if err != nil {
		return Stats{}
	}
	return Stats{TotalKeys: int(count)}
}

// Close releases the underlying Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// Ensure RedisLimiter implements Limiter.
var _ Limiter = (*RedisLimiter)(nil)
