package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// takeScript increments the window counter and starts the window on the
// first hit. Returns {count, pttl}.
var takeScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// DistributedRateLimiter implements fixed-window rate limiting in Redis so
// limits are shared across instances
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
	now    func() time.Time
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
		now:    time.Now,
	}
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Take counts one request for key
func (rl *DistributedRateLimiter) Take(ctx context.Context, key string) (Decision, error) {
	res, err := takeScript.Run(ctx, rl.redis, []string{rl.key(key)}, rl.config.WindowDuration.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis error: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result %v", res)
	}
	count, _ := vals[0].(int64)
	pttl, _ := vals[1].(int64)
	if pttl < 0 {
		pttl = rl.config.WindowDuration.Milliseconds()
	}

	return Decision{
		Allowed:   count <= int64(rl.config.RequestsPerWindow),
		Limit:     rl.config.RequestsPerWindow,
		Remaining: max(rl.config.RequestsPerWindow-int(count), 0),
		ResetAt:   rl.now().Add(time.Duration(pttl) * time.Millisecond),
	}, nil
}

// Allow checks if a request is allowed
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	d, err := rl.Take(ctx, key)
	if err != nil {
		// Fail open
		return true, err
	}
	return d.Allowed, nil
}

// Remaining returns the number of remaining requests in the window
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.redis.Get(ctx, rl.key(key)).Int()
	if err == redis.Nil {
		return rl.config.RequestsPerWindow, nil
	} else if err != nil {
		return 0, err
	}
	return max(rl.config.RequestsPerWindow-count, 0), nil
}

// TTL returns the time until the rate limit window resets
func (rl *DistributedRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.PTTL(ctx, rl.key(key)).Result()
}

// Reset clears the rate limit for a key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// HealthCheck verifies Redis connectivity for rate limiting
func (rl *DistributedRateLimiter) HealthCheck(ctx context.Context) error {
	return rl.redis.Ping(ctx).Err()
}
