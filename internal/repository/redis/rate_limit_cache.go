package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/astromods/modstats/internal/client"
	"github.com/astromods/modstats/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// fixedWindowScript atomically counts a request against the identity's
// current window. The expiry is set only when the key is created, so the
// window resets sharply at its boundary rather than sliding.
const fixedWindowScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('TTL', KEYS[1])
return {count, ttl}
`

// RateLimitDecision is the outcome of one admission check.
type RateLimitDecision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// RateLimitCache is a fixed-window admission counter keyed by source
// identity. State for each identity is independent and expires with the
// window; there is nothing to evict.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// Consume counts one request against identity's current window and
// reports whether it is within the allowed budget.
func (c *RateLimitCache) Consume(ctx context.Context, identity string, points int64, window time.Duration) (*RateLimitDecision, error) {
	ctx, cancel := c.client.WithContext(ctx, opTimeout)
	defer cancel()

	key := rateLimitPrefix + identity

	result, err := c.client.Eval(ctx, fixedWindowScript, []string{key}, int64(window.Seconds()))
	if err != nil {
		util.Error("Failed to execute fixed window rate limit",
			zap.String("identity", identity),
			zap.Error(err))
		return nil, fmt.Errorf("failed to execute rate limit check: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return nil, fmt.Errorf("unexpected result format from rate limit script")
	}

	count, ok := values[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected count type from rate limit script")
	}
	ttlSeconds, _ := values[1].(int64)

	decision := &RateLimitDecision{
		Allowed: count <= points,
		Count:   count,
	}
	if ttlSeconds > 0 {
		decision.RetryAfter = time.Duration(ttlSeconds) * time.Second
	}

	util.Debug("Rate limit check",
		zap.String("identity", identity),
		zap.Int64("count", count),
		zap.Bool("allowed", decision.Allowed))

	return decision, nil
}

// Reset clears an identity's window. Used by tests and operators.
func (c *RateLimitCache) Reset(ctx context.Context, identity string) error {
	ctx, cancel := c.client.WithContext(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, rateLimitPrefix+identity); err != nil {
		return fmt.Errorf("failed to reset rate limit for %q: %w", identity, err)
	}
	return nil
}
