package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/util"
)

const (
	rateLimitPrefix = "rate_limit:"
)

// slidingWindowScript keeps one sorted set per counter key, scored by
// request time in milliseconds. When the limit is hit it also reports
// how long until the oldest entry leaves the window.
const slidingWindowScript = `
    local key = KEYS[1]
    local now = tonumber(ARGV[1])
    local window_start = tonumber(ARGV[2])
    local limit = tonumber(ARGV[3])
    local window_ms = tonumber(ARGV[4])

    redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

    local current_count = redis.call('ZCARD', key)

    if current_count < limit then
        redis.call('ZADD', key, now, now)
        redis.call('PEXPIRE', key, window_ms)
        return {1, current_count + 1, 0}
    end

    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local retry_after = 0
    if oldest[2] then
        retry_after = tonumber(oldest[2]) + window_ms - now
    end
    return {0, current_count, retry_after}
`

// RateLimitCache is the shared sliding-window counter store backing
// issuance throttling. Callers treat it as advisory; an error here
// must never block issuance.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// Allow consumes one slot under the key's sliding window. When denied
// it reports how long the caller should wait before retrying.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	windowStart := now - window.Milliseconds()

	result, err := c.client.Eval(ctx, slidingWindowScript, []string{rateLimitPrefix + key},
		now, windowStart, limit, window.Milliseconds())
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	allowed, currentCount, retryAfter, err := parseSlidingWindowReply(result)
	if err != nil {
		return false, 0, err
	}

	util.Debug("Sliding window rate limit check",
		zap.String("key", key),
		zap.Bool("allowed", allowed),
		zap.Int("current_count", currentCount),
		zap.Int("limit", limit))

	return allowed, retryAfter, nil
}

// parseSlidingWindowReply decodes the {allowed, count, retry_after_ms}
// triple the script returns. Every element must be a redis integer.
func parseSlidingWindowReply(result interface{}) (bool, int, time.Duration, error) {
	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected result format from sliding window script")
	}

	var fields [3]int64
	for i, raw := range resultSlice {
		n, ok := raw.(int64)
		if !ok {
			return false, 0, 0, fmt.Errorf("unexpected result format from sliding window script")
		}
		fields[i] = n
	}

	return fields[0] == 1, int(fields[1]), time.Duration(fields[2]) * time.Millisecond, nil
}

// GetCount reports the current occupancy of a counter window without
// consuming a slot.
func (c *RateLimitCache) GetCount(ctx context.Context, key string) (int, error) {
	result, err := c.client.Eval(ctx, `return redis.call('ZCARD', KEYS[1])`,
		[]string{rateLimitPrefix + key})
	if err != nil {
		return 0, fmt.Errorf("failed to get rate limit counter: %w", err)
	}
	n, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected ZCARD result type")
	}
	return int(n), nil
}

// Reset clears a counter window, mainly useful in operational tooling
// and tests.
func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, rateLimitPrefix+key); err != nil {
		util.Error("Failed to reset rate limit counter",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}

	util.Debug("Rate limit counter reset", zap.String("key", key))
	return nil
}
