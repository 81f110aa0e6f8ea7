package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	cfg := testConfig()
	counter := &stubCounter{allowed: true}
	limiter := NewRateLimiter(cfg, counter)

	decision := limiter.Check(context.Background(), "10.0.0.1", "hash-1", "login")

	assert.True(t, decision.Allowed)
	assert.False(t, decision.Bypassed)
	assert.Len(t, counter.limits, 2, "both the IP and the identifier counter consume a slot")
	assert.Equal(t, []int{5, 5}, counter.limits)
}

func TestRateLimiterCheckoutUsesHigherCeiling(t *testing.T) {
	cfg := testConfig()
	counter := &stubCounter{allowed: true}
	limiter := NewRateLimiter(cfg, counter)

	limiter.Check(context.Background(), "10.0.0.1", "hash-1", "checkout")
	assert.Equal(t, []int{20, 20}, counter.limits)

	counter.limits = nil
	limiter.Check(context.Background(), "10.0.0.1", "hash-1", "order_confirm")
	assert.Equal(t, []int{20, 20}, counter.limits)
}

func TestRateLimiterDenialPropagatesRetryAfter(t *testing.T) {
	cfg := testConfig()
	counter := &stubCounter{allowed: false, retryAfter: 45 * time.Second}
	limiter := NewRateLimiter(cfg, counter)

	decision := limiter.Check(context.Background(), "10.0.0.1", "hash-1", "login")

	assert.False(t, decision.Allowed)
	assert.False(t, decision.Bypassed)
	assert.Equal(t, 45*time.Second, decision.RetryAfter)
}

func TestRateLimiterFailsOpenOnSlowStore(t *testing.T) {
	cfg := testConfig()
	counter := &stubCounter{allowed: false, delay: 10 * cfg.RateLimit.Budget}
	limiter := NewRateLimiter(cfg, counter)

	start := time.Now()
	decision := limiter.Check(context.Background(), "10.0.0.1", "hash-1", "login")
	elapsed := time.Since(start)

	assert.True(t, decision.Allowed, "a slow store must never block issuance")
	assert.True(t, decision.Bypassed)
	assert.Less(t, elapsed, 5*cfg.RateLimit.Budget, "check must settle near the budget, not the store latency")
}

func TestRateLimiterFailsOpenOnStoreError(t *testing.T) {
	cfg := testConfig()
	counter := &stubCounter{err: errors.New("redis down")}
	limiter := NewRateLimiter(cfg, counter)

	decision := limiter.Check(context.Background(), "10.0.0.1", "hash-1", "login")

	assert.True(t, decision.Allowed)
	assert.True(t, decision.Bypassed)
}

func TestRateLimiterNilCounterBypasses(t *testing.T) {
	limiter := NewRateLimiter(testConfig(), nil)

	decision := limiter.Check(context.Background(), "10.0.0.1", "hash-1", "login")

	assert.True(t, decision.Allowed)
	assert.True(t, decision.Bypassed)
}

func TestRateLimiterSkipsEmptyKeys(t *testing.T) {
	cfg := testConfig()
	counter := &stubCounter{allowed: true}
	limiter := NewRateLimiter(cfg, counter)

	decision := limiter.Check(context.Background(), "", "hash-1", "login")

	assert.True(t, decision.Allowed)
	assert.Len(t, counter.limits, 1, "missing client IP must not consume a phantom slot")
}
