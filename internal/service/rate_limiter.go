package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/normalize"
	"otp-service/internal/util"
)

// RateDecision is the outcome of a throttle check. Bypassed means the
// counter store did not answer inside the latency budget (or errored)
// and the request proceeds as if allowed.
type RateDecision struct {
	Allowed    bool
	Bypassed   bool
	RetryAfter time.Duration
}

// RateLimiter throttles issuance per client IP and per identifier,
// failing open. The check races the counter store against a fixed
// budget: the user-facing path never pays more than that budget for
// throttling, and a slow or broken store degrades to "allow".
type RateLimiter struct {
	counter model.RateCounter
	cfg     *config.Config
}

func NewRateLimiter(cfg *config.Config, counter model.RateCounter) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		cfg:     cfg,
	}
}

// Check consumes one slot on both counters. Checkout-critical purposes
// get the higher ceiling so payment flows are not starved by the
// tighter default.
func (rl *RateLimiter) Check(ctx context.Context, clientIP, identifierHash, purpose string) RateDecision {
	if rl.counter == nil {
		return RateDecision{Allowed: true, Bypassed: true}
	}

	limit := rl.cfg.RateLimit.DefaultLimit
	if normalize.IsCheckoutCritical(purpose) {
		limit = rl.cfg.RateLimit.CheckoutLimit
	}
	window := rl.cfg.RateLimit.Window

	type answer struct {
		allowed    bool
		retryAfter time.Duration
		err        error
	}

	checkCtx, cancel := context.WithTimeout(ctx, rl.cfg.RateLimit.Budget)
	defer cancel()

	result := make(chan answer, 1)
	go func() {
		keys := make([]string, 0, 2)
		if clientIP != "" {
			keys = append(keys, fmt.Sprintf("ip:%s:%s", clientIP, purpose))
		}
		if identifierHash != "" {
			keys = append(keys, fmt.Sprintf("id:%s:%s", identifierHash, purpose))
		}

		for _, key := range keys {
			allowed, retryAfter, err := rl.counter.Allow(checkCtx, key, limit, window)
			if err != nil {
				result <- answer{err: err}
				return
			}
			if !allowed {
				result <- answer{allowed: false, retryAfter: retryAfter}
				return
			}
		}
		result <- answer{allowed: true}
	}()

	timer := time.NewTimer(rl.cfg.RateLimit.Budget)
	defer timer.Stop()

	select {
	case a := <-result:
		if a.err != nil {
			util.Warn("Rate limit check failed, allowing request",
				zap.String("purpose", purpose),
				zap.Error(a.err))
			return RateDecision{Allowed: true, Bypassed: true}
		}
		return RateDecision{Allowed: a.allowed, RetryAfter: a.retryAfter}
	case <-timer.C:
		util.Warn("Rate limit check exceeded budget, allowing request",
			zap.String("purpose", purpose),
			zap.Duration("budget", rl.cfg.RateLimit.Budget))
		return RateDecision{Allowed: true, Bypassed: true}
	}
}
