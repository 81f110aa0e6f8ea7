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
	issueLockPrefix = "otp_issue_lock:"
)

// LockCache is the non-blocking tuple lock used to serialize issuance
// per (subject, purpose, channel). TryLock never waits: the caller
// polls on its own schedule. The TTL bounds how long a crashed holder
// can shadow the tuple.
type LockCache struct {
	client *client.RedisClient
}

func NewLockCache(client *client.RedisClient) *LockCache {
	return &LockCache{client: client}
}

// TryLock attempts to acquire the lock and reports whether it won.
// A false return with nil error means another writer holds the tuple.
func (c *LockCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lockKey := issueLockPrefix + key

	acquired, err := c.client.SetNX(ctx, lockKey, "locked", ttl)
	if err != nil {
		util.Error("Failed to acquire issue lock",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return false, fmt.Errorf("failed to acquire issue lock: %w", err)
	}

	if acquired {
		util.Debug("Issue lock acquired",
			zap.String("key", key),
			zap.Duration("ttl", ttl))
	}

	return acquired, nil
}

// Unlock releases the lock. Best effort: an expired lock is already
// gone and that is fine.
func (c *LockCache) Unlock(ctx context.Context, key string) error {
	lockKey := issueLockPrefix + key

	if err := c.client.Del(ctx, lockKey); err != nil {
		util.Error("Failed to release issue lock",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to release issue lock: %w", err)
	}

	util.Debug("Issue lock released", zap.String("key", key))
	return nil
}
