package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua resets the TTL only if the caller still owns the lock.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager using SET NX PX with Lua-based
// conditional unlock and extend.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script

	mu     sync.Mutex
	tokens map[string]string
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		tokens:   make(map[string]string),
	}
}

// InstanceLockKey is the lock that keeps two engines off one account.
func InstanceLockKey(accountID string) string {
	return "triarb:lock:" + accountID
}

// Acquire obtains the lock for key with the given TTL. The returned unlock
// function is idempotent. It returns domain.ErrLockHeld if another holder
// owns the key.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()

	ok, err := lm.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}

	lm.mu.Lock()
	lm.tokens[key] = token
	lm.mu.Unlock()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			lm.mu.Lock()
			if lm.tokens[key] == token {
				delete(lm.tokens, key)
			}
			lm.mu.Unlock()

			// Background context so unlock succeeds after the caller's
			// context is cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{key}, token).Err()
		})
	}
	return unlock, nil
}

// Extend pushes the expiry of a lock held by this manager to ttl from now.
// It returns domain.ErrLockHeld when the lock has been lost.
func (lm *LockManager) Extend(ctx context.Context, key string, ttl time.Duration) error {
	lm.mu.Lock()
	token, ok := lm.tokens[key]
	lm.mu.Unlock()
	if !ok {
		return fmt.Errorf("redis: extend lock %s: %w", key, domain.ErrNotFound)
	}

	n, err := lm.extendSc.Run(ctx, lm.rdb, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: extend lock %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: extend lock %s: %w", key, domain.ErrLockHeld)
	}
	return nil
}

// KeepAlive extends the lock every ttl/3 until ctx ends. It returns an error
// as soon as the lock is lost so the caller can stop trading.
func KeepAlive(ctx context.Context, locks domain.LockManager, key string, ttl time.Duration, logger *slog.Logger) error {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := locks.Extend(ctx, key, ttl); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("instance lock lost", slog.String("key", key), slog.String("error", err.Error()))
				return err
			}
		}
	}
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
