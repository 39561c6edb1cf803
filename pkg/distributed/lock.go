package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a Redis-backed mutual exclusion lock shared across agents.
// It guards singleton work like master failover and snapshot writes.
type Lock struct {
	client *redis.Client
	key    string
	value  string // unique per holder, checked on release
	ttl    time.Duration

	mu        sync.Mutex
	stopRenew chan struct{}
}

// NewLock creates a lock handle for key. Nothing is acquired yet.
func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		value:  lockToken(),
		ttl:    ttl,
	}
}

func lockToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Acquire blocks until the lock is held or the timeout expires.
// A zero timeout means the default 30 seconds.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("lock acquisition timeout for %s", l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// TryAcquire attempts to take the lock without blocking
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !acquired {
		return false, nil
	}

	l.mu.Lock()
	l.stopRenew = make(chan struct{})
	go l.renew(l.stopRenew)
	l.mu.Unlock()

	return true, nil
}

// Release releases the lock if this instance still holds it
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.stopRenew != nil {
		close(l.stopRenew)
		l.stopRenew = nil
	}
	l.mu.Unlock()

	// compare-and-delete so another holder's lock is never removed
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}

	if result.(int64) == 0 {
		return fmt.Errorf("lock %s was not held by this instance", l.key)
	}

	return nil
}

// renew extends the TTL at half-life intervals until released
func (l *Lock) renew(stop chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
			current, err := l.client.Get(ctx, l.key).Result()
			if err == redis.Nil || err != nil {
				return
			}
			if current != l.value {
				// lost the lock to another holder
				return
			}
			l.client.Expire(ctx, l.key, l.ttl)

		case <-stop:
			return
		}
	}
}

// IsHeld reports whether any instance currently holds the lock
func (l *Lock) IsHeld(ctx context.Context) (bool, error) {
	exists, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// LockManager creates namespaced locks
type LockManager struct {
	client *redis.Client
	prefix string
}

// NewLockManager creates a lock manager with a key prefix
func NewLockManager(client *redis.Client, prefix string) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
	}
}

// ForKey returns a lock handle for the prefixed key
func (lm *LockManager) ForKey(key string, ttl time.Duration) *Lock {
	return NewLock(lm.client, lm.prefix+key, ttl)
}
