package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockTimeout is returned when the bounded wait elapses without
	// acquiring the lock.
	ErrLockTimeout = errors.New("coord: timed out waiting for lock")

	// ErrLockNotHeld is returned when releasing or extending a lock whose
	// holder token no longer matches.
	ErrLockNotHeld = errors.New("coord: lock not held")
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out TTL-bound mutual-exclusion locks.
type Locker struct {
	client       redis.UniversalClient
	pollInterval time.Duration
}

// NewLocker creates a locker polling every pollInterval while waiting.
func NewLocker(client redis.UniversalClient, pollInterval time.Duration) *Locker {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &Locker{client: client, pollInterval: pollInterval}
}

// Lock is a held lock. Only the holder that acquired it can release it.
type Lock struct {
	client redis.UniversalClient
	key    string
	token  string
}

// TryAcquire makes a single SET NX PX attempt.
func (l *Locker) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, bool, error) {
	key := Key("lock", resource)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %s: %w", resource, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: l.client, key: key, token: token}, true, nil
}

// Acquire polls until the lock is taken, wait elapses (ErrLockTimeout) or
// ctx ends.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl, wait time.Duration) (*Lock, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		lock, ok, err := l.TryAcquire(ctx, resource, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, resource)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release deletes the lock if this holder still owns it.
func (lk *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lk.client, []string{lk.key}, lk.token).Int64()
	if err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend resets the TTL if this holder still owns the lock.
func (lk *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, lk.client, []string{lk.key}, lk.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extending lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Key returns the namespaced store key.
func (lk *Lock) Key() string {
	return lk.key
}
