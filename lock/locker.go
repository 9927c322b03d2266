// Package lock provides distributed locks on top of a storage backend.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired indicates a lock is held by someone else.
	ErrNotAcquired = errors.New("lock held by another holder")
	// ErrNotHeld indicates the lock expired or was never held.
	ErrNotHeld = errors.New("lock not held")
	// ErrNoKeys indicates Acquire was called without keys.
	ErrNoKeys = errors.New("no lock keys provided")
)

// Locker is the distributed lock interface
// It provides methods to acquire locks on multiple keys atomically
type Locker interface {
	// Acquire acquires locks on the given keys without blocking.
	// Keys are sorted before acquisition to prevent deadlocks.
	// Returns ErrNotAcquired if any lock is held elsewhere; locks taken
	// before the failure are released.
	Acquire(ctx context.Context, keys []string, ttl time.Duration) (Handle, error)
}

// Handle represents a handle to acquired locks
type Handle interface {
	// Extend extends the TTL of all held locks
	Extend(ctx context.Context, ttl time.Duration) error

	// Release releases all held locks, attempting every key even if some fail
	Release(ctx context.Context) error

	// Keys returns the keys that are locked
	Keys() []string
}

// Backend is the single-key primitive a Locker is built on. Every storage
// backend implements it. AcquireLock returns a token unique to that
// acquisition; ReleaseLock and ExtendLock act only while key is held under
// the same token.
type Backend interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// KeepAlive extends h every period until the returned stop function is
// called or ctx ends. Extension failures are passed to onError and do not
// stop the loop.
func KeepAlive(ctx context.Context, h Handle, ttl, period time.Duration, onError func(error)) (stop func()) {
	if period <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(period)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := h.Extend(ctx, ttl); err != nil && onError != nil {
					onError(err)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}
