package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var _ Locker = (*StorageLocker)(nil)
var _ Handle = (*storageHandle)(nil)

// StorageLocker implements Locker over a Backend.
type StorageLocker struct {
	backend Backend
}

// NewStorageLocker creates a locker backed by b.
func NewStorageLocker(b Backend) *StorageLocker {
	return &StorageLocker{backend: b}
}

// Acquire acquires locks on the given keys in sorted order, all or nothing.
func (l *StorageLocker) Acquire(ctx context.Context, keys []string, ttl time.Duration) (Handle, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	h := &storageHandle{
		backend:  l.backend,
		keys:     sorted,
		acquired: make([]heldKey, 0, len(sorted)),
	}

	for _, key := range sorted {
		token, ok, err := l.backend.AcquireLock(ctx, key, ttl)
		if err != nil {
			h.Release(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if !ok {
			h.Release(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		h.acquired = append(h.acquired, heldKey{key: key, token: token})
	}

	return h, nil
}

// heldKey is one acquired key and the token it is held under.
type heldKey struct {
	key   string
	token string
}

// storageHandle represents a handle to acquired backend locks
type storageHandle struct {
	backend  Backend
	keys     []string
	acquired []heldKey
	mu       sync.Mutex
}

// Extend extends the TTL of all held locks
func (h *storageHandle) Extend(ctx context.Context, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.acquired) == 0 {
		return ErrNotHeld
	}

	var extendErr error
	for _, held := range h.acquired {
		ok, err := h.backend.ExtendLock(ctx, held.key, held.token, ttl)
		if err != nil {
			extendErr = errors.Join(extendErr, fmt.Errorf("extend lock %s: %w", held.key, err))
			continue
		}
		if !ok {
			extendErr = errors.Join(extendErr, fmt.Errorf("%w: %s", ErrNotHeld, held.key))
		}
	}
	return extendErr
}

// Release releases all held locks in reverse order
func (h *storageHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var releaseErr error
	for i := len(h.acquired) - 1; i >= 0; i-- {
		held := h.acquired[i]
		if _, err := h.backend.ReleaseLock(ctx, held.key, held.token); err != nil {
			releaseErr = errors.Join(releaseErr, fmt.Errorf("release lock %s: %w", held.key, err))
		}
	}
	h.acquired = nil
	return releaseErr
}

// Keys returns the locked keys
func (h *storageHandle) Keys() []string {
	return h.keys
}
