// Package idempotency deduplicates operations identified by caller-supplied keys.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var (
	// ErrEmptyKey indicates an empty idempotency key.
	ErrEmptyKey = errors.New("idempotency key is empty")
	// ErrDuplicateInFlight indicates another caller is executing the same key.
	ErrDuplicateInFlight = errors.New("duplicate request in flight")
	// ErrPreviousAttemptFailed indicates the key's earlier execution failed and retry is not enabled.
	ErrPreviousAttemptFailed = errors.New("previous attempt failed")
	// ErrOperationPanicked indicates the operation panicked.
	ErrOperationPanicked = errors.New("operation panicked")
	// ErrCorruptRecord indicates a stored record could not be interpreted.
	ErrCorruptRecord = errors.New("corrupt idempotency record")
)

// Record is the stored state of one idempotency key.
type Record struct {
	Key       string          `json:"key"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the record should be treated as absent at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &c
}

// Store is the persistence contract the Manager needs. A record is expired
// once its ExpiresAt has passed, whatever TTL it was written with. Expired
// records must be reported as absent by GetIdempotency and be claimable by
// ClaimIdempotency.
type Store interface {
	// GetIdempotency returns the record for key, or nil if absent or expired.
	GetIdempotency(ctx context.Context, key string) (*Record, error)

	// SetIdempotency writes rec, expiring it after ttl.
	SetIdempotency(ctx context.Context, rec *Record, ttl time.Duration) error

	// ClaimIdempotency atomically writes rec only if no live record exists for its key.
	ClaimIdempotency(ctx context.Context, rec *Record, ttl time.Duration) (bool, error)

	// DeleteIdempotency removes key and its index entry.
	DeleteIdempotency(ctx context.Context, key string) (bool, error)

	// DeleteExpiredIdempotency removes key and its index entry only if no
	// live record exists for key at now. A live record is left untouched.
	DeleteExpiredIdempotency(ctx context.Context, key string, now time.Time) (bool, error)

	// IndexIdempotency records key in the expiry index at ts.
	IndexIdempotency(ctx context.Context, key string, ts time.Time) error

	// GetExpiredIdempotencyKeys returns indexed keys whose timestamp is before the given time.
	GetExpiredIdempotencyKeys(ctx context.Context, before time.Time) ([]string, error)
}
