package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PendingPolicy decides what a caller does when it finds another caller's
// pending record for the same key.
type PendingPolicy int

const (
	// FailFast returns ErrDuplicateInFlight immediately.
	FailFast PendingPolicy = iota
	// WaitForResult polls until the record settles or the wait times out.
	WaitForResult
)

func (p PendingPolicy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case WaitForResult:
		return "wait"
	default:
		return "unknown"
	}
}

// Config holds the manager configuration.
type Config struct {
	// DefaultTTL applies when Execute is called with a zero TTL.
	DefaultTTL time.Duration
	// Policy applies to pending duplicates.
	Policy PendingPolicy
	// PollInterval is the polling period of the WaitForResult policy.
	PollInterval time.Duration
	// WaitTimeout bounds how long WaitForResult waits.
	WaitTimeout time.Duration
	// RetryOnFailure lets a failed key be executed again instead of replaying the failure.
	RetryOnFailure bool
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:   24 * time.Hour,
		Policy:       FailFast,
		PollInterval: 50 * time.Millisecond,
		WaitTimeout:  30 * time.Second,
	}
}

// Operation is the work guarded by an idempotency key. Its result must be
// JSON serializable.
type Operation func(ctx context.Context) (any, error)

// Outcome is what Execute returns for a completed key.
type Outcome struct {
	Key       string
	Result    json.RawMessage
	Replayed  bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Decode unmarshals the cached result into v.
func (o *Outcome) Decode(v any) error {
	if len(o.Result) == 0 {
		return nil
	}
	return json.Unmarshal(o.Result, v)
}

// maxLostClaims bounds how often Execute retries after losing a claim race
// before it reports the key as in flight.
const maxLostClaims = 3

// Manager guarantees at-most-once execution of operations per key.
type Manager struct {
	store  Store
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures the Manager.
type Option func(*Manager)

// WithConfig sets the manager configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock overrides the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager backed by store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		config: DefaultConfig(),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.config.DefaultTTL <= 0 {
		m.config.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if m.config.PollInterval <= 0 {
		m.config.PollInterval = DefaultConfig().PollInterval
	}
	return m
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Execute runs op at most once for key within ttl.
//
// A completed record is replayed without calling op. A pending record is
// handled by the configured PendingPolicy. A failed record yields
// ErrPreviousAttemptFailed unless RetryOnFailure is set. Expired records are
// treated as absent.
func (m *Manager) Execute(ctx context.Context, key string, ttl time.Duration, op Operation) (*Outcome, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}

	var waitCtx context.Context
	lostClaims := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := m.lookup(ctx, key)
		if err != nil {
			return nil, err
		}

		if rec == nil {
			claimed, out, err := m.claimAndRun(ctx, key, ttl, op)
			if claimed || err != nil {
				return out, err
			}
			lostClaims++
			if lostClaims >= maxLostClaims {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateInFlight, key)
			}
			continue
		}

		switch rec.Status {
		case StatusCompleted:
			m.logger.Debug().Str("key", key).Msg("idempotency replay")
			return &Outcome{
				Key:       key,
				Result:    rec.Result,
				Replayed:  true,
				CreatedAt: rec.CreatedAt,
				ExpiresAt: rec.ExpiresAt,
			}, nil

		case StatusFailed:
			if !m.config.RetryOnFailure {
				return nil, fmt.Errorf("%w: %s", ErrPreviousAttemptFailed, rec.Error)
			}
			if _, err := m.store.DeleteIdempotency(ctx, key); err != nil {
				return nil, err
			}

		case StatusPending:
			if m.config.Policy != WaitForResult {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateInFlight, key)
			}
			if waitCtx == nil {
				var cancel context.CancelFunc
				waitCtx, cancel = context.WithTimeout(ctx, m.config.WaitTimeout)
				defer cancel()
			}
			select {
			case <-waitCtx.Done():
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("%w: %s", ErrDuplicateInFlight, key)
			case <-time.After(m.config.PollInterval):
			}

		default:
			return nil, fmt.Errorf("%w: key %s has status %q", ErrCorruptRecord, key, rec.Status)
		}
	}
}

// ExecuteAs is Execute with a typed result.
func ExecuteAs[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	out, err := m.Execute(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := out.Decode(&v); err != nil {
		return zero, out.Replayed, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return v, out.Replayed, nil
}

// Forget removes the record for key so the next call executes again.
func (m *Manager) Forget(ctx context.Context, key string) (bool, error) {
	return m.store.DeleteIdempotency(ctx, key)
}

// PurgeExpired deletes every indexed key that expired before now and returns
// how many were purged. A key claimed again after the listing is left alone.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	now := m.now()
	keys, err := m.store.GetExpiredIdempotencyKeys(ctx, now)
	if err != nil {
		return 0, err
	}
	purged := 0
	var errs []error
	for _, key := range keys {
		deleted, err := m.store.DeleteExpiredIdempotency(ctx, key, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if deleted {
			purged++
		}
	}
	return purged, errors.Join(errs...)
}

func (m *Manager) lookup(ctx context.Context, key string) (*Record, error) {
	rec, err := m.store.GetIdempotency(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Expired(m.now()) {
		return nil, nil
	}
	return rec, nil
}

func (m *Manager) claimAndRun(ctx context.Context, key string, ttl time.Duration, op Operation) (bool, *Outcome, error) {
	now := m.now()
	rec := &Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	claimed, err := m.store.ClaimIdempotency(ctx, rec, ttl)
	if err != nil || !claimed {
		return false, nil, err
	}
	if err := m.store.IndexIdempotency(ctx, key, rec.ExpiresAt); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("idempotency index failed")
	}

	value, opErr := m.run(ctx, op)

	// The outcome must be recorded even if the caller gave up meanwhile.
	writeCtx := context.WithoutCancel(ctx)

	var raw json.RawMessage
	if opErr == nil {
		raw, opErr = json.Marshal(value)
	}
	if opErr != nil {
		if m.config.RetryOnFailure {
			if _, err := m.store.DeleteIdempotency(writeCtx, key); err != nil {
				m.logger.Error().Err(err).Str("key", key).Msg("release failed idempotency key")
			}
			return true, nil, opErr
		}
		rec.Status = StatusFailed
		rec.Error = opErr.Error()
		if err := m.store.SetIdempotency(writeCtx, rec, m.remaining(rec)); err != nil {
			m.logger.Error().Err(err).Str("key", key).Msg("persist failed idempotency record")
			return true, nil, errors.Join(opErr, err)
		}
		return true, nil, opErr
	}

	rec.Status = StatusCompleted
	rec.Result = raw
	out := &Outcome{Key: key, Result: raw, CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt}
	if err := m.store.SetIdempotency(writeCtx, rec, m.remaining(rec)); err != nil {
		return true, out, fmt.Errorf("store idempotency result: %w", err)
	}
	return true, out, nil
}

func (m *Manager) run(ctx context.Context, op Operation) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrOperationPanicked, r)
		}
	}()
	return op(ctx)
}

// remaining is the TTL left on rec. Stores cap expiry at rec.ExpiresAt, so
// the floor only keeps the ttl argument positive once the record has lapsed.
func (m *Manager) remaining(rec *Record) time.Duration {
	left := rec.ExpiresAt.Sub(m.now())
	if left < time.Second {
		return time.Second
	}
	return left
}
