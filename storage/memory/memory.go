// Package memory provides an in-process saga.Storage backend for tests and
// single-replica deployments.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"saga"
	"saga/idempotency"
)

var _ saga.Storage = (*Store)(nil)

const backendName = "memory"

type idemEntry struct {
	rec       *idempotency.Record
	expiresAt time.Time
}

type opEntry struct {
	rec       *saga.OperationRecord
	expiresAt time.Time // zero means no expiry
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// Store keeps every record in maps guarded by a single mutex.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	closed  bool
	idem    map[string]idemEntry
	index   map[string]time.Time
	sagas   map[string]*saga.SagaRecord
	history map[string][]saga.HistoryEntry
	ops     map[string]opEntry
	locks   map[string]lockEntry
}

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		idem:    make(map[string]idemEntry),
		index:   make(map[string]time.Time),
		sagas:   make(map[string]*saga.SagaRecord),
		history: make(map[string][]saga.HistoryEntry),
		ops:     make(map[string]opEntry),
		locks:   make(map[string]lockEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock takes the mutex and fails if the store is closed.
func (s *Store) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return saga.ErrStorageClosed
	}
	return nil
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// GetIdempotency returns the live record for key.
func (s *Store) GetIdempotency(_ context.Context, key string) (*idempotency.Record, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	e, ok := s.idem[key]
	if !ok {
		return nil, nil
	}
	if expired(e.expiresAt, s.now()) {
		delete(s.idem, key)
		return nil, nil
	}
	return e.rec.Clone(), nil
}

// SetIdempotency writes rec with ttl.
func (s *Store) SetIdempotency(_ context.Context, rec *idempotency.Record, ttl time.Duration) error {
	if rec == nil || rec.Key == "" {
		return idempotency.ErrEmptyKey
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.idem[rec.Key] = idemEntry{rec: rec.Clone(), expiresAt: s.idemExpiry(rec, ttl)}
	return nil
}

// ClaimIdempotency writes rec only if no live record exists for its key.
func (s *Store) ClaimIdempotency(_ context.Context, rec *idempotency.Record, ttl time.Duration) (bool, error) {
	if rec == nil || rec.Key == "" {
		return false, idempotency.ErrEmptyKey
	}
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	if e, ok := s.idem[rec.Key]; ok && !expired(e.expiresAt, s.now()) {
		return false, nil
	}
	s.idem[rec.Key] = idemEntry{rec: rec.Clone(), expiresAt: s.idemExpiry(rec, ttl)}
	return true, nil
}

// DeleteIdempotency removes key and its index entry.
func (s *Store) DeleteIdempotency(_ context.Context, key string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	e, ok := s.idem[key]
	delete(s.idem, key)
	delete(s.index, key)
	return ok && !expired(e.expiresAt, s.now()), nil
}

// DeleteExpiredIdempotency removes key and its index entry unless a live
// record exists for key at now.
func (s *Store) DeleteExpiredIdempotency(_ context.Context, key string, now time.Time) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	e, ok := s.idem[key]
	if ok && !expired(e.expiresAt, now) {
		return false, nil
	}
	_, indexed := s.index[key]
	delete(s.idem, key)
	delete(s.index, key)
	return ok || indexed, nil
}

// IndexIdempotency records key in the expiry index.
func (s *Store) IndexIdempotency(_ context.Context, key string, ts time.Time) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.index[key] = ts
	return nil
}

// GetExpiredIdempotencyKeys returns indexed keys with a timestamp before the
// given time, oldest first.
func (s *Store) GetExpiredIdempotencyKeys(_ context.Context, before time.Time) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var keys []string
	for key, ts := range s.index {
		if ts.Before(before) {
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, func(a, b string) int {
		return cmp.Or(s.index[a].Compare(s.index[b]), cmp.Compare(a, b))
	})
	return keys, nil
}

// GetSaga returns a copy of the saga record.
func (s *Store) GetSaga(_ context.Context, id string) (*saga.SagaRecord, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	rec, ok := s.sagas[id]
	if !ok {
		return nil, nil
	}
	return clone(rec)
}

// SetSaga stores a copy of rec.
func (s *Store) SetSaga(_ context.Context, rec *saga.SagaRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: saga record without id", saga.ErrStorageOperation)
	}
	c, err := clone(rec)
	if err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.sagas[rec.ID] = c
	return nil
}

// DeleteSaga removes the saga and its history.
func (s *Store) DeleteSaga(_ context.Context, id string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	_, ok := s.sagas[id]
	delete(s.sagas, id)
	delete(s.history, id)
	return ok, nil
}

// AppendSagaHistory appends entry to the saga's history.
func (s *Store) AppendSagaHistory(_ context.Context, id string, entry saga.HistoryEntry) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	entry.SagaID = id
	if entry.Result != nil {
		r := *entry.Result
		entry.Result = &r
	}
	s.history[id] = append(s.history[id], entry)
	return nil
}

// GetSagaHistory returns up to limit entries, newest first.
func (s *Store) GetSagaHistory(_ context.Context, id string, limit int) ([]saga.HistoryEntry, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	entries := s.history[id]
	n := len(entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]saga.HistoryEntry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// ClearSagaHistory drops the saga's history.
func (s *Store) ClearSagaHistory(_ context.Context, id string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	delete(s.history, id)
	return nil
}

// GetOperation returns the live operation record.
func (s *Store) GetOperation(_ context.Context, id string) (*saga.OperationRecord, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	e, ok := s.ops[id]
	if !ok {
		return nil, nil
	}
	if expired(e.expiresAt, s.now()) {
		delete(s.ops, id)
		return nil, nil
	}
	return e.rec.Clone(), nil
}

// SetOperation stores rec; a non-positive ttl keeps it until deleted.
func (s *Store) SetOperation(_ context.Context, rec *saga.OperationRecord, ttl time.Duration) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: operation record without id", saga.ErrStorageOperation)
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.ops[rec.ID] = opEntry{rec: rec.Clone(), expiresAt: exp}
	return nil
}

// DeleteOperation removes the operation record.
func (s *Store) DeleteOperation(_ context.Context, id string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	e, ok := s.ops[id]
	delete(s.ops, id)
	return ok && !expired(e.expiresAt, s.now()), nil
}

// ListOperationsByTenant returns the tenant's live operations, newest first.
func (s *Store) ListOperationsByTenant(_ context.Context, tenantID string, limit, offset int) ([]*saga.OperationRecord, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	now := s.now()
	var recs []*saga.OperationRecord
	for _, e := range s.ops {
		if e.rec.TenantID == tenantID && !expired(e.expiresAt, now) {
			recs = append(recs, e.rec)
		}
	}
	slices.SortFunc(recs, func(a, b *saga.OperationRecord) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	start, end := saga.Page(len(recs), limit, offset)
	out := make([]*saga.OperationRecord, 0, end-start)
	for _, r := range recs[start:end] {
		out = append(out, r.Clone())
	}
	return out, nil
}

// ListSagasByTenant returns the tenant's sagas, newest first.
func (s *Store) ListSagasByTenant(_ context.Context, tenantID string, limit, offset int) ([]*saga.SagaRecord, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var recs []*saga.SagaRecord
	for _, r := range s.sagas {
		if r.TenantID == tenantID {
			recs = append(recs, r)
		}
	}
	slices.SortFunc(recs, func(a, b *saga.SagaRecord) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	start, end := saga.Page(len(recs), limit, offset)
	out := make([]*saga.SagaRecord, 0, end-start)
	for _, r := range recs[start:end] {
		c, err := clone(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// AcquireLock takes key for ttl if it is free or expired and returns the
// holder token for this acquisition.
func (s *Store) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := s.lock(); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()

	now := s.now()
	for k, l := range s.locks {
		if expired(l.expiresAt, now) {
			delete(s.locks, k)
		}
	}
	if _, held := s.locks[key]; held {
		return "", false, nil
	}
	token := uuid.NewString()
	s.locks[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

// ReleaseLock frees key if it is still held under token.
func (s *Store) ReleaseLock(_ context.Context, key, token string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok || l.token != token {
		return false, nil
	}
	delete(s.locks, key)
	return !expired(l.expiresAt, s.now()), nil
}

// ExtendLock resets the expiry of a lock still held under token.
func (s *Store) ExtendLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.locks[key]
	if !ok || l.token != token || expired(l.expiresAt, now) {
		return false, nil
	}
	l.expiresAt = now.Add(ttl)
	s.locks[key] = l
	return true, nil
}

// CleanupExpiredData evicts expired idempotency records, operations and
// locks, returning how many were removed.
func (s *Store) CleanupExpiredData(_ context.Context) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.idem {
		if expired(e.expiresAt, now) {
			delete(s.idem, k)
			removed++
		}
	}
	for k, ts := range s.index {
		if _, live := s.idem[k]; !live && !now.Before(ts) {
			delete(s.index, k)
		}
	}
	for k, e := range s.ops {
		if expired(e.expiresAt, now) {
			delete(s.ops, k)
			removed++
		}
	}
	for k, l := range s.locks {
		if expired(l.expiresAt, now) {
			delete(s.locks, k)
			removed++
		}
	}
	return removed, nil
}

// HealthCheck reports the record counts.
func (s *Store) HealthCheck(_ context.Context) saga.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := saga.HealthStatus{
		Status:    saga.HealthHealthy,
		Backend:   backendName,
		CheckedAt: s.now(),
		Metrics: map[string]any{
			"idempotency_keys": len(s.idem),
			"sagas":            len(s.sagas),
			"operations":       len(s.ops),
			"locks":            len(s.locks),
		},
	}
	if s.closed {
		h.Status = saga.HealthUnhealthy
		h.Error = saga.ErrStorageClosed.Error()
	}
	return h
}

// Backend returns "memory".
func (s *Store) Backend() string {
	return backendName
}

// Durable is false: state lives in this process only.
func (s *Store) Durable() bool {
	return false
}

// Close drops all state. Later calls fail with saga.ErrStorageClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	clear(s.idem)
	clear(s.index)
	clear(s.sagas)
	clear(s.history)
	clear(s.ops)
	clear(s.locks)
	return nil
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// idemExpiry is the earlier of the ttl expiry and the record's own ExpiresAt.
func (s *Store) idemExpiry(rec *idempotency.Record, ttl time.Duration) time.Time {
	at := s.expiry(ttl)
	if !rec.ExpiresAt.IsZero() && (at.IsZero() || rec.ExpiresAt.Before(at)) {
		return rec.ExpiresAt
	}
	return at
}

func clone(rec *saga.SagaRecord) (*saga.SagaRecord, error) {
	c, err := rec.Clone()
	if err != nil {
		return nil, fmt.Errorf("%w: copy saga %s: %v", saga.ErrStorageOperation, rec.ID, err)
	}
	return c, nil
}
