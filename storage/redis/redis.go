// Package redis provides a saga.Storage backend on Redis.
//
// Key layout, with the default "saga:" prefix:
//
//	saga:idem:{key}              hash, native expiry
//	saga:idem:index              zset, score = expiry in unix ms
//	saga:saga:{id}               JSON string
//	saga:saga:{id}:history       list, appended with RPUSH
//	saga:op:{id}                 hash, optional expiry
//	saga:tenant:{tenant}:sagas   zset, score = created_at in unix ms
//	saga:tenant:{tenant}:ops     zset, score = created_at in unix ms
//	saga:lock:{key}              string holding the holder token
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"saga"
	"saga/idempotency"
)

var _ saga.Storage = (*Store)(nil)

const (
	backendName   = "redis"
	defaultPrefix = "saga:"
)

var (
	claimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	local exp = tonumber(redis.call("HGET", KEYS[1], "expires_ms") or "0")
	if exp == 0 or exp > tonumber(ARGV[1]) then
		return 0
	end
	redis.call("DEL", KEYS[1])
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
if tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

	purgeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_ms") or "0")
if exp == 0 or exp > tonumber(ARGV[1]) then
	return -1
end
return redis.call("DEL", KEYS[1])
`)

	unindexScript = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if score and tonumber(score) < tonumber(ARGV[2]) then
	return redis.call("ZREM", KEYS[1], ARGV[1])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Store implements saga.Storage on a Redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger zerolog.Logger
	now    func() time.Time
	delay  time.Duration
}

// Option configures the Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock overrides the clock used to evaluate record expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithRetryDelay sets the pause before a timed-out command is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		s.delay = d
	}
}

// New creates a store on client. The store owns the client and closes it.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
		logger: zerolog.Nop(),
		now:    time.Now,
		delay:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) idemKey(key string) string { return s.prefix + "idem:" + key }
func (s *Store) idemIndexKey() string { return s.prefix + "idem:index" }
func (s *Store) sagaKey(id string) string { return s.prefix + "saga:" + id }
func (s *Store) historyKey(id string) string { return s.prefix + "saga:" + id + ":history" }
func (s *Store) opKey(id string) string { return s.prefix + "op:" + id }
func (s *Store) tenantSagas(t string) string { return s.prefix + "tenant:" + t + ":sagas" }
func (s *Store) tenantOps(t string) string { return s.prefix + "tenant:" + t + ":ops" }
func (s *Store) lockKey(key string) string { return s.prefix + "lock:" + key }

// do runs fn, retrying once when it times out, and maps the final error onto
// the saga storage errors.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(
		func() error { return fn(ctx) },
		retry.Attempts(2),
		retry.Delay(s.delay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(isTimeout),
		retry.OnRetry(func(n uint, err error) {
			if n > 0 {
				return
			}
			s.logger.Warn().Err(err).Str("op", op).Msg("redis command timed out, retrying")
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	return classify(op, err)
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, saga.ErrStorageOperation),
		errors.Is(err, saga.ErrStorageTimeout),
		errors.Is(err, saga.ErrStorageConnection):
		return err
	case isTimeout(err):
		return fmt.Errorf("%w: %s: %v", saga.ErrStorageTimeout, op, err)
	case isConnection(err):
		return fmt.Errorf("%w: %s: %v", saga.ErrStorageConnection, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", saga.ErrStorageOperation, op, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnection(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func idemFields(rec *idempotency.Record) []any {
	return []any{
		"status", string(rec.Status),
		"result", string(rec.Result),
		"error", rec.Error,
		"created_at", formatTime(rec.CreatedAt),
		"expires_at", formatTime(rec.ExpiresAt),
		"expires_ms", unixMilli(rec.ExpiresAt),
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func decodeIdem(key string, h map[string]string) (*idempotency.Record, error) {
	rec := &idempotency.Record{
		Key:    key,
		Status: idempotency.Status(h["status"]),
		Error:  h["error"],
	}
	if r := h["result"]; r != "" {
		rec.Result = json.RawMessage(r)
	}
	var err error
	if rec.CreatedAt, err = parseTime(h["created_at"]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", idempotency.ErrCorruptRecord, key, err)
	}
	if rec.ExpiresAt, err = parseTime(h["expires_at"]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", idempotency.ErrCorruptRecord, key, err)
	}
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("%w: %s: status %q", idempotency.ErrCorruptRecord, key, rec.Status)
	}
	return rec, nil
}

// GetIdempotency returns the live record for key.
func (s *Store) GetIdempotency(ctx context.Context, key string) (*idempotency.Record, error) {
	var h map[string]string
	err := s.do(ctx, "get idempotency", func(ctx context.Context) error {
		var err error
		h, err = s.client.HGetAll(ctx, s.idemKey(key)).Result()
		return err
	})
	if err != nil || len(h) == 0 {
		return nil, err
	}
	rec, err := decodeIdem(key, h)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return rec, nil
}

// SetIdempotency replaces the record for rec.Key and sets its expiry in one
// transaction.
func (s *Store) SetIdempotency(ctx context.Context, rec *idempotency.Record, ttl time.Duration) error {
	if rec == nil || rec.Key == "" {
		return idempotency.ErrEmptyKey
	}
	key := s.idemKey(rec.Key)
	return s.do(ctx, "set idempotency", func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, idemFields(rec)...)
			if ttl > 0 {
				pipe.PExpire(ctx, key, ttl)
			}
			return nil
		})
		return err
	})
}

// ClaimIdempotency writes rec only if no live record exists for its key. A
// record past its expires_at is replaced even if Redis has not evicted it yet.
func (s *Store) ClaimIdempotency(ctx context.Context, rec *idempotency.Record, ttl time.Duration) (bool, error) {
	if rec == nil || rec.Key == "" {
		return false, idempotency.ErrEmptyKey
	}
	args := append([]any{s.now().UnixMilli(), ttl.Milliseconds()}, idemFields(rec)...)

	var n int64
	err := s.do(ctx, "claim idempotency", func(ctx context.Context) error {
		var err error
		n, err = claimScript.Run(ctx, s.client, []string{s.idemKey(rec.Key)}, args...).Int64()
		return err
	})
	return n == 1, err
}

// DeleteIdempotency removes key and its index entry.
func (s *Store) DeleteIdempotency(ctx context.Context, key string) (bool, error) {
	var del *redis.IntCmd
	err := s.do(ctx, "delete idempotency", func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, s.idemKey(key))
			pipe.ZRem(ctx, s.idemIndexKey(), key)
			return nil
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// DeleteExpiredIdempotency removes key unless its record is still live at
// now, then drops its index entry if the entry is older than now. A record
// re-claimed meanwhile keeps both.
func (s *Store) DeleteExpiredIdempotency(ctx context.Context, key string, now time.Time) (bool, error) {
	var deleted, unindexed int64
	err := s.do(ctx, "purge idempotency", func(ctx context.Context) error {
		var err error
		deleted, err = purgeScript.Run(ctx, s.client, []string{s.idemKey(key)}, now.UnixMilli()).Int64()
		if err != nil || deleted < 0 {
			return err
		}
		unindexed, err = unindexScript.Run(ctx, s.client, []string{s.idemIndexKey()}, key, now.UnixMilli()).Int64()
		return err
	})
	if err != nil {
		return false, err
	}
	return deleted > 0 || unindexed > 0, nil
}

// IndexIdempotency records key in the expiry index.
func (s *Store) IndexIdempotency(ctx context.Context, key string, ts time.Time) error {
	return s.do(ctx, "index idempotency", func(ctx context.Context) error {
		return s.client.ZAdd(ctx, s.idemIndexKey(), redis.Z{
			Score:  float64(ts.UnixMilli()),
			Member: key,
		}).Err()
	})
}

// GetExpiredIdempotencyKeys returns indexed keys with a score before the
// given time, oldest first.
func (s *Store) GetExpiredIdempotencyKeys(ctx context.Context, before time.Time) ([]string, error) {
	var keys []string
	err := s.do(ctx, "expired idempotency keys", func(ctx context.Context) error {
		var err error
		keys, err = s.client.ZRangeByScore(ctx, s.idemIndexKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
		}).Result()
		return err
	})
	return keys, err
}

// GetSaga returns the saga record.
func (s *Store) GetSaga(ctx context.Context, id string) (*saga.SagaRecord, error) {
	var raw []byte
	err := s.do(ctx, "get saga", func(ctx context.Context) error {
		var err error
		raw, err = s.client.Get(ctx, s.sagaKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			raw = nil
			return nil
		}
		return err
	})
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeSaga(id, raw)
}

func decodeSaga(id string, raw []byte) (*saga.SagaRecord, error) {
	var rec saga.SagaRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode saga %s: %v", saga.ErrStorageOperation, id, err)
	}
	return &rec, nil
}

// SetSaga stores rec and indexes it under its tenant.
func (s *Store) SetSaga(ctx context.Context, rec *saga.SagaRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: saga record without id", saga.ErrStorageOperation)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode saga %s: %v", saga.ErrStorageOperation, rec.ID, err)
	}
	return s.do(ctx, "set saga", func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.sagaKey(rec.ID), raw, 0)
			pipe.ZAdd(ctx, s.tenantSagas(rec.TenantID), redis.Z{
				Score:  float64(rec.CreatedAt.UnixMilli()),
				Member: rec.ID,
			})
			return nil
		})
		return err
	})
}

// DeleteSaga removes the saga, its history and its tenant index entry.
func (s *Store) DeleteSaga(ctx context.Context, id string) (bool, error) {
	rec, err := s.GetSaga(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, s.ClearSagaHistory(ctx, id)
	}
	var del *redis.IntCmd
	err = s.do(ctx, "delete saga", func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, s.sagaKey(id))
			pipe.Del(ctx, s.historyKey(id))
			pipe.ZRem(ctx, s.tenantSagas(rec.TenantID), id)
			return nil
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// AppendSagaHistory appends entry to the saga's history list.
func (s *Store) AppendSagaHistory(ctx context.Context, id string, entry saga.HistoryEntry) error {
	entry.SagaID = id
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: encode history of %s: %v", saga.ErrStorageOperation, id, err)
	}
	return s.do(ctx, "append history", func(ctx context.Context) error {
		return s.client.RPush(ctx, s.historyKey(id), raw).Err()
	})
}

// GetSagaHistory returns up to limit entries, newest first.
func (s *Store) GetSagaHistory(ctx context.Context, id string, limit int) ([]saga.HistoryEntry, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	var raw []string
	err := s.do(ctx, "get history", func(ctx context.Context) error {
		var err error
		raw, err = s.client.LRange(ctx, s.historyKey(id), start, -1).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]saga.HistoryEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e saga.HistoryEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			return nil, fmt.Errorf("%w: decode history of %s: %v", saga.ErrStorageOperation, id, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ClearSagaHistory drops the saga's history.
func (s *Store) ClearSagaHistory(ctx context.Context, id string) error {
	return s.do(ctx, "clear history", func(ctx context.Context) error {
		return s.client.Del(ctx, s.historyKey(id)).Err()
	})
}

func opFields(rec *saga.OperationRecord) []any {
	return []any{
		"id", rec.ID,
		"tenant_id", rec.TenantID,
		"kind", rec.Kind,
		"status", string(rec.Status),
		"saga_id", rec.SagaID,
		"result", string(rec.Result),
		"error", rec.Error,
		"created_at", formatTime(rec.CreatedAt),
		"updated_at", formatTime(rec.UpdatedAt),
	}
}

func decodeOp(h map[string]string) (*saga.OperationRecord, error) {
	rec := &saga.OperationRecord{
		ID:       h["id"],
		TenantID: h["tenant_id"],
		Kind:     h["kind"],
		Status:   saga.OperationStatus(h["status"]),
		SagaID:   h["saga_id"],
		Error:    h["error"],
	}
	if r := h["result"]; r != "" {
		rec.Result = json.RawMessage(r)
	}
	var err error
	if rec.CreatedAt, err = parseTime(h["created_at"]); err != nil {
		return nil, fmt.Errorf("%w: decode operation %s: %v", saga.ErrStorageOperation, rec.ID, err)
	}
	if rec.UpdatedAt, err = parseTime(h["updated_at"]); err != nil {
		return nil, fmt.Errorf("%w: decode operation %s: %v", saga.ErrStorageOperation, rec.ID, err)
	}
	return rec, nil
}

// GetOperation returns the operation record.
func (s *Store) GetOperation(ctx context.Context, id string) (*saga.OperationRecord, error) {
	var h map[string]string
	err := s.do(ctx, "get operation", func(ctx context.Context) error {
		var err error
		h, err = s.client.HGetAll(ctx, s.opKey(id)).Result()
		return err
	})
	if err != nil || len(h) == 0 {
		return nil, err
	}
	return decodeOp(h)
}

// SetOperation replaces the operation record; a non-positive ttl keeps it
// until deleted.
func (s *Store) SetOperation(ctx context.Context, rec *saga.OperationRecord, ttl time.Duration) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: operation record without id", saga.ErrStorageOperation)
	}
	key := s.opKey(rec.ID)
	return s.do(ctx, "set operation", func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, opFields(rec)...)
			if ttl > 0 {
				pipe.PExpire(ctx, key, ttl)
			}
			pipe.ZAdd(ctx, s.tenantOps(rec.TenantID), redis.Z{
				Score:  float64(rec.CreatedAt.UnixMilli()),
				Member: rec.ID,
			})
			return nil
		})
		return err
	})
}

// DeleteOperation removes the operation and its tenant index entry.
func (s *Store) DeleteOperation(ctx context.Context, id string) (bool, error) {
	var tenant string
	err := s.do(ctx, "get operation tenant", func(ctx context.Context) error {
		var err error
		tenant, err = s.client.HGet(ctx, s.opKey(id), "tenant_id").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}

	var del *redis.IntCmd
	err = s.do(ctx, "delete operation", func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, s.opKey(id))
			pipe.ZRem(ctx, s.tenantOps(tenant), id)
			return nil
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// tenantPage reads one page of ids from a tenant index, newest first.
func (s *Store) tenantPage(ctx context.Context, index string, limit, offset int) ([]string, error) {
	if offset < 0 {
		offset = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	var ids []string
	err := s.do(ctx, "list tenant", func(ctx context.Context) error {
		var err error
		ids, err = s.client.ZRevRange(ctx, index, int64(offset), stop).Result()
		return err
	})
	return ids, err
}

// prune removes index members whose records are gone.
func (s *Store) prune(ctx context.Context, index string, ids []string) {
	if len(ids) == 0 {
		return
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.client.ZRem(ctx, index, members...).Err(); err != nil {
		s.logger.Warn().Err(err).Str("index", index).Msg("prune tenant index failed")
	}
}

// ListSagasByTenant returns the tenant's sagas, newest first.
func (s *Store) ListSagasByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*saga.SagaRecord, error) {
	index := s.tenantSagas(tenantID)
	ids, err := s.tenantPage(ctx, index, limit, offset)
	if err != nil || len(ids) == 0 {
		return []*saga.SagaRecord{}, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sagaKey(id)
	}
	var vals []any
	err = s.do(ctx, "list sagas", func(ctx context.Context) error {
		var err error
		vals, err = s.client.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]*saga.SagaRecord, 0, len(ids))
	var dangling []string
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			dangling = append(dangling, ids[i])
			continue
		}
		rec, err := decodeSaga(ids[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	s.prune(ctx, index, dangling)
	return out, nil
}

// ListOperationsByTenant returns the tenant's live operations, newest first.
func (s *Store) ListOperationsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*saga.OperationRecord, error) {
	index := s.tenantOps(tenantID)
	ids, err := s.tenantPage(ctx, index, limit, offset)
	if err != nil || len(ids) == 0 {
		return []*saga.OperationRecord{}, err
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	err = s.do(ctx, "list operations", func(ctx context.Context) error {
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = pipe.HGetAll(ctx, s.opKey(id))
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]*saga.OperationRecord, 0, len(ids))
	var dangling []string
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			dangling = append(dangling, ids[i])
			continue
		}
		rec, err := decodeOp(h)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	s.prune(ctx, index, dangling)
	return out, nil
}

// AcquireLock takes key with SET NX under a fresh holder token and returns
// the token.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	var ok bool
	err := s.do(ctx, "acquire lock", func(ctx context.Context) error {
		var err error
		ok, err = s.client.SetNX(ctx, s.lockKey(key), token, ttl).Result()
		return err
	})
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock deletes key if it still holds token.
func (s *Store) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	var n int64
	err := s.do(ctx, "release lock", func(ctx context.Context) error {
		var err error
		n, err = releaseScript.Run(ctx, s.client, []string{s.lockKey(key)}, token).Int64()
		return err
	})
	return n == 1, err
}

// ExtendLock resets the expiry of key if it still holds token.
func (s *Store) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var n int64
	err := s.do(ctx, "extend lock", func(ctx context.Context) error {
		var err error
		n, err = extendScript.Run(ctx, s.client, []string{s.lockKey(key)}, token, ttl.Milliseconds()).Int64()
		return err
	})
	return n == 1, err
}

// CleanupExpiredData removes index entries whose records Redis has already
// expired and returns how many were removed. Record expiry itself is native.
func (s *Store) CleanupExpiredData(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.GetExpiredIdempotencyKeys(ctx, now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range stale {
		var n int64
		err := s.do(ctx, "cleanup idempotency index", func(ctx context.Context) error {
			exists, err := s.client.Exists(ctx, s.idemKey(key)).Result()
			if err != nil || exists > 0 {
				return err
			}
			n, err = s.client.ZRem(ctx, s.idemIndexKey(), key).Result()
			return err
		})
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}

	n, err := s.cleanupTenantOps(ctx)
	return removed + n, err
}

// cleanupTenantOps prunes operation index members whose hashes expired.
func (s *Store) cleanupTenantOps(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"tenant:*:ops", 100).Iterator()
	for iter.Next(ctx) {
		index := iter.Val()
		ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
		if err != nil {
			return removed, classify("cleanup operations", err)
		}
		var dangling []string
		for _, id := range ids {
			exists, err := s.client.Exists(ctx, s.opKey(id)).Result()
			if err != nil {
				return removed, classify("cleanup operations", err)
			}
			if exists == 0 {
				dangling = append(dangling, id)
			}
		}
		s.prune(ctx, index, dangling)
		removed += len(dangling)
	}
	return removed, classify("cleanup operations", iter.Err())
}

// HealthCheck pings Redis and reports pool statistics.
func (s *Store) HealthCheck(ctx context.Context) saga.HealthStatus {
	h := saga.HealthStatus{Backend: backendName, CheckedAt: s.now()}

	start := time.Now()
	err := s.do(ctx, "ping", func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
	if err != nil {
		h.Status = saga.HealthUnhealthy
		h.Error = err.Error()
		return h
	}

	h.Status = saga.HealthHealthy
	h.Metrics = map[string]any{
		"ping_ms": time.Since(start).Milliseconds(),
		"prefix":  strings.TrimSuffix(s.prefix, ":"),
	}
	if ps := s.client.PoolStats(); ps != nil {
		h.Metrics["pool_hits"] = ps.Hits
		h.Metrics["pool_misses"] = ps.Misses
		h.Metrics["pool_total_conns"] = ps.TotalConns
		h.Metrics["pool_idle_conns"] = ps.IdleConns
	}
	return h
}

// Backend returns "redis".
func (s *Store) Backend() string {
	return backendName
}

// Durable is true: state is shared by every process using the server.
func (s *Store) Durable() bool {
	return true
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
