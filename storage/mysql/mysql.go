// Package mysql provides a saga.Storage backend on MySQL.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"saga"
	"saga/idempotency"
)

var _ saga.Storage = (*Store)(nil)

const backendName = "mysql"

// schema creates the tables used by Store.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS saga_idempotency (
		idem_key    VARCHAR(255) NOT NULL PRIMARY KEY,
		status      VARCHAR(16)  NOT NULL,
		result      LONGBLOB     NULL,
		error_msg   TEXT         NULL,
		created_at  DATETIME(6)  NOT NULL,
		expires_at  DATETIME(6)  NULL,
		indexed_at  DATETIME(6)  NULL,
		INDEX idx_idem_expires (expires_at),
		INDEX idx_idem_indexed (indexed_at)
	)`,
	`CREATE TABLE IF NOT EXISTS saga_instances (
		saga_id     VARCHAR(64)  NOT NULL PRIMARY KEY,
		saga_type   VARCHAR(128) NOT NULL,
		tenant_id   VARCHAR(128) NOT NULL DEFAULT '',
		status      VARCHAR(32)  NOT NULL,
		data        LONGBLOB     NOT NULL,
		created_at  DATETIME(6)  NOT NULL,
		updated_at  DATETIME(6)  NOT NULL,
		INDEX idx_instances_tenant (tenant_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS saga_history (
		id          BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		saga_id     VARCHAR(64)  NOT NULL,
		entry       LONGBLOB     NOT NULL,
		created_at  DATETIME(6)  NOT NULL,
		INDEX idx_history_saga (saga_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS saga_operations (
		op_id       VARCHAR(64)  NOT NULL PRIMARY KEY,
		tenant_id   VARCHAR(128) NOT NULL DEFAULT '',
		kind        VARCHAR(128) NOT NULL,
		status      VARCHAR(16)  NOT NULL,
		saga_id     VARCHAR(64)  NOT NULL DEFAULT '',
		result      LONGBLOB     NULL,
		error_msg   TEXT         NULL,
		created_at  DATETIME(6)  NOT NULL,
		updated_at  DATETIME(6)  NOT NULL,
		expires_at  DATETIME(6)  NULL,
		INDEX idx_operations_tenant (tenant_id, created_at),
		INDEX idx_operations_expires (expires_at)
	)`,
	`CREATE TABLE IF NOT EXISTS saga_locks (
		lock_key    VARCHAR(255) NOT NULL PRIMARY KEY,
		token       VARCHAR(64)  NOT NULL,
		expires_at  DATETIME(6)  NOT NULL
	)`,
}

// Store implements saga.Storage on a MySQL database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store on db. The store owns db and closes it.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrap("migrate", err)
		}
	}
	return nil
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// ============================================================================
// Idempotency Operations
// ============================================================================

// GetIdempotency returns the live record for key.
func (s *Store) GetIdempotency(ctx context.Context, key string) (*idempotency.Record, error) {
	query := `
		SELECT status, result, error_msg, created_at, expires_at
		FROM saga_idempotency
		WHERE idem_key = ? AND (expires_at IS NULL OR expires_at > ?)
	`

	rec := &idempotency.Record{Key: key}
	var (
		result    []byte
		errMsg    sql.NullString
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, key, s.clock()).Scan(
		&rec.Status, &result, &errMsg, &rec.CreatedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get idempotency", err)
	}
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("%w: %s: status %q", idempotency.ErrCorruptRecord, key, rec.Status)
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	rec.Error = errMsg.String
	rec.ExpiresAt = expiresAt.Time
	return rec, nil
}

func (s *Store) expiry(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: s.clock().Add(ttl), Valid: true}
}

// idemExpiry is the earlier of the ttl expiry and the record's own ExpiresAt.
func (s *Store) idemExpiry(rec *idempotency.Record, ttl time.Duration) sql.NullTime {
	at := s.expiry(ttl)
	if !rec.ExpiresAt.IsZero() && (!at.Valid || rec.ExpiresAt.Before(at.Time)) {
		return sql.NullTime{Time: rec.ExpiresAt.UTC(), Valid: true}
	}
	return at
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// SetIdempotency upserts rec with ttl.
func (s *Store) SetIdempotency(ctx context.Context, rec *idempotency.Record, ttl time.Duration) error {
	if rec == nil || rec.Key == "" {
		return idempotency.ErrEmptyKey
	}
	query := `
		INSERT INTO saga_idempotency (idem_key, status, result, error_msg, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status), result = VALUES(result), error_msg = VALUES(error_msg),
			created_at = VALUES(created_at), expires_at = VALUES(expires_at)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.Key, string(rec.Status), nullBytes(rec.Result), rec.Error, createdAt(rec.CreatedAt, s.clock()), s.idemExpiry(rec, ttl),
	)
	return wrap("set idempotency", err)
}

func createdAt(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}

// ClaimIdempotency inserts rec unless a live record exists. An expired row is
// deleted first; the primary key decides between concurrent claimers.
func (s *Store) ClaimIdempotency(ctx context.Context, rec *idempotency.Record, ttl time.Duration) (bool, error) {
	if rec == nil || rec.Key == "" {
		return false, idempotency.ErrEmptyKey
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM saga_idempotency WHERE idem_key = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		rec.Key, s.clock(),
	)
	if err != nil {
		return false, wrap("claim idempotency", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_idempotency (idem_key, status, result, error_msg, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.Key, string(rec.Status), nullBytes(rec.Result), rec.Error, createdAt(rec.CreatedAt, s.clock()), s.idemExpiry(rec, ttl))
	if isDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, wrap("claim idempotency", err)
	}
	return true, nil
}

// DeleteIdempotency removes key; the expiry index is a column of the same row.
func (s *Store) DeleteIdempotency(ctx context.Context, key string) (bool, error) {
	return s.deleteRow(ctx, "delete idempotency", `DELETE FROM saga_idempotency WHERE idem_key = ?`, key)
}

// DeleteExpiredIdempotency removes key's row only if it has expired at now.
func (s *Store) DeleteExpiredIdempotency(ctx context.Context, key string, now time.Time) (bool, error) {
	return s.deleteRow(ctx, "purge idempotency",
		`DELETE FROM saga_idempotency WHERE idem_key = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		key, now.UTC())
}

// IndexIdempotency stamps key's row with its index timestamp.
func (s *Store) IndexIdempotency(ctx context.Context, key string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE saga_idempotency SET indexed_at = ? WHERE idem_key = ?`,
		ts.UTC(), key,
	)
	return wrap("index idempotency", err)
}

// GetExpiredIdempotencyKeys returns indexed keys stamped before the given
// time, oldest first.
func (s *Store) GetExpiredIdempotencyKeys(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idem_key FROM saga_idempotency
		WHERE indexed_at IS NOT NULL AND indexed_at < ?
		ORDER BY indexed_at ASC
	`, before.UTC())
	if err != nil {
		return nil, wrap("expired idempotency keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrap("expired idempotency keys", err)
		}
		keys = append(keys, key)
	}
	return keys, wrap("expired idempotency keys", rows.Err())
}

// ============================================================================
// Saga Operations
// ============================================================================

// GetSaga returns the saga record.
func (s *Store) GetSaga(ctx context.Context, id string) (*saga.SagaRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM saga_instances WHERE saga_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get saga", err)
	}
	return decodeSaga(id, data)
}

func decodeSaga(id string, data []byte) (*saga.SagaRecord, error) {
	var rec saga.SagaRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode saga %s: %v", saga.ErrStorageOperation, id, err)
	}
	return &rec, nil
}

// SetSaga upserts rec.
func (s *Store) SetSaga(ctx context.Context, rec *saga.SagaRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: saga record without id", saga.ErrStorageOperation)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode saga %s: %v", saga.ErrStorageOperation, rec.ID, err)
	}

	query := `
		INSERT INTO saga_instances (saga_id, saga_type, tenant_id, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			saga_type = VALUES(saga_type), tenant_id = VALUES(tenant_id), status = VALUES(status),
			data = VALUES(data), updated_at = VALUES(updated_at)
	`
	now := s.clock()
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.Type, rec.TenantID, string(rec.Status), data,
		createdAt(rec.CreatedAt, now), createdAt(rec.UpdatedAt, now),
	)
	return wrap("set saga", err)
}

// DeleteSaga removes the saga and its history in one transaction.
func (s *Store) DeleteSaga(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrap("delete saga", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_history WHERE saga_id = ?`, id); err != nil {
		return false, wrap("delete saga", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM saga_instances WHERE saga_id = ?`, id)
	if err != nil {
		return false, wrap("delete saga", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("delete saga", err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrap("delete saga", err)
	}
	return n > 0, nil
}

// AppendSagaHistory appends entry to the saga's history.
func (s *Store) AppendSagaHistory(ctx context.Context, id string, entry saga.HistoryEntry) error {
	entry.SagaID = id
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: encode history of %s: %v", saga.ErrStorageOperation, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO saga_history (saga_id, entry, created_at) VALUES (?, ?, ?)`,
		id, data, createdAt(entry.Timestamp, s.clock()),
	)
	return wrap("append history", err)
}

// GetSagaHistory returns up to limit entries, newest first.
func (s *Store) GetSagaHistory(ctx context.Context, id string, limit int) ([]saga.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry FROM saga_history
		WHERE saga_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, id, sqlLimit(limit))
	if err != nil {
		return nil, wrap("get history", err)
	}
	defer rows.Close()

	var out []saga.HistoryEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, wrap("get history", err)
		}
		var e saga.HistoryEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: decode history of %s: %v", saga.ErrStorageOperation, id, err)
		}
		out = append(out, e)
	}
	return out, wrap("get history", rows.Err())
}

// ClearSagaHistory drops the saga's history.
func (s *Store) ClearSagaHistory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM saga_history WHERE saga_id = ?`, id)
	return wrap("clear history", err)
}

// ListSagasByTenant returns the tenant's sagas, newest first.
func (s *Store) ListSagasByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*saga.SagaRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id, data FROM saga_instances
		WHERE tenant_id = ?
		ORDER BY created_at DESC, saga_id ASC
		LIMIT ? OFFSET ?
	`, tenantID, sqlLimit(limit), max(offset, 0))
	if err != nil {
		return nil, wrap("list sagas", err)
	}
	defer rows.Close()

	out := []*saga.SagaRecord{}
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, wrap("list sagas", err)
		}
		rec, err := decodeSaga(id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, wrap("list sagas", rows.Err())
}

// ============================================================================
// Background Operations
// ============================================================================

const opColumns = `op_id, tenant_id, kind, status, saga_id, result, error_msg, created_at, updated_at`

func scanOp(row interface{ Scan(...any) error }) (*saga.OperationRecord, error) {
	rec := &saga.OperationRecord{}
	var (
		result []byte
		errMsg sql.NullString
	)
	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.Kind, &rec.Status, &rec.SagaID,
		&result, &errMsg, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	rec.Error = errMsg.String
	return rec, nil
}

// GetOperation returns the live operation record.
func (s *Store) GetOperation(ctx context.Context, id string) (*saga.OperationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+opColumns+` FROM saga_operations
		WHERE op_id = ? AND (expires_at IS NULL OR expires_at > ?)
	`, id, s.clock())
	rec, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get operation", err)
	}
	return rec, nil
}

// SetOperation upserts rec; a non-positive ttl keeps it until deleted.
func (s *Store) SetOperation(ctx context.Context, rec *saga.OperationRecord, ttl time.Duration) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: operation record without id", saga.ErrStorageOperation)
	}
	query := `
		INSERT INTO saga_operations (` + opColumns + `, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			tenant_id = VALUES(tenant_id), kind = VALUES(kind), status = VALUES(status),
			saga_id = VALUES(saga_id), result = VALUES(result), error_msg = VALUES(error_msg),
			updated_at = VALUES(updated_at), expires_at = VALUES(expires_at)
	`
	now := s.clock()
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.TenantID, rec.Kind, string(rec.Status), rec.SagaID,
		nullBytes(rec.Result), rec.Error,
		createdAt(rec.CreatedAt, now), createdAt(rec.UpdatedAt, now), s.expiry(ttl),
	)
	return wrap("set operation", err)
}

// DeleteOperation removes the operation record.
func (s *Store) DeleteOperation(ctx context.Context, id string) (bool, error) {
	return s.deleteRow(ctx, "delete operation", `DELETE FROM saga_operations WHERE op_id = ?`, id)
}

// ListOperationsByTenant returns the tenant's live operations, newest first.
func (s *Store) ListOperationsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*saga.OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opColumns+` FROM saga_operations
		WHERE tenant_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC, op_id ASC
		LIMIT ? OFFSET ?
	`, tenantID, s.clock(), sqlLimit(limit), max(offset, 0))
	if err != nil {
		return nil, wrap("list operations", err)
	}
	defer rows.Close()

	out := []*saga.OperationRecord{}
	for rows.Next() {
		rec, err := scanOp(rows)
		if err != nil {
			return nil, wrap("list operations", err)
		}
		out = append(out, rec)
	}
	return out, wrap("list operations", rows.Err())
}

// ============================================================================
// Lock Operations
// ============================================================================

// AcquireLock inserts a lock row under a fresh token after removing an
// expired one, and returns the token.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	now := s.clock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM saga_locks WHERE lock_key = ? AND expires_at <= ?`,
		key, now,
	)
	if err != nil {
		return "", false, wrap("acquire lock", err)
	}

	token := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO saga_locks (lock_key, token, expires_at) VALUES (?, ?, ?)`,
		key, token, now.Add(ttl),
	)
	if isDuplicateKeyError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("acquire lock", err)
	}
	return token, true, nil
}

// ReleaseLock deletes key if it is still held under token.
func (s *Store) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	return s.deleteRow(ctx, "release lock",
		`DELETE FROM saga_locks WHERE lock_key = ? AND token = ?`, key, token)
}

// ExtendLock moves the expiry of an unexpired lock held under token.
func (s *Store) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE saga_locks SET expires_at = ? WHERE lock_key = ? AND token = ? AND expires_at > ?`,
		now.Add(ttl), key, token, now,
	)
	if err != nil {
		return false, wrap("extend lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("extend lock", err)
	}
	return n > 0, nil
}

// ============================================================================
// Maintenance
// ============================================================================

// CleanupExpiredData deletes expired idempotency records, operations and
// locks and returns how many rows were removed.
func (s *Store) CleanupExpiredData(ctx context.Context) (int, error) {
	now := s.clock()
	stmts := []string{
		`DELETE FROM saga_idempotency WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		`DELETE FROM saga_operations WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		`DELETE FROM saga_locks WHERE expires_at <= ?`,
	}

	removed := 0
	for _, stmt := range stmts {
		res, err := s.db.ExecContext(ctx, stmt, now)
		if err != nil {
			return removed, wrap("cleanup", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, wrap("cleanup", err)
		}
		removed += int(n)
	}
	return removed, nil
}

// HealthCheck pings the database and reports pool statistics.
func (s *Store) HealthCheck(ctx context.Context) saga.HealthStatus {
	h := saga.HealthStatus{Backend: backendName, CheckedAt: s.clock()}

	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		h.Status = saga.HealthUnhealthy
		h.Error = wrap("ping", err).Error()
		return h
	}

	st := s.db.Stats()
	h.Status = saga.HealthHealthy
	h.Metrics = map[string]any{
		"ping_ms":          time.Since(start).Milliseconds(),
		"open_connections": st.OpenConnections,
		"in_use":           st.InUse,
		"idle":             st.Idle,
		"wait_count":       st.WaitCount,
	}
	return h
}

// Backend returns "mysql".
func (s *Store) Backend() string {
	return backendName
}

// Durable is true.
func (s *Store) Durable() bool {
	return true
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// Helper Functions
// ============================================================================

func (s *Store) deleteRow(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap(op, err)
	}
	return n > 0, nil
}

// sqlLimit maps "no limit" onto a LIMIT clause value.
func sqlLimit(limit int) int64 {
	if limit <= 0 {
		return math.MaxInt64
	}
	return int64(limit)
}

// isDuplicateKeyError checks if the error is a MySQL duplicate key error.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}

// wrap maps driver errors onto the saga storage errors.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %v", saga.ErrStorageTimeout, op, err)
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, sql.ErrConnDone),
		errors.As(err, &opErr):
		return fmt.Errorf("%w: %s: %v", saga.ErrStorageConnection, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", saga.ErrStorageOperation, op, err)
	}
}
