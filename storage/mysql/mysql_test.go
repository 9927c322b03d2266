package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saga"
	"saga/idempotency"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := New(db, WithClock(func() time.Time { return testNow }))
	t.Cleanup(func() {
		mock.ExpectClose()
		_ = s.Close()
	})
	return s, mock
}

func duplicateEntry() error {
	return &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'k' for key 'PRIMARY'"}
}

func TestMigrate(t *testing.T) {
	s, mock := newTestStore(t)

	for _, table := range []string{"saga_idempotency", "saga_instances", "saga_history", "saga_operations", "saga_locks"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIdempotency(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"status", "result", "error_msg", "created_at", "expires_at"}).
		AddRow("completed", []byte(`{"saga_id":"s1"}`), nil, testNow, testNow.Add(time.Hour))
	mock.ExpectQuery("SELECT status, result, error_msg, created_at, expires_at FROM saga_idempotency").
		WithArgs("billing:k1", testNow).
		WillReturnRows(rows)

	rec, err := s.GetIdempotency(context.Background(), "billing:k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusCompleted, rec.Status)
	assert.JSONEq(t, `{"saga_id":"s1"}`, string(rec.Result))
	assert.Equal(t, testNow.Add(time.Hour), rec.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIdempotencyMissing(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("FROM saga_idempotency").
		WithArgs("k", testNow).
		WillReturnRows(sqlmock.NewRows([]string{"status", "result", "error_msg", "created_at", "expires_at"}))

	rec, err := s.GetIdempotency(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGetIdempotencyCorrupt(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"status", "result", "error_msg", "created_at", "expires_at"}).
		AddRow("exploded", nil, nil, testNow, nil)
	mock.ExpectQuery("FROM saga_idempotency").WillReturnRows(rows)

	_, err := s.GetIdempotency(context.Background(), "k")
	assert.ErrorIs(t, err, idempotency.ErrCorruptRecord)
}

func TestSetIdempotency(t *testing.T) {
	s, mock := newTestStore(t)

	rec := &idempotency.Record{Key: "k", Status: idempotency.StatusFailed, Error: "boom", CreatedAt: testNow}
	mock.ExpectExec("INSERT INTO saga_idempotency .+ ON DUPLICATE KEY UPDATE").
		WithArgs("k", "failed", nil, "boom", testNow, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetIdempotency(context.Background(), rec, time.Hour))
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.ErrorIs(t, s.SetIdempotency(context.Background(), &idempotency.Record{}, time.Hour), idempotency.ErrEmptyKey)
}

func TestClaimIdempotency(t *testing.T) {
	rec := &idempotency.Record{Key: "k", Status: idempotency.StatusPending, CreatedAt: testNow}

	t.Run("claimed", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectExec("DELETE FROM saga_idempotency WHERE idem_key = \\? AND expires_at IS NOT NULL").
			WithArgs("k", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO saga_idempotency").
			WithArgs("k", "pending", nil, "", testNow, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := s.ClaimIdempotency(context.Background(), rec, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("live record wins", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectExec("DELETE FROM saga_idempotency").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO saga_idempotency").WillReturnError(duplicateEntry())

		ok, err := s.ClaimIdempotency(context.Background(), rec, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("driver failure", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectExec("DELETE FROM saga_idempotency").WillReturnError(mysql.ErrInvalidConn)

		_, err := s.ClaimIdempotency(context.Background(), rec, time.Minute)
		assert.ErrorIs(t, err, saga.ErrStorageConnection)
	})
}

func TestSetIdempotencyKeepsRecordExpiry(t *testing.T) {
	s, mock := newTestStore(t)

	// A record past its own expiry must not be kept alive by the write ttl.
	rec := &idempotency.Record{
		Key:       "k",
		Status:    idempotency.StatusCompleted,
		CreatedAt: testNow.Add(-2 * time.Minute),
		ExpiresAt: testNow.Add(-time.Minute),
	}
	mock.ExpectExec("INSERT INTO saga_idempotency .+ ON DUPLICATE KEY UPDATE").
		WithArgs("k", "completed", nil, "", rec.CreatedAt, sql.NullTime{Time: rec.ExpiresAt, Valid: true}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetIdempotency(context.Background(), rec, time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredIdempotency(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM saga_idempotency WHERE idem_key = \\? AND expires_at IS NOT NULL AND expires_at <= \\?").
		WithArgs("old", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	purged, err := s.DeleteExpiredIdempotency(ctx, "old", testNow)
	require.NoError(t, err)
	assert.True(t, purged)

	mock.ExpectExec("DELETE FROM saga_idempotency WHERE idem_key = \\? AND expires_at IS NOT NULL AND expires_at <= \\?").
		WithArgs("reclaimed", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	purged, err = s.DeleteExpiredIdempotency(ctx, "reclaimed", testNow)
	require.NoError(t, err)
	assert.False(t, purged, "a live row must survive the purge")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyIndex(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE saga_idempotency SET indexed_at").
		WithArgs(testNow, "k").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.IndexIdempotency(ctx, "k", testNow))

	mock.ExpectQuery("SELECT idem_key FROM saga_idempotency").
		WithArgs(testNow).
		WillReturnRows(sqlmock.NewRows([]string{"idem_key"}).AddRow("a").AddRow("b"))
	keys, err := s.GetExpiredIdempotencyKeys(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	mock.ExpectExec("DELETE FROM saga_idempotency WHERE idem_key = \\?$").
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	existed, err := s.DeleteIdempotency(ctx, "a")
	require.NoError(t, err)
	assert.True(t, existed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaRoundTrip(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	rec := &saga.SagaRecord{
		ID:        "s1",
		Type:      "billing",
		TenantID:  "t1",
		Status:    saga.StatusRunning,
		Steps:     []string{"a", "b"},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	mock.ExpectExec("INSERT INTO saga_instances .+ ON DUPLICATE KEY UPDATE").
		WithArgs("s1", "billing", "t1", "running", sqlmock.AnyArg(), testNow, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetSaga(ctx, rec))

	mock.ExpectQuery("SELECT data FROM saga_instances WHERE saga_id = \\?").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"id":"s1","type":"billing","status":"running","steps":["a","b"]}`)))
	got, err := s.GetSaga(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"a", "b"}, got.Steps)

	mock.ExpectQuery("SELECT data FROM saga_instances").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	got, err = s.GetSaga(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSaga(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM saga_history WHERE saga_id = \\?").
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM saga_instances WHERE saga_id = \\?").
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	existed, err := s.DeleteSaga(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSagaRollsBackOnError(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM saga_history").WillReturnError(errors.New("lock wait timeout exceeded"))
	mock.ExpectRollback()

	_, err := s.DeleteSaga(context.Background(), "s1")
	assert.ErrorIs(t, err, saga.ErrStorageOperation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaHistory(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO saga_history").
		WithArgs("s1", sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.AppendSagaHistory(ctx, "s1", saga.HistoryEntry{Kind: saga.HistoryAnnotation, Message: "m0"}))

	mock.ExpectQuery("SELECT entry FROM saga_history .+ ORDER BY id DESC").
		WithArgs("s1", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"entry"}).
			AddRow([]byte(`{"saga_id":"s1","kind":"annotation","message":"m2"}`)).
			AddRow([]byte(`{"saga_id":"s1","kind":"annotation","message":"m1"}`)))
	hist, err := s.GetSagaHistory(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "m2", hist[0].Message)

	mock.ExpectQuery("SELECT entry FROM saga_history").
		WithArgs("s1", int64(math.MaxInt64)).
		WillReturnRows(sqlmock.NewRows([]string{"entry"}))
	hist, err = s.GetSagaHistory(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSagasByTenant(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT saga_id, data FROM saga_instances .+ ORDER BY created_at DESC").
		WithArgs("t1", int64(2), 1).
		WillReturnRows(sqlmock.NewRows([]string{"saga_id", "data"}).
			AddRow("s3", []byte(`{"id":"s3","tenant_id":"t1"}`)).
			AddRow("s2", []byte(`{"id":"s2","tenant_id":"t1"}`)))

	list, err := s.ListSagasByTenant(context.Background(), "t1", 2, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s3", list[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOperations(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	cols := []string{"op_id", "tenant_id", "kind", "status", "saga_id", "result", "error_msg", "created_at", "updated_at"}

	op := &saga.OperationRecord{
		ID:        "op1",
		TenantID:  "t1",
		Kind:      "saga:billing",
		Status:    saga.OperationRunning,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	mock.ExpectExec("INSERT INTO saga_operations").
		WithArgs("op1", "t1", "saga:billing", "running", "", nil, "", testNow, testNow, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetOperation(ctx, op, time.Hour))

	mock.ExpectQuery("SELECT .+ FROM saga_operations WHERE op_id = \\?").
		WithArgs("op1", testNow).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("op1", "t1", "saga:billing", "running", "", nil, nil, testNow, testNow))
	got, err := s.GetOperation(ctx, "op1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, saga.OperationRunning, got.Status)

	mock.ExpectQuery("SELECT .+ FROM saga_operations WHERE tenant_id = \\?").
		WithArgs("t1", testNow, int64(math.MaxInt64), 0).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("op2", "t1", "saga:billing", "completed", "s2", []byte(`{}`), nil, testNow, testNow).
			AddRow("op1", "t1", "saga:billing", "running", "", nil, nil, testNow, testNow))
	ops, err := s.ListOperationsByTenant(ctx, "t1", 0, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "op2", ops[0].ID)
	assert.Equal(t, "s2", ops[0].SagaID)

	mock.ExpectExec("DELETE FROM saga_operations WHERE op_id = \\?").
		WithArgs("op1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	existed, err := s.DeleteOperation(ctx, "op1")
	require.NoError(t, err)
	assert.False(t, existed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// tokenArg matches any string argument and remembers it.
type tokenArg struct {
	value string
}

func (a *tokenArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if ok {
		a.value = s
	}
	return ok && s != ""
}

func TestLocks(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	issued := &tokenArg{}
	mock.ExpectExec("DELETE FROM saga_locks WHERE lock_key = \\? AND expires_at <= \\?").
		WithArgs("saga:s1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO saga_locks").
		WithArgs("saga:s1", issued, testNow.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	token, ok, err := s.AcquireLock(ctx, "saga:s1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, issued.value, token)

	mock.ExpectExec("DELETE FROM saga_locks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO saga_locks").WillReturnError(duplicateEntry())
	other, ok, err := s.AcquireLock(ctx, "saga:s1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, other)

	mock.ExpectExec("UPDATE saga_locks SET expires_at").
		WithArgs(testNow.Add(time.Minute), "saga:s1", token, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err = s.ExtendLock(ctx, "saga:s1", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("DELETE FROM saga_locks WHERE lock_key = \\? AND token = \\?").
		WithArgs("saga:s1", token).
		WillReturnResult(sqlmock.NewResult(0, 1))
	released, err := s.ReleaseLock(ctx, "saga:s1", token)
	require.NoError(t, err)
	assert.True(t, released)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockTokensArePerAcquisition(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	first, second := &tokenArg{}, &tokenArg{}
	for _, arg := range []*tokenArg{first, second} {
		mock.ExpectExec("DELETE FROM saga_locks").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO saga_locks").
			WithArgs("saga:s1", arg, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	stale, _, err := s.AcquireLock(ctx, "saga:s1", time.Minute)
	require.NoError(t, err)
	fresh, _, err := s.AcquireLock(ctx, "saga:s1", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, stale, fresh)

	// The row now carries the second token, so the first matches nothing.
	mock.ExpectExec("DELETE FROM saga_locks WHERE lock_key = \\? AND token = \\?").
		WithArgs("saga:s1", stale).
		WillReturnResult(sqlmock.NewResult(0, 0))
	released, err := s.ReleaseLock(ctx, "saga:s1", stale)
	require.NoError(t, err)
	assert.False(t, released)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupExpiredData(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM saga_idempotency WHERE expires_at").WithArgs(testNow).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM saga_operations WHERE expires_at").WithArgs(testNow).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM saga_locks WHERE expires_at").WithArgs(testNow).WillReturnResult(sqlmock.NewResult(0, 1))

	removed, err := s.CleanupExpiredData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := New(db)

	h := s.HealthCheck(context.Background())
	assert.True(t, h.Healthy())
	assert.Equal(t, "mysql", h.Backend)
	assert.Contains(t, h.Metrics, "open_connections")
	assert.True(t, s.Durable())

	mock.ExpectClose()
	require.NoError(t, s.Close())
	h = s.HealthCheck(context.Background())
	assert.False(t, h.Healthy())
	assert.NotEmpty(t, h.Error)
}

func TestWrap(t *testing.T) {
	assert.NoError(t, wrap("op", nil))
	assert.ErrorIs(t, wrap("op", context.DeadlineExceeded), saga.ErrStorageTimeout)
	assert.ErrorIs(t, wrap("op", mysql.ErrInvalidConn), saga.ErrStorageConnection)
	assert.ErrorIs(t, wrap("op", errors.New("syntax error")), saga.ErrStorageOperation)

	assert.True(t, isDuplicateKeyError(duplicateEntry()))
	assert.True(t, isDuplicateKeyError(errors.New("Error 1062: Duplicate entry 'x'")))
	assert.False(t, isDuplicateKeyError(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"}))
	assert.False(t, isDuplicateKeyError(nil))
}
