package saga

import (
	"context"
	"encoding/json"
	"time"

	"saga/idempotency"
)

// Storage defines the persistence contract shared by every backend.
// Single-item reads return (nil, nil) when the item does not exist.
// Implementations must be safe for concurrent use.
type Storage interface {
	idempotency.Store

	// Saga operations
	GetSaga(ctx context.Context, id string) (*SagaRecord, error)
	SetSaga(ctx context.Context, rec *SagaRecord) error
	DeleteSaga(ctx context.Context, id string) (bool, error)
	AppendSagaHistory(ctx context.Context, id string, entry HistoryEntry) error
	// GetSagaHistory returns entries newest first; limit <= 0 returns all.
	GetSagaHistory(ctx context.Context, id string, limit int) ([]HistoryEntry, error)
	ClearSagaHistory(ctx context.Context, id string) error

	// Background operations
	GetOperation(ctx context.Context, id string) (*OperationRecord, error)
	SetOperation(ctx context.Context, rec *OperationRecord, ttl time.Duration) error
	DeleteOperation(ctx context.Context, id string) (bool, error)

	// Tenant queries, newest created first
	ListOperationsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*OperationRecord, error)
	ListSagasByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*SagaRecord, error)

	// Locking. Every successful AcquireLock issues a fresh holder token;
	// release and extend succeed only for the token currently holding key.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Maintenance
	CleanupExpiredData(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) HealthStatus
	Backend() string
	// Durable reports whether state survives the process and is shared
	// between processes.
	Durable() bool
	Close() error
}

// SagaRecord is the persisted state of a saga instance.
type SagaRecord struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	TenantID          string         `json:"tenant_id,omitempty"`
	Status            WorkflowStatus `json:"status"`
	Steps             []string       `json:"steps"`
	NextStep          int            `json:"next_step"`
	Completed         []string       `json:"completed,omitempty"`
	RolledBack        []string       `json:"rolled_back,omitempty"`
	Results           []Result       `json:"results,omitempty"`
	Rollbacks         []Result       `json:"rollbacks,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
	Request           Request        `json:"request"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	RequireApproval   bool           `json:"require_approval,omitempty"`
	ApprovalThreshold *float64       `json:"approval_threshold,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IsTerminal returns true if the saga reached a terminal status.
func (r *SagaRecord) IsTerminal() bool {
	return IsTerminal(r.Status)
}

// Clone returns a deep copy of the record.
func (r *SagaRecord) Clone() (*SagaRecord, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var c SagaRecord
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// HistoryKind tags saga history entries.
type HistoryKind string

const (
	HistoryStatus     HistoryKind = "status"
	HistoryStep       HistoryKind = "step"
	HistoryRollback   HistoryKind = "rollback"
	HistoryAnnotation HistoryKind = "annotation"
)

// HistoryEntry is one append-only audit entry of a saga.
type HistoryEntry struct {
	SagaID    string         `json:"saga_id"`
	Kind      HistoryKind    `json:"kind"`
	Status    WorkflowStatus `json:"status,omitempty"`
	StepName  string         `json:"step_name,omitempty"`
	Result    *Result        `json:"result,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// OperationRecord tracks a background operation started for a tenant.
type OperationRecord struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Kind      string          `json:"kind"`
	Status    OperationStatus `json:"status"`
	SagaID    string          `json:"saga_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *OperationRecord) Clone() *OperationRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &c
}

// Health states reported by HealthCheck.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// HealthStatus is the result of a backend health check.
type HealthStatus struct {
	Status    string         `json:"status"`
	Backend   string         `json:"backend"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Healthy reports whether the status is healthy.
func (h HealthStatus) Healthy() bool {
	return h.Status == HealthHealthy
}

// Page clamps pagination arguments the same way for every backend.
func Page(total, limit, offset int) (start, end int) {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end = total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return offset, end
}
