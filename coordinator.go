package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"saga/circuit"
	"saga/event"
	"saga/idempotency"
	"saga/lock"
	"saga/metrics"
	"saga/tracing"
)

// SagaStatus is a saga record together with its newest history entries.
type SagaStatus struct {
	Record  *SagaRecord    `json:"record"`
	History []HistoryEntry `json:"history"`
}

// Coordinator registers saga types and runs saga instances under a
// distributed lock, deduplicating requests by idempotency key.
type Coordinator struct {
	// Dependencies
	store    Storage
	registry *Registry
	locker   lock.Locker
	idem     *idempotency.Manager
	rt       engineRuntime

	// Background operations
	ops    sync.WaitGroup
	closed atomic.Bool
}

// CoordinatorOption is a function that configures the Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRegistry sets the saga type registry.
func WithRegistry(r *Registry) CoordinatorOption {
	return func(c *Coordinator) {
		c.registry = r
	}
}

// WithLocker sets the locker. By default locks are taken on the storage.
func WithLocker(l lock.Locker) CoordinatorOption {
	return func(c *Coordinator) {
		c.locker = l
	}
}

// WithIdempotencyManager sets the idempotency manager. By default one is
// built on the storage with the configured IdempotencyTTL.
func WithIdempotencyManager(m *idempotency.Manager) CoordinatorOption {
	return func(c *Coordinator) {
		c.idem = m
	}
}

// WithEventBus sets the event bus.
func WithEventBus(b event.EventBus) CoordinatorOption {
	return func(c *Coordinator) {
		c.rt.events = b
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.rt.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t tracing.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		c.rt.tracer = t
	}
}

// WithBreaker guards every step with a circuit breaker named after it.
func WithBreaker(b circuit.Breaker) CoordinatorOption {
	return func(c *Coordinator) {
		c.rt.breaker = b
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.rt.logger = l
	}
}

// WithCoordinatorConfig sets the engine configuration.
func WithCoordinatorConfig(cfg Config) CoordinatorOption {
	return func(c *Coordinator) {
		c.rt.config = cfg
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.rt.now = now
	}
}

// NewCoordinator creates a coordinator on store. It refuses a non-durable
// store when the configuration says more than one replica shares it.
func NewCoordinator(store Storage, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil storage", ErrInvalidConfig)
	}

	c := &Coordinator{
		store:    store,
		registry: NewRegistry(),
		rt:       defaultRuntime(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.rt.config.Validate(); err != nil {
		return nil, err
	}
	if !store.Durable() && c.rt.config.Replicas > 1 {
		return nil, fmt.Errorf("%w: %s backend cannot be shared by %d replicas", ErrNonDurableStorage, store.Backend(), c.rt.config.Replicas)
	}
	if c.locker == nil {
		c.locker = lock.NewStorageLocker(store)
	}
	if c.idem == nil {
		cfg := idempotency.DefaultConfig()
		cfg.DefaultTTL = c.rt.config.IdempotencyTTL
		c.idem = idempotency.NewManager(store,
			idempotency.WithConfig(cfg),
			idempotency.WithLogger(c.rt.logger),
			idempotency.WithClock(c.rt.now),
		)
	}
	return c, nil
}

// Registry returns the saga type registry for bootstrap registration.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// RegisterSaga registers a saga type. It fails once the first saga ran.
func (c *Coordinator) RegisterSaga(name string, factory Factory) error {
	return c.registry.Register(name, factory)
}

// Storage returns the storage backend.
func (c *Coordinator) Storage() Storage {
	return c.store
}

// Idempotency returns the idempotency manager.
func (c *Coordinator) Idempotency() *idempotency.Manager {
	return c.idem
}

// Config returns the engine configuration.
func (c *Coordinator) Config() Config {
	return c.rt.config
}

// ExecuteSaga runs a new instance of the saga type name.
//
// With a non-empty idempotencyKey a repeated request within the
// IdempotencyTTL returns the saga started by the first request, reloaded
// from storage and marked Replayed, without running anything. A request
// racing another one with the same key, or a saga whose lock is held,
// fails with ErrSagaInProgress.
func (c *Coordinator) ExecuteSaga(ctx context.Context, name string, req Request, idempotencyKey string) (*SagaResult, error) {
	if c.closed.Load() {
		return nil, ErrCoordinatorClosed
	}
	return c.execute(ctx, name, req, idempotencyKey)
}

// execute runs a saga pass. Background operations accepted before Close
// call it directly so they still finish.
func (c *Coordinator) execute(ctx context.Context, name string, req Request, idempotencyKey string) (*SagaResult, error) {
	c.registry.Seal()

	def, err := c.registry.build(ctx, name, req)
	if err != nil {
		return nil, err
	}
	if worst := WorstCaseDuration(c.rt.config, def); worst >= c.rt.config.LockTTL {
		return nil, fmt.Errorf("%w: %s may run for %s, lock ttl is %s", ErrLockTTLTooShort, name, worst, c.rt.config.LockTTL)
	}

	w, err := NewWorkflow(c.store, def, req, c.withRuntime())
	if err != nil {
		return nil, err
	}
	w.rec.IdempotencyKey = idempotencyKey

	keys := []string{sagaLockKey(w.rec.ID)}
	if idempotencyKey != "" {
		keys = append(keys, idempotencyLockKey(name, idempotencyKey))
	}
	release, err := c.lock(ctx, w.rec.ID, keys)
	if err != nil {
		return nil, err
	}
	defer release()

	if idempotencyKey == "" {
		return w.Execute(ctx)
	}

	var fresh *SagaResult
	outcome, err := c.idem.Execute(ctx, idempotencyCacheKey(name, idempotencyKey), c.rt.config.IdempotencyTTL, func(ctx context.Context) (any, error) {
		res, err := w.Execute(ctx)
		fresh = res
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	switch {
	case errors.Is(err, idempotency.ErrDuplicateInFlight):
		return nil, fmt.Errorf("%w: %w", ErrSagaInProgress, err)
	case err != nil:
		// fresh is set when the saga ran but its outcome could not be cached.
		return fresh, err
	case !outcome.Replayed:
		return fresh, nil
	}

	var cached SagaResult
	if err := outcome.Decode(&cached); err != nil {
		return nil, fmt.Errorf("%w: cached saga result for %s: %v", idempotency.ErrCorruptRecord, idempotencyKey, err)
	}
	res, err := c.current(ctx, &cached)
	if err != nil {
		return nil, err
	}
	res.Replayed = true

	c.rt.metrics.SagaReplayed(name)
	c.publish(ctx, event.NewEvent(event.EventSagaReplayed).
		WithSaga(res.SagaID, res.Type).
		WithTenant(res.TenantID).
		WithData("idempotency_key", idempotencyKey))
	c.rt.logger.Info().
		Str("saga_id", res.SagaID).
		Str("saga_type", name).
		Str("key", idempotencyKey).
		Msg("duplicate request answered from idempotency cache")
	return res, nil
}

// GetSagaStatus returns a saga record and up to historyLimit history
// entries, newest first. A zero limit uses the configured HistoryLimit and a
// negative one returns the whole history.
func (c *Coordinator) GetSagaStatus(ctx context.Context, sagaID string, historyLimit int) (*SagaStatus, error) {
	rec, err := c.store.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}

	switch {
	case historyLimit == 0:
		historyLimit = c.rt.config.HistoryLimit
	case historyLimit < 0:
		historyLimit = 0
	}
	history, err := c.store.GetSagaHistory(ctx, sagaID, historyLimit)
	if err != nil {
		return nil, err
	}
	return &SagaStatus{Record: rec, History: history}, nil
}

// ListSagasByTenant returns the sagas of a tenant, newest first.
func (c *Coordinator) ListSagasByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*SagaRecord, error) {
	return c.store.ListSagasByTenant(ctx, tenantID, limit, offset)
}

// ApproveSaga resumes a saga waiting for approval.
func (c *Coordinator) ApproveSaga(ctx context.Context, sagaID string, approvalData map[string]any) (*SagaResult, error) {
	return c.resume(ctx, sagaID, func(ctx context.Context, w *Workflow) (*SagaResult, error) {
		// The remaining steps run under the saga lock just taken.
		if worst := worstCaseFrom(c.rt.config, w.def, w.rec.NextStep); worst >= c.rt.config.LockTTL {
			return nil, fmt.Errorf("%w: %s may run for %s, lock ttl is %s", ErrLockTTLTooShort, w.rec.Type, worst, c.rt.config.LockTTL)
		}
		return w.Approve(ctx, approvalData)
	})
}

// RejectSaga rolls back and cancels a saga waiting for approval.
func (c *Coordinator) RejectSaga(ctx context.Context, sagaID, reason string) (*SagaResult, error) {
	return c.resume(ctx, sagaID, func(ctx context.Context, w *Workflow) (*SagaResult, error) {
		return w.Reject(ctx, reason)
	})
}

// CancelSaga rolls back and cancels a saga that is not terminal.
func (c *Coordinator) CancelSaga(ctx context.Context, sagaID, reason string) (*SagaResult, error) {
	return c.resume(ctx, sagaID, func(ctx context.Context, w *Workflow) (*SagaResult, error) {
		return w.Cancel(ctx, reason)
	})
}

// ExecuteSagaAsync records a background operation and runs the saga on its
// own goroutine. The returned record is a snapshot; poll GetOperation for
// the outcome.
func (c *Coordinator) ExecuteSagaAsync(ctx context.Context, name string, req Request, idempotencyKey string) (*OperationRecord, error) {
	if c.closed.Load() {
		return nil, ErrCoordinatorClosed
	}
	if _, err := c.registry.Lookup(name); err != nil {
		return nil, err
	}

	now := c.rt.now().UTC()
	op := &OperationRecord{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Kind:      "saga:" + name,
		Status:    OperationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.SetOperation(ctx, op, c.rt.config.OperationTTL); err != nil {
		return nil, err
	}
	snapshot := op.Clone()

	c.ops.Add(1)
	go func() {
		defer c.ops.Done()
		ctx := context.WithoutCancel(ctx)

		c.updateOperation(ctx, op, func(op *OperationRecord) {
			op.Status = OperationRunning
		})
		res, err := c.execute(ctx, name, req, idempotencyKey)
		c.updateOperation(ctx, op, func(op *OperationRecord) {
			if err != nil {
				op.Status = OperationFailed
				op.Error = err.Error()
				return
			}
			op.Status = OperationCompleted
			op.SagaID = res.SagaID
			op.Error = res.Error
			if raw, err := json.Marshal(res); err == nil {
				op.Result = raw
			}
		})
	}()
	return snapshot, nil
}

// GetOperation returns a background operation.
func (c *Coordinator) GetOperation(ctx context.Context, id string) (*OperationRecord, error) {
	op, err := c.store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return op, nil
}

// ListOperationsByTenant returns the background operations of a tenant,
// newest first.
func (c *Coordinator) ListOperationsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*OperationRecord, error) {
	return c.store.ListOperationsByTenant(ctx, tenantID, limit, offset)
}

// ForgetIdempotencyKey drops the cached outcome of a request so the same key
// runs a new saga.
func (c *Coordinator) ForgetIdempotencyKey(ctx context.Context, name, idempotencyKey string) (bool, error) {
	return c.idem.Forget(ctx, idempotencyCacheKey(name, idempotencyKey))
}

// HealthCheck reports the storage health with registry details added.
func (c *Coordinator) HealthCheck(ctx context.Context) HealthStatus {
	h := c.store.HealthCheck(ctx)
	if h.Metrics == nil {
		h.Metrics = make(map[string]any)
	}
	h.Metrics["registered_sagas"] = len(c.registry.Names())
	h.Metrics["registry_sealed"] = c.registry.Sealed()
	h.Metrics["durable"] = c.store.Durable()
	return h
}

// Close stops accepting work and waits for background operations until ctx
// ends. It does not close the storage.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closed.Store(true)

	done := make(chan struct{})
	go func() {
		c.ops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background operations: %w", ctx.Err())
	}
}

func (c *Coordinator) resume(ctx context.Context, sagaID string, fn func(context.Context, *Workflow) (*SagaResult, error)) (*SagaResult, error) {
	c.registry.Seal()

	release, err := c.lock(ctx, sagaID, []string{sagaLockKey(sagaID)})
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := c.store.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	def, err := c.registry.build(ctx, rec.Type, rec.Request)
	if err != nil {
		return nil, err
	}
	w, err := RestoreWorkflow(c.store, def, rec, c.withRuntime())
	if err != nil {
		return nil, err
	}
	return fn(ctx, w)
}

// current reloads the latest state of a cached saga. The cached copy is used
// when the record is gone.
func (c *Coordinator) current(ctx context.Context, cached *SagaResult) (*SagaResult, error) {
	rec, err := c.store.GetSaga(ctx, cached.SagaID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return cached, nil
	}
	return &SagaResult{
		SagaID:    rec.ID,
		Type:      rec.Type,
		TenantID:  rec.TenantID,
		Status:    rec.Status,
		Results:   rec.Results,
		Rollbacks: rec.Rollbacks,
		Error:     rec.Error,
	}, nil
}

// lock acquires keys for the whole saga pass and keeps them alive until the
// returned release function runs.
func (c *Coordinator) lock(ctx context.Context, sagaID string, keys []string) (func(), error) {
	start := c.rt.now()
	handle, err := c.locker.Acquire(ctx, keys, c.rt.config.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			c.rt.metrics.LockFailed("held")
			return nil, fmt.Errorf("%w (%w): %v", ErrSagaInProgress, ErrLockAcquisition, err)
		}
		c.rt.metrics.LockFailed("error")
		return nil, fmt.Errorf("%w: %w", ErrLockAcquisition, err)
	}
	c.rt.metrics.LockAcquired(c.rt.now().Sub(start))

	handle = meteredHandle{Handle: handle, metrics: c.rt.metrics}
	stop := lock.KeepAlive(ctx, handle, c.rt.config.LockTTL, c.rt.config.LockExtendPeriod, func(err error) {
		c.rt.logger.Warn().Err(err).Str("saga_id", sagaID).Strs("keys", keys).Msg("lock extend failed")
		c.publish(ctx, event.NewEvent(event.EventAlertWarning).
			WithSaga(sagaID, "").
			WithData("message", "lock extend failed").
			WithError(err))
	})

	return func() {
		stop()
		if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
			c.rt.logger.Warn().Err(err).Str("saga_id", sagaID).Msg("lock release failed")
		}
	}, nil
}

func (c *Coordinator) updateOperation(ctx context.Context, op *OperationRecord, mutate func(*OperationRecord)) {
	mutate(op)
	op.UpdatedAt = c.rt.now().UTC()
	if err := c.store.SetOperation(ctx, op, c.rt.config.OperationTTL); err != nil {
		c.rt.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to update operation")
	}
}

func (c *Coordinator) withRuntime() WorkflowOption {
	return func(w *Workflow) {
		w.rt = c.rt
	}
}

func (c *Coordinator) publish(ctx context.Context, e event.Event) {
	if err := c.rt.events.Publish(ctx, e); err != nil {
		c.rt.logger.Warn().Err(err).Str("event", string(e.Type)).Msg("failed to publish event")
	}
}

// meteredHandle counts lock extensions.
type meteredHandle struct {
	lock.Handle
	metrics metrics.Metrics
}

func (h meteredHandle) Extend(ctx context.Context, ttl time.Duration) error {
	if err := h.Handle.Extend(ctx, ttl); err != nil {
		h.metrics.LockExtendFailed()
		return err
	}
	h.metrics.LockExtended()
	return nil
}

func sagaLockKey(sagaID string) string {
	return "saga:" + sagaID
}

func idempotencyLockKey(name, key string) string {
	return "idem:" + name + ":" + key
}

func idempotencyCacheKey(name, key string) string {
	return name + ":" + key
}
