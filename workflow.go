package saga

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"saga/circuit"
	"saga/event"
	"saga/metrics"
	"saga/tracing"
)

// Step names of the results appended when a workflow is stopped from outside.
const (
	RejectStepName = "reject_and_cancel"
	CancelStepName = "cancel_saga"
)

// ApprovalContextKey is the business context key holding the data passed to
// Approve.
const ApprovalContextKey = "approval"

// SagaResult is the outcome of executing or resuming a saga.
type SagaResult struct {
	SagaID    string         `json:"saga_id"`
	Type      string         `json:"type"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Status    WorkflowStatus `json:"status"`
	Results   []Result       `json:"results"`
	Rollbacks []Result       `json:"rollbacks,omitempty"`
	Replayed  bool           `json:"replayed,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// engineRuntime holds the collaborators shared by every workflow of a
// coordinator.
type engineRuntime struct {
	config  Config
	events  event.EventBus
	metrics metrics.Metrics
	tracer  tracing.Tracer
	breaker circuit.Breaker
	logger  zerolog.Logger
	now     func() time.Time
}

func defaultRuntime() engineRuntime {
	return engineRuntime{
		config:  DefaultConfig(),
		events:  event.NewNoOpEventBus(),
		metrics: &metrics.NoopMetrics{},
		tracer:  &tracing.NoopTracer{},
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
}

// WorkflowOption configures a Workflow created outside a Coordinator.
type WorkflowOption func(*Workflow)

// WithWorkflowID sets the saga ID instead of generating one.
func WithWorkflowID(id string) WorkflowOption {
	return func(w *Workflow) {
		w.rec.ID = id
	}
}

// WithWorkflowConfig sets the engine configuration.
func WithWorkflowConfig(cfg Config) WorkflowOption {
	return func(w *Workflow) {
		w.rt.config = cfg
	}
}

// WithWorkflowLogger sets the logger.
func WithWorkflowLogger(l zerolog.Logger) WorkflowOption {
	return func(w *Workflow) {
		w.rt.logger = l
	}
}

// WithWorkflowEventBus sets the event bus.
func WithWorkflowEventBus(b event.EventBus) WorkflowOption {
	return func(w *Workflow) {
		w.rt.events = b
	}
}

// WithWorkflowMetrics sets the metrics collector.
func WithWorkflowMetrics(m metrics.Metrics) WorkflowOption {
	return func(w *Workflow) {
		w.rt.metrics = m
	}
}

// WithWorkflowTracer sets the tracer.
func WithWorkflowTracer(t tracing.Tracer) WorkflowOption {
	return func(w *Workflow) {
		w.rt.tracer = t
	}
}

// WithWorkflowBreaker guards every step with a circuit breaker named after it.
func WithWorkflowBreaker(b circuit.Breaker) WorkflowOption {
	return func(w *Workflow) {
		w.rt.breaker = b
	}
}

// WithWorkflowClock overrides the clock.
func WithWorkflowClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		w.rt.now = now
	}
}

// Workflow is one running saga instance. Its methods are safe for concurrent
// use; they serialize on the instance. Cross-process exclusion is the
// caller's job, which the Coordinator does with a distributed lock.
type Workflow struct {
	mu    sync.Mutex
	def   *Definition
	store Storage
	rt    engineRuntime
	rec   *SagaRecord
	bctx  *BusinessContext

	// last is the newest timestamp handed out, kept strictly increasing.
	last    time.Time
	started time.Time
}

// NewWorkflow creates a pending workflow for def. Nothing is persisted until
// Execute is called.
func NewWorkflow(store Storage, def *Definition, req Request, opts ...WorkflowOption) (*Workflow, error) {
	if store == nil || def == nil {
		return nil, fmt.Errorf("%w: workflow needs a storage and a definition", ErrInvalidConfig)
	}
	if err := def.check(); err != nil {
		return nil, err
	}

	policy := def.policy
	w := &Workflow{
		def:   def,
		store: store,
		rt:    defaultRuntime(),
		rec: &SagaRecord{
			ID:                uuid.NewString(),
			Type:              def.name,
			TenantID:          req.TenantID,
			Status:            StatusPending,
			Steps:             def.StepNames(),
			Request:           req,
			RequireApproval:   policy.RequireApproval,
			ApprovalThreshold: policy.ApprovalThreshold,
		},
		bctx: NewBusinessContext(nil),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.rec.ID == "" {
		return nil, fmt.Errorf("%w: empty saga id", ErrInvalidConfig)
	}
	w.rec.CreatedAt = w.stamp()
	w.rec.UpdatedAt = w.rec.CreatedAt
	return w, nil
}

// RestoreWorkflow rebuilds a workflow from its persisted record so a halted
// saga can be approved, rejected or cancelled, possibly in another process.
func RestoreWorkflow(store Storage, def *Definition, rec *SagaRecord, opts ...WorkflowOption) (*Workflow, error) {
	if store == nil || def == nil || rec == nil {
		return nil, fmt.Errorf("%w: workflow needs a storage, a definition and a record", ErrInvalidConfig)
	}
	if !slices.Equal(def.StepNames(), rec.Steps) {
		return nil, fmt.Errorf("%w: steps of %s changed since saga %s started", ErrInvalidWorkflowState, def.name, rec.ID)
	}

	w := &Workflow{
		def:   def,
		store: store,
		rt:    defaultRuntime(),
		rec:   &SagaRecord{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.rec = rec
	w.bctx = NewBusinessContext(rec.Context)
	w.last = rec.UpdatedAt
	for _, r := range append(slices.Clone(rec.Results), rec.Rollbacks...) {
		if r.Timestamp.After(w.last) {
			w.last = r.Timestamp
		}
	}
	return w, nil
}

// ID returns the saga ID.
func (w *Workflow) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.ID
}

// Status returns the current status.
func (w *Workflow) Status() WorkflowStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.Status
}

// Results returns the recorded step results in order.
func (w *Workflow) Results() []Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.rec.Results)
}

// Business returns the business context shared by the steps.
func (w *Workflow) Business() *BusinessContext {
	return w.bctx
}

// Record returns a copy of the persisted state.
func (w *Workflow) Record() (*SagaRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rec.Context = w.bctx.Snapshot()
	return w.rec.Clone()
}

// Execute validates the business rules and runs the steps in order until the
// workflow completes, fails, is cancelled or waits for approval.
//
// Step failures are reported through the returned result, not the error.
// The error is reserved for storage failures and lifecycle misuse.
func (w *Workflow) Execute(ctx context.Context) (*SagaResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch status := w.rec.Status; {
	case IsTerminal(status):
		return nil, fmt.Errorf("%w: saga %s is %s", ErrWorkflowTerminal, w.rec.ID, status)
	case status != StatusPending:
		return nil, fmt.Errorf("%w: cannot execute saga %s in status %s", ErrInvalidWorkflowState, w.rec.ID, status)
	}

	ctx, span := w.rt.tracer.StartSaga(ctx, w.rec.ID, w.rec.Type)
	defer span.End()

	w.started = w.rt.now()
	w.rt.metrics.SagaStarted(w.rec.Type)
	if err := w.setStatus(ctx, StatusRunning, "execution started"); err != nil {
		span.SetError(err)
		return nil, err
	}
	w.publish(ctx, w.newEvent(event.EventSagaStarted))

	passed, err := w.validate(ctx)
	if err == nil && passed {
		err = w.runSteps(ctx, 0)
	}
	return w.finish(ctx, span, err)
}

// Approve resumes a workflow waiting for approval from the step after the
// one that asked. approvalData is stored under ApprovalContextKey.
func (w *Workflow) Approve(ctx context.Context, approvalData map[string]any) (*SagaResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rec.Status != StatusWaitingApproval {
		return nil, fmt.Errorf("%w: cannot approve saga %s in status %s", ErrInvalidWorkflowState, w.rec.ID, w.rec.Status)
	}

	ctx, span := w.rt.tracer.StartSaga(ctx, w.rec.ID, w.rec.Type)
	defer span.End()
	span.AddEvent("saga.approved")

	w.started = w.rt.now()
	if approvalData != nil {
		w.bctx.Set(ApprovalContextKey, approvalData)
	}
	if err := w.setStatus(ctx, StatusRunning, "approved"); err != nil {
		span.SetError(err)
		return nil, err
	}
	w.publish(ctx, w.newEvent(event.EventSagaApproved).WithData("approval", approvalData))

	err := w.runSteps(ctx, w.rec.NextStep)
	return w.finish(ctx, span, err)
}

// Reject rolls back every succeeded step of a workflow waiting for approval
// and cancels it. The reason is kept as a "[REJECTED]" result.
func (w *Workflow) Reject(ctx context.Context, reason string) (*SagaResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rec.Status != StatusWaitingApproval {
		return nil, fmt.Errorf("%w: cannot reject saga %s in status %s", ErrInvalidWorkflowState, w.rec.ID, w.rec.Status)
	}

	ctx, span := w.rt.tracer.StartSaga(ctx, w.rec.ID, w.rec.Type)
	defer span.End()

	w.started = w.rt.now()
	w.publish(ctx, w.newEvent(event.EventSagaRejected).WithData("reason", reason))
	err := w.stop(ctx, RejectStepName, KindRejected, "[REJECTED] "+reason)
	return w.finish(ctx, span, err)
}

// Cancel stops a workflow that has not reached a terminal status. Succeeded
// steps are rolled back the same way Reject does.
func (w *Workflow) Cancel(ctx context.Context, reason string) (*SagaResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rec.IsTerminal() {
		return nil, fmt.Errorf("%w: saga %s is %s", ErrWorkflowTerminal, w.rec.ID, w.rec.Status)
	}

	ctx, span := w.rt.tracer.StartSaga(ctx, w.rec.ID, w.rec.Type)
	defer span.End()

	w.started = w.rt.now()
	err := w.stop(ctx, CancelStepName, KindCancelled, "[CANCELLED] "+reason)
	return w.finish(ctx, span, err)
}

// RollbackStep compensates one step. A step that never succeeded or was
// already rolled back yields a successful no-op result.
func (w *Workflow) RollbackStep(ctx context.Context, name string) Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rollbackStep(ctx, name)
}

func (w *Workflow) validate(ctx context.Context) (bool, error) {
	if w.def.validate == nil {
		return true, nil
	}

	check := func(ctx context.Context, sc *StepContext) Result {
		if err := w.def.validate(ctx, sc); err != nil {
			return Fail(KindValidation, err.Error())
		}
		return Ok("", nil)
	}
	res := callWithTimeout(ctx, ValidateStepName, check, w.stepContext(ValidateStepName, 1, 1), w.rt.config.StepTimeout)
	if res.Success {
		return true, nil
	}

	res = res.normalize(ValidateStepName)
	res.Attempts = 1
	w.rec.Error = res.Error.Message
	w.rt.logger.Info().
		Str("saga_id", w.rec.ID).
		Str("saga_type", w.rec.Type).
		Str("reason", res.Error.Message).
		Msg("business rule validation failed")
	if err := w.record(ctx, res); err != nil {
		return false, err
	}
	return false, w.setStatus(ctx, StatusFailed, "business rule validation failed")
}

// runSteps executes the steps from index from onwards. It returns an error
// only when the workflow state could not be stored.
func (w *Workflow) runSteps(ctx context.Context, from int) error {
	for i := from; i < len(w.def.steps); i++ {
		if err := ctx.Err(); err != nil {
			return w.stop(context.WithoutCancel(ctx), CancelStepName, KindCancelled, "[CANCELLED] "+err.Error())
		}

		step := w.def.steps[i]
		res := w.executeStep(ctx, step, i)
		if res.Success {
			w.rec.Completed = append(w.rec.Completed, step.Name())
		}
		w.rec.NextStep = i + 1

		if err := w.record(ctx, res); err != nil {
			// The outcome is unknown to storage, so the step counts as failed.
			// A step that did succeed stays in Completed and is compensated.
			w.rt.logger.Error().
				Err(err).
				Str("saga_id", w.rec.ID).
				Str("step", step.Name()).
				Msg("failed to record step result")
			failed := Fail(KindStorage, err.Error()).normalize(step.Name())
			failed.Attempts = res.Attempts
			failed.Timestamp = w.rec.Results[len(w.rec.Results)-1].Timestamp
			w.rec.Results[len(w.rec.Results)-1] = failed
			return w.fail(ctx, failed)
		}

		switch {
		case !res.Success && ctx.Err() != nil:
			return w.stop(context.WithoutCancel(ctx), CancelStepName, KindCancelled, "[CANCELLED] "+ctx.Err().Error())
		case !res.Success && w.def.policy.ContinueOnStepFailure && !w.def.isCritical(step.Name()):
			w.rt.logger.Warn().
				Str("saga_id", w.rec.ID).
				Str("step", step.Name()).
				Str("reason", res.Error.Message).
				Msg("non-critical step failed, continuing")
		case !res.Success:
			return w.fail(ctx, res)
		case res.RequiresApproval:
			return w.setStatus(ctx, StatusWaitingApproval, "approval requested by "+step.Name())
		}
	}
	return w.setStatus(ctx, StatusCompleted, "all steps completed")
}

func (w *Workflow) executeStep(ctx context.Context, step Step, idx int) Result {
	name := step.Name()
	ctx, span := w.rt.tracer.StartStep(ctx, w.rec.ID, name, idx)
	defer span.End()

	w.rt.metrics.StepStarted(w.rec.Type, name)
	w.publish(ctx, w.newEvent(event.EventStepStarted).WithStepName(name))

	start := w.rt.now()
	res := w.run(ctx, step, step.Execute, false)
	span.SetAttributes(attribute.Int("step.attempts", res.Attempts))

	if !res.Success {
		span.SetError(res.Err())
		w.rt.metrics.StepFailed(w.rec.Type, name, string(res.Kind()))
		w.publish(ctx, w.newEvent(event.EventStepFailed).
			WithStepName(name).
			WithData("kind", string(res.Kind())).
			WithError(res.Err()))
		return res
	}

	w.rt.metrics.StepCompleted(w.rec.Type, name, w.rt.now().Sub(start))
	w.publish(ctx, w.newEvent(event.EventStepCompleted).
		WithStepName(name).
		WithData("requires_approval", res.RequiresApproval))
	return res
}

// fail ends the workflow after a step failure, compensating first when the
// policy asks for it.
func (w *Workflow) fail(ctx context.Context, res Result) error {
	if w.def.policy.RollbackOnFailure {
		if err := w.rollbackCompleted(ctx); err != nil {
			w.rt.logger.Error().Err(err).Str("saga_id", w.rec.ID).Msg("rollback incomplete")
		}
	}
	w.rec.Error = fmt.Sprintf("step %s failed: %s", res.StepName, res.Error.Message)
	return w.setStatus(ctx, StatusFailed, w.rec.Error)
}

// stop compensates every succeeded step, appends a tagged result and moves
// the workflow to cancelled.
func (w *Workflow) stop(ctx context.Context, stepName string, kind ErrorKind, message string) error {
	if w.rec.Status != StatusPending {
		if err := w.rollbackCompleted(ctx); err != nil {
			w.rt.logger.Error().Err(err).Str("saga_id", w.rec.ID).Msg("rollback incomplete")
		}
	}

	res := Fail(kind, message)
	res.StepName = stepName
	res.Message = message
	w.rec.Error = message
	if err := w.record(ctx, res); err != nil {
		return err
	}
	return w.setStatus(ctx, StatusCancelled, message)
}

// rollbackCompleted compensates succeeded steps in reverse order. Every step
// is attempted; the failures are joined.
func (w *Workflow) rollbackCompleted(ctx context.Context) error {
	var errs []error
	completed := slices.Clone(w.rec.Completed)
	for i := len(completed) - 1; i >= 0; i-- {
		if res := w.rollbackStep(ctx, completed[i]); !res.Success {
			errs = append(errs, fmt.Errorf("rollback %s: %w", completed[i], res.Err()))
		}
	}
	return errors.Join(errs...)
}

func (w *Workflow) rollbackStep(ctx context.Context, name string) Result {
	step := w.def.Step(name)
	if step == nil {
		return Failf(KindValidation, "saga %s has no step %s", w.rec.Type, name).normalize(name)
	}
	if !slices.Contains(w.rec.Completed, name) || slices.Contains(w.rec.RolledBack, name) {
		return Ok("nothing to roll back", nil).normalize(name)
	}

	ctx, span := w.rt.tracer.StartRollback(ctx, w.rec.ID, name)
	defer span.End()

	res := w.run(ctx, step, step.Rollback, true)
	res.Timestamp = w.stamp()
	w.rec.Rollbacks = append(w.rec.Rollbacks, res)
	w.rt.metrics.RollbackFinished(w.rec.Type, name, res.Success)

	if res.Success {
		w.rec.RolledBack = append(w.rec.RolledBack, name)
		w.publish(ctx, w.newEvent(event.EventRollbackCompleted).WithStepName(name))
	} else {
		span.SetError(res.Err())
		w.rt.logger.Error().
			Str("saga_id", w.rec.ID).
			Str("step", name).
			Str("reason", res.Error.Message).
			Msg("rollback failed, manual compensation required")
		w.publish(ctx, w.newEvent(event.EventRollbackFailed).WithStepName(name).WithError(res.Err()))
		w.publish(ctx, w.newEvent(event.EventAlertCritical).
			WithStepName(name).
			WithData("message", "rollback failed, manual compensation required").
			WithError(res.Err()))
	}

	// Compensation already happened; storage errors here only lose audit data.
	if err := w.persist(ctx); err != nil {
		w.rt.logger.Error().Err(err).Str("saga_id", w.rec.ID).Msg("failed to persist rollback")
	}
	if err := w.appendHistory(ctx, HistoryEntry{Kind: HistoryRollback, StepName: name, Result: &res, Timestamp: res.Timestamp}); err != nil {
		w.rt.logger.Error().Err(err).Str("saga_id", w.rec.ID).Msg("failed to append rollback history")
	}
	return res
}

// finish reports the outcome of one execution pass.
func (w *Workflow) finish(ctx context.Context, span tracing.Span, err error) (*SagaResult, error) {
	status := w.rec.Status
	elapsed := w.rt.now().Sub(w.started)
	span.SetAttributes(attribute.String("saga.status", string(status)))

	if err != nil {
		span.SetError(err)
		w.rt.logger.Error().Err(err).Str("saga_id", w.rec.ID).Str("status", string(status)).Msg("saga state could not be stored")
	}

	var e event.Event
	switch status {
	case StatusCompleted:
		e = w.newEvent(event.EventSagaCompleted)
	case StatusFailed:
		span.SetError(errors.New(w.rec.Error))
		e = w.newEvent(event.EventSagaFailed).WithError(errors.New(w.rec.Error))
	case StatusCancelled:
		e = w.newEvent(event.EventSagaCancelled).WithData("reason", w.rec.Error)
	case StatusWaitingApproval:
		e = w.newEvent(event.EventSagaWaitingApproval)
		if n := len(w.rec.Results); n > 0 {
			e = e.WithStepName(w.rec.Results[n-1].StepName).WithData("approval_data", w.rec.Results[n-1].ApprovalData)
		}
	default:
		return w.snapshot(), err
	}
	w.publish(ctx, e)
	w.rt.metrics.SagaFinished(w.rec.Type, string(status), elapsed)
	w.rt.logger.Info().
		Str("saga_id", w.rec.ID).
		Str("saga_type", w.rec.Type).
		Str("status", string(status)).
		Int("results", len(w.rec.Results)).
		Dur("duration", elapsed).
		Msg("saga pass finished")
	return w.snapshot(), err
}

func (w *Workflow) snapshot() *SagaResult {
	return &SagaResult{
		SagaID:    w.rec.ID,
		Type:      w.rec.Type,
		TenantID:  w.rec.TenantID,
		Status:    w.rec.Status,
		Results:   slices.Clone(w.rec.Results),
		Rollbacks: slices.Clone(w.rec.Rollbacks),
		Error:     w.rec.Error,
	}
}

func (w *Workflow) stepContext(stepName string, attempt, maxAttempts int) *StepContext {
	policy := w.def.policy
	policy.RequireApproval = w.rec.RequireApproval
	policy.ApprovalThreshold = w.rec.ApprovalThreshold
	return &StepContext{
		SagaID:   w.rec.ID,
		SagaType: w.rec.Type,
		TenantID: w.rec.TenantID,
		StepName: stepName,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Request:     w.rec.Request,
		Business:    w.bctx,
		policy:      &policy,
		results:     slices.Clone(w.rec.Results),
	}
}

// setStatus moves the workflow along the state machine and stores it.
func (w *Workflow) setStatus(ctx context.Context, to WorkflowStatus, message string) error {
	from := w.rec.Status
	if !ValidateTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	w.rec.Status = to
	if err := w.persist(ctx); err != nil {
		return err
	}
	return w.appendHistory(ctx, HistoryEntry{Kind: HistoryStatus, Status: to, Message: message})
}

// record stores a step outcome. The next step must not start before this
// returns nil.
func (w *Workflow) record(ctx context.Context, res Result) error {
	res.Timestamp = w.stamp()
	w.rec.Results = append(w.rec.Results, res)
	if err := w.persist(ctx); err != nil {
		return err
	}
	return w.appendHistory(ctx, HistoryEntry{Kind: HistoryStep, StepName: res.StepName, Result: &res, Timestamp: res.Timestamp})
}

func (w *Workflow) persist(ctx context.Context) error {
	w.rec.Context = w.bctx.Snapshot()
	w.rec.UpdatedAt = w.stamp()
	if err := w.store.SetSaga(ctx, w.rec); err != nil {
		return fmt.Errorf("persist saga %s: %w", w.rec.ID, err)
	}
	return nil
}

func (w *Workflow) appendHistory(ctx context.Context, entry HistoryEntry) error {
	entry.SagaID = w.rec.ID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = w.stamp()
	}
	if err := w.store.AppendSagaHistory(ctx, w.rec.ID, entry); err != nil {
		return fmt.Errorf("append history of saga %s: %w", w.rec.ID, err)
	}
	return nil
}

// stamp returns the current time, bumped past the previous stamp so result
// timestamps of a saga are strictly increasing.
func (w *Workflow) stamp() time.Time {
	t := w.rt.now().UTC()
	if !t.After(w.last) {
		t = w.last.Add(time.Microsecond)
	}
	w.last = t
	return t
}

func (w *Workflow) newEvent(t event.EventType) event.Event {
	return event.NewEvent(t).WithSaga(w.rec.ID, w.rec.Type).WithTenant(w.rec.TenantID)
}

func (w *Workflow) publish(ctx context.Context, e event.Event) {
	if err := w.rt.events.Publish(ctx, e); err != nil {
		w.rt.logger.Warn().Err(err).Str("event", string(e.Type)).Msg("failed to publish event")
	}
}
