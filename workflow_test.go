package saga_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"saga"
	"saga/circuit"
	"saga/circuit/memory"
	"saga/event"
	memstore "saga/storage/memory"
)

// ============================================================================
// Test helpers
// ============================================================================

func testConfig() saga.Config {
	cfg := saga.DefaultConfig()
	cfg.RetryInterval = time.Millisecond
	cfg.RetryMaxInterval = 5 * time.Millisecond
	cfg.StepTimeout = time.Second
	cfg.LockTTL = time.Minute
	cfg.LockExtendPeriod = 10 * time.Second
	return cfg
}

// journal records step calls in the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

func succeed(int) saga.Result { return saga.Ok("", nil) }

// step builds a step that logs to the journal and answers with outcome.
func (j *journal) step(name string, outcome func(attempt int) saga.Result) saga.Step {
	return j.stepWithConfig(name, outcome, nil)
}

func (j *journal) stepWithConfig(name string, outcome func(attempt int) saga.Result, cfg *saga.StepConfig) saga.Step {
	return saga.NewFuncStep(name,
		func(_ context.Context, sc *saga.StepContext) saga.Result {
			j.add("exec:" + name)
			return outcome(sc.Attempt)
		},
		func(context.Context, *saga.StepContext) saga.Result {
			j.add("undo:" + name)
			return saga.Ok("", nil)
		},
		cfg,
	)
}

func newWorkflow(t *testing.T, store saga.Storage, def *saga.Definition, req saga.Request, opts ...saga.WorkflowOption) *saga.Workflow {
	t.Helper()
	opts = append([]saga.WorkflowOption{saga.WithWorkflowConfig(testConfig())}, opts...)
	w, err := saga.NewWorkflow(store, def, req, opts...)
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	return w
}

func newStore(t *testing.T) *memstore.Store {
	t.Helper()
	s := memstore.New()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stepNames(results []saga.Result) []string {
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.StepName
	}
	return names
}

func assertEntries(t *testing.T, got []string, want ...string) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Errorf("journal = %v, want %v", got, want)
	}
}

// ============================================================================
// Forward execution
// ============================================================================

func TestWorkflow_RunsStepsInOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	j := &journal{}
	def := saga.NewDefinition("orders").
		AddSteps(j.step("a", succeed), j.step("b", succeed), j.step("c", succeed)).
		MustBuild()

	w := newWorkflow(t, store, def, saga.Request{TenantID: "t1"})
	res, err := w.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.Status != saga.StatusCompleted {
		t.Fatalf("status = %s, want completed (error %q)", res.Status, res.Error)
	}
	assertEntries(t, j.list(), "exec:a", "exec:b", "exec:c")
	if got := stepNames(res.Results); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("results = %v", got)
	}
	for i := 1; i < len(res.Results); i++ {
		if !res.Results[i].Timestamp.After(res.Results[i-1].Timestamp) {
			t.Errorf("result %d timestamp %v not after %v", i, res.Results[i].Timestamp, res.Results[i-1].Timestamp)
		}
	}
	if res.TenantID != "t1" || res.SagaID != w.ID() {
		t.Errorf("unexpected identity: %+v", res)
	}

	rec, err := store.GetSaga(ctx, w.ID())
	if err != nil || rec == nil {
		t.Fatalf("GetSaga: %v %v", rec, err)
	}
	if rec.Status != saga.StatusCompleted || rec.NextStep != 3 || len(rec.Completed) != 3 {
		t.Errorf("stored record not up to date: %+v", rec)
	}

	history, err := store.GetSagaHistory(ctx, w.ID(), 1)
	if err != nil || len(history) != 1 {
		t.Fatalf("GetSagaHistory: %v %v", history, err)
	}
	if history[0].Kind != saga.HistoryStatus || history[0].Status != saga.StatusCompleted {
		t.Errorf("newest history entry = %+v", history[0])
	}
}

func TestWorkflow_ExecuteTwice(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	def := saga.NewDefinition("once").AddStep(j.step("a", succeed)).MustBuild()
	w := newWorkflow(t, newStore(t), def, saga.Request{})

	if _, err := w.Execute(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Execute(ctx); !errors.Is(err, saga.ErrWorkflowTerminal) {
		t.Errorf("expected ErrWorkflowTerminal, got %v", err)
	}
	assertEntries(t, j.list(), "exec:a")
}

func TestWorkflow_WithWorkflowID(t *testing.T) {
	def := saga.NewDefinition("fixed").AddStep(saga.NewBaseStep("a")).MustBuild()
	w := newWorkflow(t, newStore(t), def, saga.Request{}, saga.WithWorkflowID("saga-42"))
	if w.ID() != "saga-42" {
		t.Errorf("ID() = %q", w.ID())
	}

	if _, err := saga.NewWorkflow(newStore(t), def, saga.Request{}, saga.WithWorkflowID("")); !errors.Is(err, saga.ErrInvalidConfig) {
		t.Errorf("empty id should be rejected, got %v", err)
	}
	if _, err := saga.NewWorkflow(nil, def, saga.Request{}); !errors.Is(err, saga.ErrInvalidConfig) {
		t.Errorf("nil storage should be rejected, got %v", err)
	}
}

func TestWorkflow_ValidationFailure(t *testing.T) {
	j := &journal{}
	def := saga.NewDefinition("billing").
		AddStep(j.step("a", succeed)).
		WithValidator(func(_ context.Context, sc *saga.StepContext) error {
			return fmt.Errorf("tenant %s is suspended", sc.TenantID)
		}).
		MustBuild()

	res, err := newWorkflow(t, newStore(t), def, saga.Request{TenantID: "t9"}).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if len(res.Results) != 1 || res.Results[0].StepName != saga.ValidateStepName {
		t.Fatalf("results = %+v", res.Results)
	}
	if res.Results[0].Kind() != saga.KindValidation || res.Error != "tenant t9 is suspended" {
		t.Errorf("unexpected failure: %+v / %q", res.Results[0].Error, res.Error)
	}
	assertEntries(t, j.list())
}

// ============================================================================
// Failure handling and compensation
// ============================================================================

func TestWorkflow_RollsBackInReverseOrder(t *testing.T) {
	j := &journal{}
	def := saga.NewDefinition("orders").
		AddSteps(
			j.step("a", succeed),
			j.step("b", succeed),
			j.step("c", func(int) saga.Result { return saga.Fail(saga.KindBusiness, "declined") }),
		).
		MustBuild()

	res, err := newWorkflow(t, newStore(t), def, saga.Request{}).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != saga.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error != "step c failed: declined" {
		t.Errorf("error = %q", res.Error)
	}
	assertEntries(t, j.list(), "exec:a", "exec:b", "exec:c", "undo:b", "undo:a")
	if got := stepNames(res.Rollbacks); !slices.Equal(got, []string{"b", "a"}) {
		t.Errorf("rollbacks = %v", got)
	}
	if res.Results[2].Attempts != 1 {
		t.Errorf("business failures must not be retried, attempts = %d", res.Results[2].Attempts)
	}
}

func TestWorkflow_WithoutRollback(t *testing.T) {
	j := &journal{}
	def := saga.NewDefinition("orders").
		AddSteps(j.step("a", succeed), j.step("b", func(int) saga.Result { return saga.Fail(saga.KindBusiness, "no") })).
		WithoutRollback().
		MustBuild()

	res, err := newWorkflow(t, newStore(t), def, saga.Request{}).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	assertEntries(t, j.list(), "exec:a", "exec:b")
}

func TestWorkflow_RetriesTransientFailures(t *testing.T) {
	j := &journal{}
	flaky := func(attempt int) saga.Result {
		if attempt < 3 {
			return saga.Fail(saga.KindTransient, "connection reset")
		}
		return saga.Ok("", nil)
	}
	def := saga.NewDefinition("flaky").AddStep(j.step("a", flaky)).MustBuild()

	res, err := newWorkflow(t, newStore(t), def, saga.Request{}).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusCompleted {
		t.Fatalf("status = %s, error %q", res.Status, res.Error)
	}
	if res.Results[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Results[0].Attempts)
	}
}

func TestWorkflow_RetriesExhausted(t *testing.T) {
	j := &journal{}
	def := saga.NewDefinition("down").
		AddStep(j.step("a", func(int) saga.Result { return saga.Fail(saga.KindTransient, "down") })).
		MustBuild()

	res, err := newWorkflow(t, newStore(t), def, saga.Request{}).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if got := res.Results[0].Attempts; got != testConfig().MaxRetries+1 {
		t.Errorf("attempts = %d, want %d", got, testConfig().MaxRetries+1)
	}
}

func TestWorkflow_StepTimeout(t *testing.T) {
	blocking := func(ctx context.Context, _ *saga.StepContext) saga.Result {
		<-ctx.Done()
		return saga.FailWith(ctx.Err())
	}

	tests := []struct {
		name         string
		inFlightSafe bool
		wantAttempts int
	}{
		{"not retried", false, 1},
		{"in-flight safe is retried", true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := saga.NewFuncStep("charge", blocking, nil, &saga.StepConfig{
				Timeout:      20 * time.Millisecond,
				MaxRetries:   2,
				InFlightSafe: tt.inFlightSafe,
			})
			def := saga.NewDefinition("slow").AddStep(step).MustBuild()

			res, err := newWorkflow(t, newStore(t), def, saga.Request{}).Execute(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if res.Status != saga.StatusFailed {
				t.Fatalf("status = %s", res.Status)
			}
			got := res.Results[0]
			if got.Kind() != saga.KindTimeout || got.Attempts != tt.wantAttempts {
				t.Errorf("kind %s attempts %d, want timeout after %d", got.Kind(), got.Attempts, tt.wantAttempts)
			}
		})
	}
}

func TestWorkflow_PanicBecomesInternalFailure(t *testing.T) {
	j := &journal{}
	def := saga.NewDefinition("panics").
		AddSteps(
			j.step("a", succeed),
			j.step("b", func(int) saga.Result { panic("nil pointer") }),
		).
		MustBuild()

	res, err := newWorkflow(t, newStore(t), def, saga.Request{}).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusFailed || res.Results[1].Kind() != saga.KindInternal {
		t.Fatalf("unexpected result: %s %+v", res.Status, res.Results[1].Error)
	}
	assertEntries(t, j.list(), "exec:a", "exec:b", "undo:a")
}

func TestWorkflow_RollbackFailureRaisesAlert(t *testing.T) {
	bus := event.NewMemoryEventBus()
	var (
		mu     sync.Mutex
		alerts []event.Event
	)
	_ = bus.Subscribe(event.EventAlertCritical, func(_ context.Context, e event.Event) error {
		mu.Lock()
		alerts = append(alerts, e)
		mu.Unlock()
		return nil
	})

	stuck := saga.NewFuncStep("reserve",
		func(context.Context, *saga.StepContext) saga.Result { return saga.Ok("", nil) },
		func(context.Context, *saga.StepContext) saga.Result { return saga.Fail(saga.KindBusiness, "already shipped") },
		nil,
	)
	def := saga.NewDefinition("orders").
		AddSteps(stuck, saga.NewFuncStep("pay", func(context.Context, *saga.StepContext) saga.Result {
			return saga.Fail(saga.KindBusiness, "card declined")
		}, nil, nil)).
		MustBuild()

	w := newWorkflow(t, newStore(t), def, saga.Request{}, saga.WithWorkflowEventBus(bus))
	res, err := w.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Rollbacks) != 1 || res.Rollbacks[0].Success {
		t.Fatalf("rollbacks = %+v", res.Rollbacks)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 1 || alerts[0].StepName != "reserve" {
		t.Errorf("alerts = %+v", alerts)
	}

	rec, _ := w.Record()
	if len(rec.RolledBack) != 0 {
		t.Errorf("failed rollback must not be marked rolled back: %v", rec.RolledBack)
	}
}

func TestWorkflow_ContinueOnFailure(t *testing.T) {
	notifyFails := func(int) saga.Result { return saga.Fail(saga.KindBusiness, "smtp down") }

	t.Run("non-critical failure", func(t *testing.T) {
		j := &journal{}
		def := saga.NewDefinition("provision").
			AddSteps(j.step("create", succeed), j.step("notify", notifyFails), j.step("finish", succeed)).
			ContinueOnFailure("create", "finish").
			MustBuild()

		res, err := newWorkflow(t, newStore(t), def, saga.Request{}).Execute(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != saga.StatusCompleted {
			t.Fatalf("status = %s, error %q", res.Status, res.Error)
		}
		if res.Results[1].Success {
			t.Error("notify result should be recorded as failed")
		}
		assertEntries(t, j.list(), "exec:create", "exec:notify", "exec:finish")
	})

	t.Run("critical failure", func(t *testing.T) {
		j := &journal{}
		def := saga.NewDefinition("provision").
			AddSteps(j.step("create", succeed), j.step("notify", notifyFails)).
			ContinueOnFailure("notify").
			MustBuild()

		res, err := newWorkflow(t, newStore(t), def, saga.Request{}).Execute(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != saga.StatusFailed {
			t.Fatalf("status = %s", res.Status)
		}
		assertEntries(t, j.list(), "exec:create", "exec:notify", "undo:create")
	})
}

func TestWorkflow_CircuitBreakerStopsRetries(t *testing.T) {
	breaker := memory.NewMemoryBreakerWithConfig(circuit.BreakerConfig{
		Threshold:       2,
		Timeout:         time.Minute,
		HalfOpenMaxReqs: 1,
	})
	j := &journal{}
	def := saga.NewDefinition("gateway").
		AddStep(j.step("charge", func(int) saga.Result { return saga.Fail(saga.KindTransient, "503") })).
		MustBuild()

	res, err := newWorkflow(t, newStore(t), def, saga.Request{}, saga.WithWorkflowBreaker(breaker)).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := res.Results[0]
	if got.Kind() != saga.KindUnavailable || got.Attempts != 3 {
		t.Errorf("kind %s attempts %d, want unavailable after 3", got.Kind(), got.Attempts)
	}
	assertEntries(t, j.list(), "exec:charge", "exec:charge")
	if state := breaker.Get("charge").State(); state != circuit.StateOpen {
		t.Errorf("breaker state = %s", state)
	}
}

func TestWorkflow_StorageFailure(t *testing.T) {
	store := &brokenStore{Store: newStore(t)}
	def := saga.NewDefinition("orders").AddStep(saga.NewBaseStep("a")).MustBuild()

	res, err := newWorkflow(t, store, def, saga.Request{}).Execute(context.Background())
	if !errors.Is(err, saga.ErrStorageConnection) {
		t.Fatalf("expected ErrStorageConnection, got %v", err)
	}
	if res != nil {
		t.Errorf("no result expected when the saga could not start: %+v", res)
	}
}

// brokenStore fails every saga write.
type brokenStore struct {
	*memstore.Store
}

func (s *brokenStore) SetSaga(context.Context, *saga.SagaRecord) error {
	return fmt.Errorf("%w: dial tcp: connection refused", saga.ErrStorageConnection)
}

// ============================================================================
// Cancellation
// ============================================================================

func TestWorkflow_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := &journal{}
	def := saga.NewDefinition("orders").
		AddSteps(
			j.step("a", succeed),
			saga.NewFuncStep("b", func(ctx context.Context, _ *saga.StepContext) saga.Result {
				j.add("exec:b")
				cancel()
				<-ctx.Done()
				return saga.FailWith(ctx.Err())
			}, nil, nil),
			j.step("c", succeed),
		).
		MustBuild()

	res, err := newWorkflow(t, newStore(t), def, saga.Request{}).Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusCancelled {
		t.Fatalf("status = %s", res.Status)
	}
	last := res.Results[len(res.Results)-1]
	if last.StepName != saga.CancelStepName || last.Kind() != saga.KindCancelled {
		t.Errorf("last result = %+v", last)
	}
	assertEntries(t, j.list(), "exec:a", "exec:b", "undo:a")
}

func TestWorkflow_CancelBeforeExecute(t *testing.T) {
	j := &journal{}
	def := saga.NewDefinition("orders").AddStep(j.step("a", succeed)).MustBuild()
	w := newWorkflow(t, newStore(t), def, saga.Request{})

	res, err := w.Cancel(context.Background(), "customer changed their mind")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusCancelled || res.Error != "[CANCELLED] customer changed their mind" {
		t.Errorf("unexpected result: %s %q", res.Status, res.Error)
	}
	assertEntries(t, j.list())

	if _, err := w.Cancel(context.Background(), "again"); !errors.Is(err, saga.ErrWorkflowTerminal) {
		t.Errorf("expected ErrWorkflowTerminal, got %v", err)
	}
}

// ============================================================================
// Approval
// ============================================================================

type invoiceRequest struct {
	Amount float64 `json:"amount"`
}

// approvalDefinition halts at "review" when the amount is above 100.
func approvalDefinition(j *journal) *saga.Definition {
	review := saga.NewFuncStep("review", func(_ context.Context, sc *saga.StepContext) saga.Result {
		j.add("exec:review")
		req, err := saga.PayloadAs[invoiceRequest](sc.Request)
		if err != nil {
			return saga.Fail(saga.KindValidation, err.Error())
		}
		if sc.NeedsApproval(req.Amount) {
			return saga.NeedsApproval("amount above threshold", nil, map[string]any{"amount": req.Amount})
		}
		return saga.Ok("", nil)
	}, func(context.Context, *saga.StepContext) saga.Result {
		j.add("undo:review")
		return saga.Ok("", nil)
	}, nil)

	charge := saga.NewFuncStep("charge", func(_ context.Context, sc *saga.StepContext) saga.Result {
		j.add("exec:charge")
		approval, ok := saga.ContextValue[map[string]any](sc.Business, saga.ApprovalContextKey)
		if ok {
			j.add(fmt.Sprintf("approved-by:%v", approval["by"]))
		}
		return saga.Ok("", nil)
	}, nil, nil)

	return saga.NewDefinition("invoice").
		AddSteps(j.step("draft", succeed), review, charge).
		WithApprovalThreshold(100).
		MustBuild()
}

func haltedWorkflow(t *testing.T, store saga.Storage, j *journal) *saga.Workflow {
	t.Helper()
	req, _ := saga.NewRequest("t1", invoiceRequest{Amount: 500})
	w := newWorkflow(t, store, approvalDefinition(j), req)
	res, err := w.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusWaitingApproval {
		t.Fatalf("status = %s, want waiting_approval (error %q)", res.Status, res.Error)
	}
	return w
}

func TestWorkflow_SmallAmountSkipsApproval(t *testing.T) {
	j := &journal{}
	req, _ := saga.NewRequest("t1", invoiceRequest{Amount: 50})
	res, err := newWorkflow(t, newStore(t), approvalDefinition(j), req).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	assertEntries(t, j.list(), "exec:draft", "exec:review", "exec:charge")
}

func TestWorkflow_Approve(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	w := haltedWorkflow(t, newStore(t), j)
	assertEntries(t, j.list(), "exec:draft", "exec:review")

	results := w.Results()
	if !results[1].RequiresApproval || results[1].ApprovalData["amount"] != 500.0 {
		t.Errorf("approval request not recorded: %+v", results[1])
	}

	res, err := w.Approve(ctx, map[string]any{"by": "ops"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusCompleted {
		t.Fatalf("status = %s, error %q", res.Status, res.Error)
	}
	assertEntries(t, j.list(), "exec:draft", "exec:review", "exec:charge", "approved-by:ops")

	if _, err := w.Approve(ctx, nil); !errors.Is(err, saga.ErrInvalidWorkflowState) {
		t.Errorf("expected ErrInvalidWorkflowState, got %v", err)
	}
}

func TestWorkflow_Reject(t *testing.T) {
	j := &journal{}
	w := haltedWorkflow(t, newStore(t), j)

	res, err := w.Reject(context.Background(), "amount too large")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusCancelled {
		t.Fatalf("status = %s", res.Status)
	}
	last := res.Results[len(res.Results)-1]
	if last.StepName != saga.RejectStepName || last.Kind() != saga.KindRejected || last.Message != "[REJECTED] amount too large" {
		t.Errorf("last result = %+v", last)
	}
	assertEntries(t, j.list(), "exec:draft", "exec:review", "undo:review", "undo:draft")

	if _, err := w.Reject(context.Background(), "twice"); !errors.Is(err, saga.ErrInvalidWorkflowState) {
		t.Errorf("expected ErrInvalidWorkflowState, got %v", err)
	}
}

func TestWorkflow_RejectRequiresWaiting(t *testing.T) {
	def := saga.NewDefinition("orders").AddStep(saga.NewBaseStep("a")).MustBuild()
	w := newWorkflow(t, newStore(t), def, saga.Request{})
	if _, err := w.Reject(context.Background(), "nope"); !errors.Is(err, saga.ErrInvalidWorkflowState) {
		t.Errorf("expected ErrInvalidWorkflowState, got %v", err)
	}
}

func TestRestoreWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	j := &journal{}
	w := haltedWorkflow(t, store, j)

	rec, err := store.GetSaga(ctx, w.ID())
	if err != nil || rec == nil {
		t.Fatalf("GetSaga: %v %v", rec, err)
	}

	// Another process picks the saga up from storage.
	restored, err := saga.RestoreWorkflow(store, approvalDefinition(j), rec, saga.WithWorkflowConfig(testConfig()))
	if err != nil {
		t.Fatalf("RestoreWorkflow: %v", err)
	}
	res, err := restored.Approve(ctx, map[string]any{"by": "replica-2"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != saga.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if !res.Results[2].Timestamp.After(res.Results[1].Timestamp) {
		t.Error("timestamps must keep increasing after a restore")
	}

	changed := saga.NewDefinition("invoice").AddStep(saga.NewBaseStep("draft")).MustBuild()
	if _, err := saga.RestoreWorkflow(store, changed, rec); !errors.Is(err, saga.ErrInvalidWorkflowState) {
		t.Errorf("expected ErrInvalidWorkflowState, got %v", err)
	}
}

func TestWorkflow_RollbackStep(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	def := saga.NewDefinition("orders").AddSteps(j.step("a", succeed), j.step("b", succeed)).MustBuild()
	w := newWorkflow(t, newStore(t), def, saga.Request{})
	if _, err := w.Execute(ctx); err != nil {
		t.Fatal(err)
	}

	if res := w.RollbackStep(ctx, "b"); !res.Success {
		t.Fatalf("rollback failed: %+v", res)
	}
	res := w.RollbackStep(ctx, "b")
	if !res.Success || res.Message != "nothing to roll back" {
		t.Errorf("second rollback should be a no-op: %+v", res)
	}
	if res := w.RollbackStep(ctx, "missing"); res.Success {
		t.Error("unknown step should fail")
	}
	assertEntries(t, j.list(), "exec:a", "exec:b", "undo:b")
}

// ============================================================================
// Events
// ============================================================================

func TestWorkflow_PublishesLifecycleEvents(t *testing.T) {
	bus := event.NewMemoryEventBus()
	var (
		mu    sync.Mutex
		types []event.EventType
	)
	_ = bus.SubscribeAll(func(_ context.Context, e event.Event) error {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		return nil
	})

	def := saga.NewDefinition("orders").AddStep(saga.NewBaseStep("a")).MustBuild()
	if _, err := newWorkflow(t, newStore(t), def, saga.Request{}, saga.WithWorkflowEventBus(bus)).Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []event.EventType{
		event.EventSagaStarted,
		event.EventStepStarted,
		event.EventStepCompleted,
		event.EventSagaCompleted,
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(types, want) {
		t.Errorf("events = %v, want %v", types, want)
	}
}

// ============================================================================
// Property-Based Tests
// ============================================================================

// Whatever step fails, exactly the steps before it are compensated, newest
// first.
func TestProperty_CompensationMirrorsExecution(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "steps")
		failAt := rapid.IntRange(-1, n-1).Draw(rt, "failAt")

		store := memstore.New()
		defer store.Close()

		j := &journal{}
		b := saga.NewDefinition("prop")
		var want []string
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("s%d", i)
			outcome := succeed
			if i == failAt {
				outcome = func(int) saga.Result { return saga.Fail(saga.KindBusiness, "boom") }
			}
			b.AddStep(j.step(name, outcome))
			if failAt < 0 || i <= failAt {
				want = append(want, "exec:"+name)
			}
		}
		for i := failAt - 1; i >= 0; i-- {
			want = append(want, fmt.Sprintf("undo:s%d", i))
		}

		w, err := saga.NewWorkflow(store, b.MustBuild(), saga.Request{}, saga.WithWorkflowConfig(testConfig()))
		if err != nil {
			rt.Fatal(err)
		}
		res, err := w.Execute(context.Background())
		if err != nil {
			rt.Fatal(err)
		}

		wantStatus := saga.StatusCompleted
		if failAt >= 0 {
			wantStatus = saga.StatusFailed
		}
		if res.Status != wantStatus {
			rt.Fatalf("status = %s, want %s", res.Status, wantStatus)
		}
		if got := j.list(); !slices.Equal(got, want) {
			rt.Fatalf("journal = %v, want %v", got, want)
		}
	})
}
