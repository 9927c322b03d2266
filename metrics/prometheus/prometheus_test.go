package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"saga/circuit"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Namespace != "saga" {
		t.Errorf("expected namespace 'saga', got '%s'", cfg.Namespace)
	}
	if cfg.Subsystem != "" {
		t.Errorf("expected empty subsystem, got '%s'", cfg.Subsystem)
	}
	if cfg.Registry != prometheus.DefaultRegisterer {
		t.Error("expected default registry")
	}
}

func TestPrometheusMetrics_SagaStarted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.SagaStarted("billing_run")
	m.SagaStarted("billing_run")
	m.SagaStarted("provisioning")

	if got := testutil.ToFloat64(m.sagaStartedTotal.WithLabelValues("billing_run")); got != 2 {
		t.Errorf("expected billing_run count 2, got %f", got)
	}
	if got := testutil.CollectAndCount(m.sagaStartedTotal); got != 2 {
		t.Errorf("expected 2 series, got %d", got)
	}
}

func TestPrometheusMetrics_SagaFinished(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.SagaFinished("billing_run", "completed", 100*time.Millisecond)
	m.SagaFinished("billing_run", "failed", 200*time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	foundCounter := false
	foundHistogram := false
	for _, mf := range mfs {
		switch mf.GetName() {
		case "test_saga_finished_total":
			foundCounter = true
			if len(mf.GetMetric()) != 2 {
				t.Errorf("expected 2 metric series (one per status), got %d", len(mf.GetMetric()))
			}
		case "test_saga_duration_seconds":
			foundHistogram = true
		}
	}
	if !foundCounter {
		t.Error("saga_finished_total metric not found")
	}
	if !foundHistogram {
		t.Error("saga_duration_seconds metric not found")
	}
}

func TestPrometheusMetrics_StepMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.StepStarted("billing_run", "process_payments")
	m.StepCompleted("billing_run", "generate_invoices", 50*time.Millisecond)
	m.StepFailed("billing_run", "process_payments", "transient")
	m.StepRetried("billing_run", "process_payments")
	m.StepRetried("billing_run", "process_payments")

	if got := testutil.ToFloat64(m.stepFailedTotal.WithLabelValues("billing_run", "process_payments", "transient")); got != 1 {
		t.Errorf("expected 1 failure, got %f", got)
	}
	if got := testutil.ToFloat64(m.stepRetriedTotal.WithLabelValues("billing_run", "process_payments")); got != 2 {
		t.Errorf("expected 2 retries, got %f", got)
	}
	if got := testutil.ToFloat64(m.stepCompletedTotal.WithLabelValues("billing_run", "generate_invoices")); got != 1 {
		t.Errorf("expected 1 completion, got %f", got)
	}
}

func TestPrometheusMetrics_RollbackFinished(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.RollbackFinished("billing_run", "generate_invoices", true)
	m.RollbackFinished("billing_run", "generate_invoices", false)
	m.RollbackFinished("billing_run", "generate_invoices", true)

	if got := testutil.ToFloat64(m.rollbackTotal.WithLabelValues("billing_run", "generate_invoices", "true")); got != 2 {
		t.Errorf("expected 2 successful rollbacks, got %f", got)
	}
	if got := testutil.ToFloat64(m.rollbackTotal.WithLabelValues("billing_run", "generate_invoices", "false")); got != 1 {
		t.Errorf("expected 1 failed rollback, got %f", got)
	}
}

func TestPrometheusMetrics_CircuitState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.CircuitStateChanged("process_payments", circuit.StateOpen)
	if got := testutil.ToFloat64(m.circuitState.WithLabelValues("process_payments")); got != float64(circuit.StateOpen) {
		t.Errorf("expected open state, got %f", got)
	}

	m.CircuitStateChanged("process_payments", circuit.StateClosed)
	if got := testutil.ToFloat64(m.circuitState.WithLabelValues("process_payments")); got != float64(circuit.StateClosed) {
		t.Errorf("expected closed state, got %f", got)
	}
}

func TestPrometheusMetrics_LockMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.LockAcquired(10 * time.Millisecond)
	m.LockFailed("held")
	m.LockFailed("held")
	m.LockExtended()
	m.LockExtendFailed()

	if got := testutil.ToFloat64(m.lockAcquiredTotal); got != 1 {
		t.Errorf("expected 1 acquisition, got %f", got)
	}
	if got := testutil.ToFloat64(m.lockFailedTotal.WithLabelValues("held")); got != 2 {
		t.Errorf("expected 2 failures, got %f", got)
	}
	if got := testutil.ToFloat64(m.lockExtendedTotal); got != 1 {
		t.Errorf("expected 1 extension, got %f", got)
	}
	if got := testutil.ToFloat64(m.lockExtendFailedTotal); got != 1 {
		t.Errorf("expected 1 extension failure, got %f", got)
	}
}

func TestPrometheusMetrics_SweepCompleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.SweepCompleted(3)
	m.SweepCompleted(4)

	if got := testutil.ToFloat64(m.sweptTotal); got != 7 {
		t.Errorf("expected 7 removed, got %f", got)
	}
}

func TestNew_NilRegistryUsesDefault(t *testing.T) {
	// Registering twice on the default registry would panic, so use a
	// distinct namespace.
	m := New(Config{Namespace: "test_default_registry"})
	if m == nil {
		t.Fatal("expected metrics instance")
	}
}
