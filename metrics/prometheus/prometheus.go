// Package prometheus provides a Prometheus implementation of the metrics interface.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"saga/circuit"
	"saga/metrics"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
type PrometheusMetrics struct {
	// Saga metrics
	sagaStartedTotal  *prometheus.CounterVec
	sagaFinishedTotal *prometheus.CounterVec
	sagaReplayedTotal *prometheus.CounterVec
	sagaDuration      *prometheus.HistogramVec

	// Step metrics
	stepStartedTotal   *prometheus.CounterVec
	stepCompletedTotal *prometheus.CounterVec
	stepFailedTotal    *prometheus.CounterVec
	stepRetriedTotal   *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	rollbackTotal      *prometheus.CounterVec

	// Circuit breaker metrics
	circuitState *prometheus.GaugeVec

	// Lock metrics
	lockAcquiredTotal     prometheus.Counter
	lockFailedTotal       *prometheus.CounterVec
	lockExtendedTotal     prometheus.Counter
	lockExtendFailedTotal prometheus.Counter
	lockAcquireDuration   prometheus.Histogram

	// Maintenance metrics
	sweptTotal prometheus.Counter
}

var _ metrics.Metrics = (*PrometheusMetrics)(nil)

// Config holds configuration for PrometheusMetrics.
type Config struct {
	// Namespace is the prefix for all metrics (e.g., "saga")
	Namespace string
	// Subsystem is an optional subsystem name
	Subsystem string
	// Registry is the Prometheus registry to use. If nil, the default registry is used.
	Registry prometheus.Registerer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "saga",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// New creates a new PrometheusMetrics instance with the given configuration.
func New(cfg Config) *PrometheusMetrics {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registry)
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &PrometheusMetrics{
		sagaStartedTotal:  counterVec("saga_started_total", "Total number of sagas started", "saga_type"),
		sagaFinishedTotal: counterVec("saga_finished_total", "Total number of saga executions by resulting status", "saga_type", "status"),
		sagaReplayedTotal: counterVec("saga_replayed_total", "Total number of saga requests answered from the idempotency cache", "saga_type"),
		sagaDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "saga_duration_seconds",
			Help:      "Saga execution duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		}, []string{"saga_type", "status"}),

		stepStartedTotal:   counterVec("step_started_total", "Total number of steps started", "saga_type", "step_name"),
		stepCompletedTotal: counterVec("step_completed_total", "Total number of steps completed successfully", "saga_type", "step_name"),
		stepFailedTotal:    counterVec("step_failed_total", "Total number of steps failed", "saga_type", "step_name", "kind"),
		stepRetriedTotal:   counterVec("step_retried_total", "Total number of step retries", "saga_type", "step_name"),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "step_duration_seconds",
			Help:      "Step duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}, []string{"saga_type", "step_name"}),
		rollbackTotal: counterVec("rollback_total", "Total number of step rollbacks", "saga_type", "step_name", "success"),

		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
		}, []string{"service"}),

		lockAcquiredTotal:     counter("lock_acquired_total", "Total number of locks acquired"),
		lockFailedTotal:       counterVec("lock_failed_total", "Total number of lock acquisition failures", "reason"),
		lockExtendedTotal:     counter("lock_extended_total", "Total number of lock extensions"),
		lockExtendFailedTotal: counter("lock_extend_failed_total", "Total number of lock extension failures"),
		lockAcquireDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_acquire_duration_seconds",
			Help:      "Time taken to acquire locks in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		}),

		sweptTotal: counter("sweep_removed_total", "Total number of expired records removed by the sweeper"),
	}
}

// Saga metrics

func (p *PrometheusMetrics) SagaStarted(sagaType string) {
	p.sagaStartedTotal.WithLabelValues(sagaType).Inc()
}

func (p *PrometheusMetrics) SagaFinished(sagaType, status string, duration time.Duration) {
	p.sagaFinishedTotal.WithLabelValues(sagaType, status).Inc()
	p.sagaDuration.WithLabelValues(sagaType, status).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) SagaReplayed(sagaType string) {
	p.sagaReplayedTotal.WithLabelValues(sagaType).Inc()
}

// Step metrics

func (p *PrometheusMetrics) StepStarted(sagaType, stepName string) {
	p.stepStartedTotal.WithLabelValues(sagaType, stepName).Inc()
}

func (p *PrometheusMetrics) StepCompleted(sagaType, stepName string, duration time.Duration) {
	p.stepCompletedTotal.WithLabelValues(sagaType, stepName).Inc()
	p.stepDuration.WithLabelValues(sagaType, stepName).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) StepFailed(sagaType, stepName, kind string) {
	p.stepFailedTotal.WithLabelValues(sagaType, stepName, kind).Inc()
}

func (p *PrometheusMetrics) StepRetried(sagaType, stepName string) {
	p.stepRetriedTotal.WithLabelValues(sagaType, stepName).Inc()
}

func (p *PrometheusMetrics) RollbackFinished(sagaType, stepName string, success bool) {
	p.rollbackTotal.WithLabelValues(sagaType, stepName, strconv.FormatBool(success)).Inc()
}

// Circuit breaker metrics

func (p *PrometheusMetrics) CircuitStateChanged(service string, state circuit.State) {
	p.circuitState.WithLabelValues(service).Set(float64(state))
}

// Lock metrics

func (p *PrometheusMetrics) LockAcquired(duration time.Duration) {
	p.lockAcquiredTotal.Inc()
	p.lockAcquireDuration.Observe(duration.Seconds())
}

func (p *PrometheusMetrics) LockFailed(reason string) {
	p.lockFailedTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusMetrics) LockExtended() {
	p.lockExtendedTotal.Inc()
}

func (p *PrometheusMetrics) LockExtendFailed() {
	p.lockExtendFailedTotal.Inc()
}

// Maintenance metrics

func (p *PrometheusMetrics) SweepCompleted(removed int) {
	p.sweptTotal.Add(float64(removed))
}
