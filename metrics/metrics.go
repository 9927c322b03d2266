// Package metrics provides the metrics interface for the saga engine.
package metrics

import (
	"time"

	"saga/circuit"
)

// Metrics defines the interface for collecting observability metrics.
type Metrics interface {
	// Saga metrics
	SagaStarted(sagaType string)
	SagaFinished(sagaType, status string, duration time.Duration)
	SagaReplayed(sagaType string)

	// Step metrics
	StepStarted(sagaType, stepName string)
	StepCompleted(sagaType, stepName string, duration time.Duration)
	StepFailed(sagaType, stepName, kind string)
	StepRetried(sagaType, stepName string)
	RollbackFinished(sagaType, stepName string, success bool)

	// Circuit breaker metrics
	CircuitStateChanged(service string, state circuit.State)

	// Lock metrics
	LockAcquired(duration time.Duration)
	LockFailed(reason string)
	LockExtended()
	LockExtendFailed()

	// Maintenance metrics
	SweepCompleted(removed int)
}

// NoopMetrics is a no-op implementation of Metrics for testing or when metrics are disabled.
type NoopMetrics struct{}

var _ Metrics = (*NoopMetrics)(nil)

func (n *NoopMetrics) SagaStarted(sagaType string)                              {}
func (n *NoopMetrics) SagaFinished(sagaType, status string, d time.Duration)    {}
func (n *NoopMetrics) SagaReplayed(sagaType string)                             {}
func (n *NoopMetrics) StepStarted(sagaType, stepName string)                    {}
func (n *NoopMetrics) StepCompleted(sagaType, stepName string, d time.Duration) {}
func (n *NoopMetrics) StepFailed(sagaType, stepName, kind string)               {}
func (n *NoopMetrics) StepRetried(sagaType, stepName string)                    {}
func (n *NoopMetrics) RollbackFinished(sagaType, stepName string, success bool) {}
func (n *NoopMetrics) CircuitStateChanged(service string, state circuit.State)  {}
func (n *NoopMetrics) LockAcquired(duration time.Duration)                      {}
func (n *NoopMetrics) LockFailed(reason string)                                 {}
func (n *NoopMetrics) LockExtended()                                            {}
func (n *NoopMetrics) LockExtendFailed()                                        {}
func (n *NoopMetrics) SweepCompleted(removed int)                               {}
