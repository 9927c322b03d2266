// Package event provides event definitions and the event bus for the saga engine.
package event

import (
	"time"
)

// EventType identifies an event.
type EventType string

const (
	// Saga lifecycle events
	EventSagaStarted         EventType = "saga.started"
	EventSagaCompleted       EventType = "saga.completed"
	EventSagaFailed          EventType = "saga.failed"
	EventSagaCancelled       EventType = "saga.cancelled"
	EventSagaWaitingApproval EventType = "saga.waiting_approval"
	EventSagaApproved        EventType = "saga.approved"
	EventSagaRejected        EventType = "saga.rejected"
	EventSagaReplayed        EventType = "saga.replayed"

	// Step lifecycle events
	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepRetrying  EventType = "step.retrying"

	// Rollback events
	EventRollbackCompleted EventType = "rollback.completed"
	EventRollbackFailed    EventType = "rollback.failed"

	// Maintenance events
	EventSweepCompleted EventType = "sweep.completed"

	// Alert events
	EventAlertWarning  EventType = "alert.warning"
	EventAlertCritical EventType = "alert.critical"
)

// Event is a notification published by the engine.
type Event struct {
	Type      EventType
	SagaID    string
	SagaType  string
	TenantID  string
	StepName  string
	Timestamp time.Time
	Data      map[string]any
	Error     error
}

// NewEvent creates a new event with the given type and automatically sets the timestamp.
func NewEvent(eventType EventType) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}

// WithSaga sets the saga identity on the event.
func (e Event) WithSaga(id, sagaType string) Event {
	e.SagaID = id
	e.SagaType = sagaType
	return e
}

// WithTenant sets the tenant on the event.
func (e Event) WithTenant(tenantID string) Event {
	e.TenantID = tenantID
	return e
}

// WithStepName sets the step name on the event.
func (e Event) WithStepName(stepName string) Event {
	e.StepName = stepName
	return e
}

// WithError sets the error on the event.
func (e Event) WithError(err error) Event {
	e.Error = err
	return e
}

// WithData sets a key-value pair in the event data.
func (e Event) WithData(key string, value any) Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}
