package saga

import (
	"errors"
)

// Storage errors
var (
	// ErrStorageConnection indicates the backing store could not be reached.
	ErrStorageConnection = errors.New("storage connection error")
	// ErrStorageTimeout indicates a storage operation exceeded its deadline after retry.
	ErrStorageTimeout = errors.New("storage timeout")
	// ErrStorageOperation indicates a storage operation failed for another reason.
	ErrStorageOperation = errors.New("storage operation failed")
	// ErrStorageClosed indicates the storage backend was already closed.
	ErrStorageClosed = errors.New("storage closed")
	// ErrNonDurableStorage indicates a non-durable backend was configured for a replicated deployment.
	ErrNonDurableStorage = errors.New("storage backend is not durable across processes")
)

// Lock errors
var (
	// ErrLockAcquisition indicates a distributed lock could not be acquired.
	ErrLockAcquisition = errors.New("lock acquisition failed")
	// ErrSagaInProgress indicates another worker is already executing the saga.
	ErrSagaInProgress = errors.New("saga already in progress")
	// ErrLockTTLTooShort indicates the lock TTL cannot cover the saga's worst-case step chain.
	ErrLockTTLTooShort = errors.New("lock ttl shorter than worst-case saga duration")
)

// Registry errors
var (
	// ErrSagaAlreadyRegistered indicates a saga type name was registered twice.
	ErrSagaAlreadyRegistered = errors.New("saga already registered")
	// ErrSagaNotRegistered indicates no saga type is registered under the name.
	ErrSagaNotRegistered = errors.New("saga not registered")
	// ErrRegistryFrozen indicates registration was attempted after the registry was sealed.
	ErrRegistryFrozen = errors.New("saga registry is sealed")
	// ErrInvalidSagaName indicates an empty or malformed saga type name.
	ErrInvalidSagaName = errors.New("invalid saga name")
)

// Workflow errors
var (
	// ErrSagaNotFound indicates no saga instance exists with the given ID.
	ErrSagaNotFound = errors.New("saga not found")
	// ErrInvalidWorkflowState indicates the operation is not allowed in the workflow's current status.
	ErrInvalidWorkflowState = errors.New("invalid workflow state")
	// ErrWorkflowTerminal indicates the workflow already reached a terminal status.
	ErrWorkflowTerminal = errors.New("workflow is terminal")
	// ErrInvalidTransition indicates an invalid status transition.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNoSteps indicates a workflow definition without steps.
	ErrNoSteps = errors.New("workflow has no steps")
	// ErrDuplicateStep indicates two steps with the same name in one definition.
	ErrDuplicateStep = errors.New("duplicate step name")
	// ErrUnknownCriticalStep indicates a critical step name that is not part of the definition.
	ErrUnknownCriticalStep = errors.New("critical step not in definition")
)

// Coordinator errors
var (
	// ErrCoordinatorClosed indicates the coordinator no longer accepts work.
	ErrCoordinatorClosed = errors.New("coordinator closed")
	// ErrOperationNotFound indicates no background operation exists with the given ID.
	ErrOperationNotFound = errors.New("operation not found")
)

// Configuration errors
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Circuit breaker errors
var (
	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// IsRetryable reports whether err is an infrastructure condition callers should
// retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConnection) ||
		errors.Is(err, ErrStorageTimeout) ||
		errors.Is(err, ErrLockAcquisition)
}
