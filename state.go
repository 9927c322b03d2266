package saga

// WorkflowStatus represents the status of a saga instance.
type WorkflowStatus string

const (
	StatusPending         WorkflowStatus = "pending"
	StatusRunning         WorkflowStatus = "running"
	StatusWaitingApproval WorkflowStatus = "waiting_approval"
	StatusCompleted       WorkflowStatus = "completed"
	StatusFailed          WorkflowStatus = "failed"
	StatusCancelled       WorkflowStatus = "cancelled"
)

// validTransitions defines the workflow state machine.
// Statuses only move forward, except the approval path which resumes a
// halted workflow back to running.
var validTransitions = map[WorkflowStatus][]WorkflowStatus{
	StatusPending:         {StatusRunning, StatusCancelled},
	StatusRunning:         {StatusCompleted, StatusFailed, StatusWaitingApproval, StatusCancelled},
	StatusWaitingApproval: {StatusRunning, StatusCancelled},
	StatusCompleted:       {},
	StatusFailed:          {},
	StatusCancelled:       {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to WorkflowStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status is a terminal state.
func IsTerminal(status WorkflowStatus) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsHalted returns true if the workflow stopped without finishing and can be resumed.
func IsHalted(status WorkflowStatus) bool {
	return status == StatusWaitingApproval
}

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s WorkflowStatus) String() string {
	return string(s)
}

// OperationStatus represents the status of a background operation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
)

// IsDone returns true if the operation finished.
func (s OperationStatus) IsDone() bool {
	return s == OperationCompleted || s == OperationFailed
}
