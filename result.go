package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a step failure.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindBusiness    ErrorKind = "business"
	KindTransient   ErrorKind = "transient"
	KindTimeout     ErrorKind = "timeout"
	KindStorage     ErrorKind = "storage"
	KindUnavailable ErrorKind = "unavailable"
	KindInternal    ErrorKind = "internal"
	KindRejected    ErrorKind = "rejected"
	KindCancelled   ErrorKind = "cancelled"
)

// retryableKinds lists the kinds the step executor retries. Timeouts are
// retried separately, and only for in-flight-safe steps.
var retryableKinds = map[ErrorKind]bool{
	KindTransient: true,
	KindStorage:   true,
}

// StepError is the failure carried by an unsuccessful Result.
type StepError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Result is the outcome of one step execution or rollback.
type Result struct {
	StepName         string         `json:"step_name"`
	Success          bool           `json:"success"`
	Error            *StepError     `json:"error,omitempty"`
	Message          string         `json:"message,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	ApprovalData     map[string]any `json:"approval_data,omitempty"`
	Attempts         int            `json:"attempts,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Ok returns a successful result.
func Ok(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// NeedsApproval returns a successful result that halts the workflow until
// it is approved or rejected.
func NeedsApproval(message string, data, approvalData map[string]any) Result {
	return Result{
		Success:          true,
		Message:          message,
		Data:             data,
		RequiresApproval: true,
		ApprovalData:     approvalData,
	}
}

// Fail returns a failed result of the given kind.
func Fail(kind ErrorKind, message string) Result {
	return Result{Success: false, Error: &StepError{Kind: kind, Message: message}}
}

// Failf is Fail with a formatted message.
func Failf(kind ErrorKind, format string, args ...any) Result {
	return Fail(kind, fmt.Sprintf(format, args...))
}

// FailWith converts err into a failed result, classifying infrastructure
// errors by kind. Errors that are not recognised are business failures.
func FailWith(err error) Result {
	return Fail(ClassifyError(err), err.Error())
}

// ClassifyError maps an error returned by a collaborator to an ErrorKind.
func ClassifyError(err error) ErrorKind {
	var se *StepError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrStorageTimeout):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrStorageConnection), errors.Is(err, ErrStorageOperation):
		return KindStorage
	case errors.Is(err, ErrCircuitOpen):
		return KindUnavailable
	default:
		return KindBusiness
	}
}

// WithData returns a copy of r with key set in its data.
func (r Result) WithData(key string, value any) Result {
	data := make(map[string]any, len(r.Data)+1)
	for k, v := range r.Data {
		data[k] = v
	}
	data[key] = value
	r.Data = data
	return r
}

// Err returns the step error as an error value, or nil on success.
func (r Result) Err() error {
	if r.Success || r.Error == nil {
		return nil
	}
	return r.Error
}

// Kind returns the failure kind, or the empty kind on success.
func (r Result) Kind() ErrorKind {
	if r.Error == nil {
		return ""
	}
	return r.Error.Kind
}

// normalize enforces that failed results always carry an error.
func (r Result) normalize(stepName string) Result {
	if r.StepName == "" {
		r.StepName = stepName
	}
	if !r.Success && r.Error == nil {
		r.Error = &StepError{Kind: KindInternal, Message: "step reported failure without an error"}
	}
	if r.Success {
		r.Error = nil
	}
	return r
}
