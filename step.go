package saga

import (
	"context"
	"time"
)

// StepConfig represents per-step configuration options
type StepConfig struct {
	// Timeout is the step execution timeout, 0 means use global config
	Timeout time.Duration
	// MaxRetries is the maximum retry count, 0 means use global config.
	// A negative value disables retries for the step.
	MaxRetries int
	// RetryInterval is the base backoff interval, 0 means use global config
	RetryInterval time.Duration
	// InFlightSafe marks steps whose external call is keyed by an idempotency
	// key, so a timed-out attempt may be retried without double effects.
	InFlightSafe bool
}

// Step defines the interface for saga steps
type Step interface {
	// Name returns the step name
	Name() string

	// Execute performs the step's forward action
	Execute(ctx context.Context, sc *StepContext) Result

	// Rollback performs the compensating action for a step that succeeded.
	// Steps without side effects return Ok.
	Rollback(ctx context.Context, sc *StepContext) Result

	// Config returns the step-level configuration, nil means use global config
	Config() *StepConfig
}

// BaseStep provides a base implementation of the Step interface
// that can be embedded in custom step implementations
type BaseStep struct {
	name   string
	config *StepConfig
}

// NewBaseStep creates a new BaseStep with the given name
func NewBaseStep(name string) *BaseStep {
	return &BaseStep{name: name}
}

// NewBaseStepWithConfig creates a new BaseStep with the given name and config
func NewBaseStepWithConfig(name string, config *StepConfig) *BaseStep {
	return &BaseStep{name: name, config: config}
}

// Name returns the step name
func (s *BaseStep) Name() string {
	return s.name
}

// Execute is a no-op implementation that should be overridden
func (s *BaseStep) Execute(ctx context.Context, sc *StepContext) Result {
	return Ok("", nil)
}

// Rollback has nothing to undo by default
func (s *BaseStep) Rollback(ctx context.Context, sc *StepContext) Result {
	return Ok("nothing to roll back", nil)
}

// Config returns the step configuration
func (s *BaseStep) Config() *StepConfig {
	return s.config
}

// SetConfig sets the step configuration
func (s *BaseStep) SetConfig(config *StepConfig) {
	s.config = config
}

// StepFunc is the signature of a step action.
type StepFunc func(ctx context.Context, sc *StepContext) Result

// FuncStep adapts plain functions to the Step interface.
type FuncStep struct {
	*BaseStep
	execute  StepFunc
	rollback StepFunc
}

// NewFuncStep creates a step from an execute function and an optional
// rollback function.
func NewFuncStep(name string, execute, rollback StepFunc, config *StepConfig) *FuncStep {
	return &FuncStep{
		BaseStep: NewBaseStepWithConfig(name, config),
		execute:  execute,
		rollback: rollback,
	}
}

// Execute runs the execute function.
func (s *FuncStep) Execute(ctx context.Context, sc *StepContext) Result {
	if s.execute == nil {
		return s.BaseStep.Execute(ctx, sc)
	}
	return s.execute(ctx, sc)
}

// Rollback runs the rollback function, if any.
func (s *FuncStep) Rollback(ctx context.Context, sc *StepContext) Result {
	if s.rollback == nil {
		return s.BaseStep.Rollback(ctx, sc)
	}
	return s.rollback(ctx, sc)
}
