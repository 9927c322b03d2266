package saga

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ValidateStepName is the step name recorded when business rule validation
// rejects a saga before any step runs.
const ValidateStepName = "validate_business_rules"

// Policy controls how a workflow reacts to failures and approvals.
type Policy struct {
	// RollbackOnFailure compensates succeeded steps when the workflow fails.
	// NewDefinition enables it.
	RollbackOnFailure bool

	// ContinueOnStepFailure records a failed step and moves on to the next
	// one. The workflow then only fails when one of CriticalSteps fails.
	ContinueOnStepFailure bool
	CriticalSteps         []string

	// RequireApproval makes StepContext.NeedsApproval always true.
	RequireApproval bool
	// ApprovalThreshold makes StepContext.NeedsApproval true for amounts above it.
	ApprovalThreshold *float64
}

// DefaultPolicy returns the policy of a new definition.
func DefaultPolicy() Policy {
	return Policy{RollbackOnFailure: true}
}

// ValidateFunc checks domain preconditions before any step runs.
type ValidateFunc func(ctx context.Context, sc *StepContext) error

// Definition is one saga type: its ordered steps, validation hook and policy.
type Definition struct {
	name     string
	steps    []Step
	validate ValidateFunc
	policy   Policy
}

// Factory builds the definition of a saga type for a request. It is called
// for every execution and again when a halted saga is resumed, so it must
// return the same steps for the same request.
type Factory func(ctx context.Context, req Request) (*Definition, error)

// DefinitionBuilder provides a fluent API for building definitions.
type DefinitionBuilder struct {
	def    *Definition
	errors []error
}

// NewDefinition starts a definition with the default policy.
func NewDefinition(name string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: &Definition{
			name:   name,
			policy: DefaultPolicy(),
		},
	}
}

// AddStep appends a step. Steps run in the order they are added.
func (b *DefinitionBuilder) AddStep(step Step) *DefinitionBuilder {
	if step == nil || step.Name() == "" {
		b.errors = append(b.errors, fmt.Errorf("%w: step without a name", ErrInvalidConfig))
		return b
	}
	if b.def.Step(step.Name()) != nil {
		b.errors = append(b.errors, fmt.Errorf("%w: %s", ErrDuplicateStep, step.Name()))
		return b
	}
	b.def.steps = append(b.def.steps, step)
	return b
}

// AddSteps appends several steps.
func (b *DefinitionBuilder) AddSteps(steps ...Step) *DefinitionBuilder {
	for _, s := range steps {
		b.AddStep(s)
	}
	return b
}

// WithValidator sets the business rule check run before the first step.
func (b *DefinitionBuilder) WithValidator(fn ValidateFunc) *DefinitionBuilder {
	b.def.validate = fn
	return b
}

// WithPolicy replaces the whole policy.
func (b *DefinitionBuilder) WithPolicy(p Policy) *DefinitionBuilder {
	b.def.policy = p
	return b
}

// WithoutRollback disables compensation on failure.
func (b *DefinitionBuilder) WithoutRollback() *DefinitionBuilder {
	b.def.policy.RollbackOnFailure = false
	return b
}

// ContinueOnFailure keeps running after failed steps; only the listed
// critical steps fail the workflow.
func (b *DefinitionBuilder) ContinueOnFailure(critical ...string) *DefinitionBuilder {
	b.def.policy.ContinueOnStepFailure = true
	b.def.policy.CriticalSteps = append(b.def.policy.CriticalSteps, critical...)
	return b
}

// RequireApproval gates the workflow on approval for every amount.
func (b *DefinitionBuilder) RequireApproval() *DefinitionBuilder {
	b.def.policy.RequireApproval = true
	return b
}

// WithApprovalThreshold gates amounts above threshold on approval.
func (b *DefinitionBuilder) WithApprovalThreshold(threshold float64) *DefinitionBuilder {
	b.def.policy.ApprovalThreshold = &threshold
	return b
}

// Build validates and returns the definition.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	if len(b.errors) > 0 {
		return nil, errors.Join(b.errors...)
	}
	if err := b.def.check(); err != nil {
		return nil, err
	}
	return b.def, nil
}

// MustBuild is Build that panics on error. Use it for static definitions.
func (b *DefinitionBuilder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

func (d *Definition) check() error {
	if err := validateName(d.name); err != nil {
		return err
	}
	if len(d.steps) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSteps, d.name)
	}
	for _, name := range d.policy.CriticalSteps {
		if d.Step(name) == nil {
			return fmt.Errorf("%w: %s", ErrUnknownCriticalStep, name)
		}
	}
	return nil
}

// Name returns the saga type name.
func (d *Definition) Name() string {
	return d.name
}

// Policy returns the failure and approval policy.
func (d *Definition) Policy() Policy {
	return d.policy
}

// Steps returns the steps in execution order.
func (d *Definition) Steps() []Step {
	return slices.Clone(d.steps)
}

// StepNames returns the step names in execution order.
func (d *Definition) StepNames() []string {
	names := make([]string, len(d.steps))
	for i, s := range d.steps {
		names[i] = s.Name()
	}
	return names
}

// Step returns the step with the given name, or nil.
func (d *Definition) Step(name string) Step {
	for _, s := range d.steps {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func (d *Definition) isCritical(name string) bool {
	return slices.Contains(d.policy.CriticalSteps, name)
}

// validateName rejects names that would be ambiguous inside storage and lock keys.
func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, ": \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidSagaName, name)
	}
	return nil
}
