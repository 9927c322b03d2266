package saga

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
)

// Request is the caller-supplied input of a saga execution.
type Request struct {
	TenantID string          `json:"tenant_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewRequest builds a Request by encoding payload as JSON.
func NewRequest(tenantID string, payload any) (Request, error) {
	if payload == nil {
		return Request{TenantID: tenantID}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("encode saga payload: %w", err)
	}
	return Request{TenantID: tenantID, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (r Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("decode saga payload: empty payload")
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode saga payload: %w", err)
	}
	return nil
}

// PayloadAs decodes the request payload into a T.
func PayloadAs[T any](r Request) (T, error) {
	var v T
	err := r.Decode(&v)
	return v, err
}

// BusinessContext is the mutable state shared between the steps of one saga.
// It is persisted with the saga record, so values should be JSON friendly.
type BusinessContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewBusinessContext creates a context seeded with values.
func NewBusinessContext(values map[string]any) *BusinessContext {
	c := &BusinessContext{values: make(map[string]any, len(values))}
	maps.Copy(c.values, values)
	return c
}

// Get retrieves a value by key.
func (c *BusinessContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a value.
func (c *BusinessContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Delete removes a key.
func (c *BusinessContext) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Snapshot returns a shallow copy of all values.
func (c *BusinessContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	maps.Copy(out, c.values)
	return out
}

// ContextValue is a type-safe getter. Values restored from storage come back
// as generic JSON values, so a failed type assertion falls back to a JSON
// round trip into T.
func ContextValue[T any](c *BusinessContext, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	if typed, ok := v.(T); ok {
		return typed, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false
	}
	return out, true
}

// StepContext is what a step sees while it executes or rolls back.
type StepContext struct {
	SagaID      string
	SagaType    string
	TenantID    string
	StepName    string
	// Attempt is 1 on the first try and grows with each retry.
	Attempt     int
	// MaxAttempts is the attempt budget the engine resolved for this step,
	// first try included.
	MaxAttempts int
	Request     Request
	Business    *BusinessContext

	policy  *Policy
	results []Result
}

// NeedsApproval reports whether an amount must be approved before the saga
// continues, based on the definition's approval policy.
func (sc *StepContext) NeedsApproval(amount float64) bool {
	if sc.policy == nil {
		return false
	}
	if sc.policy.RequireApproval {
		return true
	}
	return sc.policy.ApprovalThreshold != nil && amount > *sc.policy.ApprovalThreshold
}

// PreviousResult returns the most recent recorded result of a step.
func (sc *StepContext) PreviousResult(stepName string) (Result, bool) {
	for i := len(sc.results) - 1; i >= 0; i-- {
		if sc.results[i].StepName == stepName {
			return sc.results[i], true
		}
	}
	return Result{}, false
}

// IdempotencyKey derives a stable key for an external call made by this step.
// Steps that cannot tell whether a timed-out call took effect pass it to the
// collaborator.
func (sc *StepContext) IdempotencyKey(parts ...string) string {
	key := sc.SagaID + ":" + sc.StepName
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
