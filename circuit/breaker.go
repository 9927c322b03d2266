// Package circuit defines the circuit breaker contract used to guard step
// invocations against a failing downstream dependency.
package circuit

import (
	"context"
	"time"
)

// State is the breaker position.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down has elapsed.
	StateOpen
	// StateHalfOpen admits a limited number of trial calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StateListener is notified after a breaker changes state.
type StateListener func(service string, from, to State)

// BreakerConfig configures a single breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Timeout is the cool-down before an open breaker admits trial calls.
	Timeout time.Duration
	// HalfOpenMaxReqs bounds the trial calls admitted while half-open; the same
	// number of consecutive successes closes the breaker again.
	HalfOpenMaxReqs int
	// OnStateChange, when set, observes every transition.
	OnStateChange StateListener
}

// DefaultBreakerConfig returns the configuration used when none is given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:       5,
		Timeout:         30 * time.Second,
		HalfOpenMaxReqs: 3,
	}
}

// BreakerCounts are the running statistics of a breaker.
type BreakerCounts struct {
	Requests             int64
	TotalSuccesses       int64
	TotalFailures        int64
	ConsecutiveSuccesses int64
	ConsecutiveFailures  int64
}

// Breaker hands out one CircuitBreaker per service name. Steps use their
// step name as the service.
type Breaker interface {
	Get(service string) CircuitBreaker
	GetWithConfig(service string, config BreakerConfig) CircuitBreaker
}

// CircuitBreaker guards calls to a single service.
type CircuitBreaker interface {
	// Execute runs fn unless the breaker is open. A rejected call returns an
	// error wrapping saga.ErrCircuitOpen without invoking fn.
	Execute(ctx context.Context, fn func() error) error
	State() State
	Reset()
	Counts() BreakerCounts
}
