// Package memory provides a process-local circuit breaker.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"saga"
	"saga/circuit"
)

// Option configures a MemoryBreaker.
type Option func(*MemoryBreaker)

// WithClock overrides the time source. Used by tests to step through the
// open cool-down without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryBreaker) {
		m.now = now
	}
}

// WithStateListener installs a listener on every breaker that does not carry
// its own.
func WithStateListener(l circuit.StateListener) Option {
	return func(m *MemoryBreaker) {
		m.defaultConfig.OnStateChange = l
	}
}

// MemoryBreaker keeps one breaker per service in memory.
type MemoryBreaker struct {
	mu            sync.Mutex
	breakers      map[string]*serviceBreaker
	defaultConfig circuit.BreakerConfig
	now           func() time.Time
}

var _ circuit.Breaker = (*MemoryBreaker)(nil)

// NewMemoryBreaker creates a MemoryBreaker using circuit.DefaultBreakerConfig.
func NewMemoryBreaker(opts ...Option) *MemoryBreaker {
	return NewMemoryBreakerWithConfig(circuit.DefaultBreakerConfig(), opts...)
}

// NewMemoryBreakerWithConfig creates a MemoryBreaker whose breakers default to config.
func NewMemoryBreakerWithConfig(config circuit.BreakerConfig, opts ...Option) *MemoryBreaker {
	m := &MemoryBreaker{
		breakers:      make(map[string]*serviceBreaker),
		defaultConfig: config,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the breaker for service, creating it with the default config.
func (m *MemoryBreaker) Get(service string) circuit.CircuitBreaker {
	return m.GetWithConfig(service, m.defaultConfig)
}

// GetWithConfig returns the breaker for service. The config only applies when
// the breaker is first created.
func (m *MemoryBreaker) GetWithConfig(service string, config circuit.BreakerConfig) circuit.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[service]; ok {
		return cb
	}
	if config.OnStateChange == nil {
		config.OnStateChange = m.defaultConfig.OnStateChange
	}
	cb := &serviceBreaker{
		service: service,
		config:  config,
		state:   circuit.StateClosed,
		now:     m.now,
	}
	m.breakers[service] = cb
	return cb
}

type serviceBreaker struct {
	mu       sync.Mutex
	service  string
	config   circuit.BreakerConfig
	state    circuit.State
	counts   circuit.BreakerCounts
	openedAt time.Time
	trials   int
	now      func() time.Time
}

func (cb *serviceBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *serviceBreaker) admit() error {
	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	switch cb.state {
	case circuit.StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return fmt.Errorf("%w: %s", saga.ErrCircuitOpen, cb.service)
		}
		changed = cb.transition(circuit.StateHalfOpen)
		cb.trials = 0
		cb.counts.ConsecutiveSuccesses = 0
		fallthrough
	case circuit.StateHalfOpen:
		if cb.trials >= cb.config.HalfOpenMaxReqs {
			return fmt.Errorf("%w: %s", saga.ErrCircuitOpen, cb.service)
		}
		cb.trials++
	}
	cb.counts.Requests++
	return nil
}

func (cb *serviceBreaker) record(success bool) {
	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if success {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == circuit.StateHalfOpen && cb.counts.ConsecutiveSuccesses >= int64(cb.config.HalfOpenMaxReqs) {
			changed = cb.transition(circuit.StateClosed)
			cb.trials = 0
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	switch cb.state {
	case circuit.StateClosed:
		if cb.counts.ConsecutiveFailures >= int64(cb.config.Threshold) {
			changed = cb.transition(circuit.StateOpen)
			cb.openedAt = cb.now()
		}
	case circuit.StateHalfOpen:
		changed = cb.transition(circuit.StateOpen)
		cb.openedAt = cb.now()
		cb.trials = 0
	}
}

// transition must be called with mu held. The returned func notifies the
// listener and must run after mu is released.
func (cb *serviceBreaker) transition(to circuit.State) func() {
	from := cb.state
	cb.state = to
	if from == to || cb.config.OnStateChange == nil {
		return nil
	}
	listener, service := cb.config.OnStateChange, cb.service
	return func() { listener(service, from, to) }
}

// State reports half-open once the cool-down has elapsed even though the
// transition itself happens on the next call.
func (cb *serviceBreaker) State() circuit.State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuit.StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		return circuit.StateHalfOpen
	}
	return cb.state
}

func (cb *serviceBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.transition(circuit.StateClosed)
	cb.counts = circuit.BreakerCounts{}
	cb.trials = 0
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
}

func (cb *serviceBreaker) Counts() circuit.BreakerCounts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}
