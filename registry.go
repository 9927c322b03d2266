package saga

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Registry maps saga type names to factories. It is built once during
// bootstrap and sealed before the first execution; afterwards it is
// read-only.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	sealed    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a saga type. Registering a name twice is an error.
func (r *Registry) Register(name string, factory Factory) error {
	if err := validateName(name); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("%w: nil factory for %s", ErrInvalidConfig, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFrozen, name)
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrSagaAlreadyRegistered, name)
	}
	r.factories[name] = factory
	return nil
}

// RegisterDefinition registers a saga type whose steps do not depend on the
// request.
func (r *Registry) RegisterDefinition(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidConfig)
	}
	if err := def.check(); err != nil {
		return err
	}
	return r.Register(def.name, func(context.Context, Request) (*Definition, error) {
		return def, nil
	})
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether the registry is read-only.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotRegistered, name)
	}
	return f, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// build resolves name and builds a definition for req, checking that the
// factory returned a usable definition for the same type.
func (r *Registry) build(ctx context.Context, name string, req Request) (*Definition, error) {
	factory, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	def, err := factory(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("build saga %s: %w", name, err)
	}
	if def == nil {
		return nil, fmt.Errorf("%w: factory for %s returned no definition", ErrInvalidConfig, name)
	}
	if def.name != name {
		return nil, fmt.Errorf("%w: factory for %s built definition %s", ErrInvalidConfig, name, def.name)
	}
	if err := def.check(); err != nil {
		return nil, err
	}
	return def, nil
}
