package event

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// EventHandler handles a published event.
type EventHandler func(ctx context.Context, event Event) error

// EventBus is the publish/subscribe interface used by the engine.
type EventBus interface {
	// Publish delivers event to its subscribers.
	Publish(ctx context.Context, event Event) error
	// Subscribe registers handler for one event type.
	Subscribe(eventType EventType, handler EventHandler) error
	// SubscribeAll registers handler for every event.
	SubscribeAll(handler EventHandler) error
}

// MemoryEventBus is a synchronous in-process event bus.
type MemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
	logger      zerolog.Logger
}

// MemoryEventBusOption configures a MemoryEventBus.
type MemoryEventBusOption func(*MemoryEventBus)

// WithLogger sets the logger used for handler errors and panics.
func WithLogger(logger zerolog.Logger) MemoryEventBusOption {
	return func(b *MemoryEventBus) {
		b.logger = logger
	}
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(opts ...MemoryEventBusOption) *MemoryEventBus {
	bus := &MemoryEventBus{
		handlers: make(map[EventType][]EventHandler),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Publish publishes an event to all subscribed handlers.
// Handler errors are logged and never reach the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	typeHandlers := append([]EventHandler(nil), b.handlers[event.Type]...)
	allHandlers := append([]EventHandler(nil), b.allHandlers...)
	b.mu.RUnlock()

	for _, handler := range typeHandlers {
		b.executeHandler(ctx, handler, event)
	}
	for _, handler := range allHandlers {
		b.executeHandler(ctx, handler, event)
	}
	return nil
}

func (b *MemoryEventBus) executeHandler(ctx context.Context, handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", event.Type.String()).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()

	if err := handler(ctx, event); err != nil {
		b.logger.Warn().
			Err(err).
			Str("event", event.Type.String()).
			Str("saga_id", event.SagaID).
			Msg("event handler failed")
	}
}

// Subscribe subscribes a handler to a specific event type.
func (b *MemoryEventBus) Subscribe(eventType EventType, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// SubscribeAll subscribes a handler to all events.
func (b *MemoryEventBus) SubscribeAll(handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
	return nil
}

// Unsubscribe removes all handlers for a specific event type.
func (b *MemoryEventBus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

// HandlerCount returns the number of handlers for a specific event type.
func (b *MemoryEventBus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// LogHandler returns a handler that writes every event to logger.
func LogHandler(logger zerolog.Logger) EventHandler {
	return func(_ context.Context, e Event) error {
		ev := logger.Info()
		if e.Error != nil {
			ev = logger.Warn().Err(e.Error)
		}
		ev.Str("event", e.Type.String()).
			Str("saga_id", e.SagaID).
			Str("saga_type", e.SagaType).
			Str("step", e.StepName).
			Fields(e.Data).
			Msg("saga event")
		return nil
	}
}

// NoOpEventBus discards every event.
type NoOpEventBus struct{}

// NewNoOpEventBus creates a new no-op event bus.
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Publish does nothing.
func (b *NoOpEventBus) Publish(_ context.Context, _ Event) error {
	return nil
}

// Subscribe does nothing.
func (b *NoOpEventBus) Subscribe(_ EventType, _ EventHandler) error {
	return nil
}

// SubscribeAll does nothing.
func (b *NoOpEventBus) SubscribeAll(_ EventHandler) error {
	return nil
}
