package utils

import (
	"sync"
	"time"
)

// Event types published by the coordination engine
const (
	EventOperationCompleted = "operation.completed"
	EventOperationFailed    = "operation.failed"
	EventOperationDropped   = "operation.dropped"
)

// Event represents an event in the system
type Event struct {
	Type      string         // Event type (e.g., "operation.completed")
	Source    string         // Component that emitted the event
	Payload   map[string]any // Event data
	Timestamp time.Time      // When the event occurred
}

// EventHandler is a function that handles events
type EventHandler func(Event) error

// EventBus manages event publication and subscription. Terminal operation
// outcomes flow through it so stores and notifiers stay decoupled from the
// engine.
type EventBus struct {
	handlers map[string][]EventHandler
	mu       sync.RWMutex
	logger   *Logger
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[string][]EventHandler),
		logger:   GetLogger(),
	}
}

// Subscribe registers a handler for an event type
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Publish publishes an event to all registered handlers asynchronously
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		go func(h EventHandler, evt Event) {
			if err := h(evt); err != nil {
				eb.logger.Error("Event handler error", err,
					String("event_type", evt.Type),
					String("source", evt.Source))
			}
		}(handler, event)
	}
}

// PublishSync publishes an event and waits for all handlers to complete.
// The first handler error is returned after every handler has run.
func (eb *EventBus) PublishSync(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		if err := handler(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandlerCount returns the number of handlers registered for an event type
func (eb *EventBus) HandlerCount(eventType string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
