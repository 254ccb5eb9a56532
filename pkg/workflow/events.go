package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventType represents the type of in-process run notification.
type EventType string

const (
	// EventStepCompleted is emitted when a step finishes, successfully
	// or not.
	EventStepCompleted EventType = "step_completed"

	// EventAnomaly is emitted when a step fails and the failure has
	// been recorded against the run.
	EventAnomaly EventType = "anomaly"
)

// Event is an in-process run notification, distinct from the persisted
// ledger.EventStore log: it exists for listeners embedded in the same
// process (a CLI printing progress, a metrics hook) that want to react
// without polling the ledger.
type Event struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// StepCompletedData contains data for step completion events.
type StepCompletedData struct {
	StepName string        `json:"step_name"`
	Duration time.Duration `json:"duration"`
	Result   interface{}   `json:"result,omitempty"`
}

// AnomalyData contains data for anomaly events.
type AnomalyData struct {
	StepName string `json:"step_name"`
	Severity string `json:"severity"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
}

// EventListener is a function that handles run events.
type EventListener func(ctx context.Context, event *Event) error

// EventEmitter manages event listeners and dispatches events.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventListener
	async     bool // If true, listeners are called asynchronously
}

// NewEventEmitter creates a new event emitter.
func NewEventEmitter(async bool) *EventEmitter {
	return &EventEmitter{
		listeners: make(map[EventType][]EventListener),
		async:     async,
	}
}

// On registers an event listener for the specified event type.
func (e *EventEmitter) On(eventType EventType, listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners[eventType] = append(e.listeners[eventType], listener)
}

// Off removes an event listener.
// Note: This removes ALL listeners for the event type.
// For more granular control, consider using a listener ID system.
func (e *EventEmitter) Off(eventType EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.listeners, eventType)
}

// Emit dispatches an event to all registered listeners.
func (e *EventEmitter) Emit(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	listeners := make([]EventListener, len(e.listeners[event.Type]))
	copy(listeners, e.listeners[event.Type])
	e.mu.RUnlock()

	if e.async {
		return e.emitAsync(ctx, event, listeners)
	}
	return e.emitSync(ctx, event, listeners)
}

// emitSync calls listeners synchronously.
func (e *EventEmitter) emitSync(ctx context.Context, event *Event, listeners []EventListener) error {
	var lastError error

	for _, listener := range listeners {
		if err := listener(ctx, event); err != nil {
			lastError = err
		}
	}

	return lastError
}

// emitAsync calls listeners asynchronously.
func (e *EventEmitter) emitAsync(ctx context.Context, event *Event, listeners []EventListener) error {
	var wg sync.WaitGroup
	errChan := make(chan error, len(listeners))

	for _, listener := range listeners {
		wg.Add(1)
		go func(l EventListener) {
			defer wg.Done()
			if err := l(ctx, event); err != nil {
				errChan <- err
			}
		}(listener)
	}

	wg.Wait()
	close(errChan)

	var lastError error
	for err := range errChan {
		lastError = err
	}

	return lastError
}

// EmitStepCompleted emits a step completion event.
func (e *EventEmitter) EmitStepCompleted(ctx context.Context, runID string, stepName string, duration time.Duration, result interface{}) error {
	data := map[string]interface{}{
		"step_name": stepName,
		"duration":  duration.Milliseconds(),
	}
	if result != nil {
		data["result"] = result
	}

	return e.Emit(ctx, &Event{
		Type:  EventStepCompleted,
		RunID: runID,
		Data:  data,
	})
}

// EmitAnomaly emits an anomaly event.
func (e *EventEmitter) EmitAnomaly(ctx context.Context, runID string, stepName, severity, category, message string) error {
	return e.Emit(ctx, &Event{
		Type:  EventAnomaly,
		RunID: runID,
		Data: map[string]interface{}{
			"step_name": stepName,
			"severity":  severity,
			"category":  category,
			"message":   message,
		},
	})
}

// ListenerCount returns the number of listeners for a given event type.
func (e *EventEmitter) ListenerCount(eventType EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.listeners[eventType])
}

// RemoveAllListeners removes all listeners for all event types.
func (e *EventEmitter) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = make(map[EventType][]EventListener)
}
