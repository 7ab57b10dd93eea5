package bus

import "sync"

// Handler receives an event's payload arguments.
type Handler func(args ...any)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	event string
	id    uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Emitter is a per-component event bus. Event names and payload shapes are
// part of each component's contract; there are no hidden events.
//
// Emit invokes handlers synchronously in registration order, so listeners
// observe events in the order the component produced them. Handlers must not
// block; anything slow belongs in the handler's own goroutine.
type Emitter struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]handlerEntry
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]handlerEntry)}
}

// On registers a handler for an event name and returns its subscription.
func (e *Emitter) On(event string, fn Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	e.handlers[event] = append(e.handlers[event], handlerEntry{id: e.nextID, fn: fn})
	return Subscription{event: event, id: e.nextID}
}

// Off removes a previously registered handler. Unknown subscriptions are a no-op.
func (e *Emitter) Off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.handlers[sub.event]
	for i, entry := range entries {
		if entry.id == sub.id {
			e.handlers[sub.event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to all handlers registered for its name.
func (e *Emitter) Emit(event string, args ...any) {
	e.mu.RLock()
	entries := e.handlers[event]
	// Snapshot so handlers may subscribe/unsubscribe during delivery.
	snapshot := make([]handlerEntry, len(entries))
	copy(snapshot, entries)
	e.mu.RUnlock()

	for _, entry := range snapshot {
		entry.fn(args...)
	}
}

// ListenerCount reports how many handlers are registered for an event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}
