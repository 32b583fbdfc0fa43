package events

import (
	"io"
	"log/slog"
	"sync"
)

// discardLogger returns a logger that drops everything.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Handler receives engine events. Handlers must not block for long periods:
// delivery is synchronous on the emitting goroutine.
type Handler func(event *EngineEvent)

// Bus fans engine events out to registered handlers. A handler panic is
// recovered and logged so one misbehaving consumer cannot break delivery
// to the others or crash the emitting subsystem.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	logger   *slog.Logger
}

// NewBus creates an event bus. A nil logger discards panic reports.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = discardLogger()
	}
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Emit delivers the event to every registered handler in turn.
// A nil bus or nil event is a no-op, so subsystems can emit unconditionally.
func (b *Bus) Emit(event *EngineEvent) {
	if b == nil || event == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

// deliver invokes one handler, recovering and logging any panic.
func (b *Bus) deliver(h Handler, event *EngineEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked",
				"event_type", event.Type,
				"panic", r)
		}
	}()
	h(event)
}

// SubscriberCount returns the number of registered handlers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
