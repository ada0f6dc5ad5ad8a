// Package emitter fans a value out to an ordered list of listeners.
//
// Listeners run synchronously on the emitting goroutine in registration
// order. A panicking listener is recovered and logged; it never affects the
// remaining listeners or the emitter.
package emitter

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives emitted values
type Handler[T any] func(value T)

// Emitter broadcasts values of type T to subscribers
type Emitter[T any] struct {
	mu        sync.RWMutex
	listeners []Handler[T]
	logger    zerolog.Logger
	name      string
}

// New creates an emitter. name identifies it in recovered-panic logs.
func New[T any](name string, logger zerolog.Logger) *Emitter[T] {
	return &Emitter[T]{
		logger: logger,
		name:   name,
	}
}

// On registers a handler
func (e *Emitter[T]) On(handler Handler[T]) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, handler)
}

// Len returns the number of registered handlers
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

// Emit calls every handler with value
func (e *Emitter[T]) Emit(value T) {
	e.mu.RLock()
	handlers := make([]Handler[T], len(e.listeners))
	copy(handlers, e.listeners)
	e.mu.RUnlock()

	for i, handler := range handlers {
		e.call(i, handler, value)
	}
}

func (e *Emitter[T]) call(index int, handler Handler[T], value T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("emitter", e.name).
				Int("listener", index).
				Interface("panic", r).
				Msg("Listener panicked")
		}
	}()
	handler(value)
}

// RemoveAll drops every handler
func (e *Emitter[T]) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
}
