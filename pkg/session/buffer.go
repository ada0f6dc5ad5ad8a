package session

import "github.com/harun/ranya-runtime/pkg/engine"

// DefaultBufferCapacity is the per-session event buffer size
const DefaultBufferCapacity = 2000

// EventBuffer is a bounded FIFO of events. When full, pushing evicts the
// oldest event. It is not safe for concurrent use.
type EventBuffer struct {
	events   []engine.StreamEvent
	start    int
	size     int
	capacity int
	dropped  uint64
}

// NewEventBuffer creates a buffer; non-positive capacity uses the default
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &EventBuffer{capacity: capacity}
}

// Push appends ev and reports whether the oldest event was evicted
func (b *EventBuffer) Push(ev engine.StreamEvent) bool {
	// grow lazily so idle sessions don't pin a full ring
	if len(b.events) < b.capacity {
		b.events = append(b.events, ev)
		b.size++
		return false
	}

	b.events[b.start] = ev
	b.start = (b.start + 1) % b.capacity
	b.dropped++
	return true
}

// Drain returns buffered events oldest first and empties the buffer
func (b *EventBuffer) Drain() []engine.StreamEvent {
	if b.size == 0 {
		return nil
	}

	out := make([]engine.StreamEvent, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.events[(b.start+i)%len(b.events)]
	}

	b.events = nil
	b.start = 0
	b.size = 0
	return out
}

// Len returns the number of buffered events
func (b *EventBuffer) Len() int {
	return b.size
}

// Cap returns the buffer capacity
func (b *EventBuffer) Cap() int {
	return b.capacity
}

// Dropped returns how many events were evicted over the buffer's lifetime
func (b *EventBuffer) Dropped() uint64 {
	return b.dropped
}
