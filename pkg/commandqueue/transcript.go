package commandqueue

import (
	"fmt"
	"sync"

	"github.com/harun/ranya-runtime/pkg/engine"
)

// Transcript is an id-keyed, append-only copy of a session's messages
type Transcript struct {
	mu       sync.RWMutex
	messages []engine.Message
	seen     map[string]struct{}
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{seen: make(map[string]struct{})}
}

// Merge appends messages whose ids are not yet present and returns how many
// were added. A later message reusing a known id is ignored, even if its
// content differs. Messages without an id are keyed by their position.
func (t *Transcript) Merge(messages []engine.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for i, msg := range messages {
		key := msg.ID
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		if _, exists := t.seen[key]; exists {
			continue
		}
		t.seen[key] = struct{}{}
		t.messages = append(t.messages, msg)
		added++
	}
	return added
}

// Messages returns a copy of the transcript
func (t *Transcript) Messages() []engine.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]engine.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages held
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}
