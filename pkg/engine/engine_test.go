package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type plainEngine struct{}

func (plainEngine) Initialize(context.Context) error      { return nil }
func (plainEngine) Process(context.Context, string) error { return nil }
func (plainEngine) Messages() []Message                   { return nil }
func (plainEngine) IsProcessing() bool                    { return false }
func (plainEngine) Stop() error                           { return nil }

type richEngine struct{ plainEngine }

func (richEngine) Interrupt() error        { return nil }
func (richEngine) TokenUsage() TokenUsage { return TokenUsage{InputTokens: 3} }

func TestResolve(t *testing.T) {
	t.Run("plain engine has no capabilities", func(t *testing.T) {
		caps := Resolve(plainEngine{})
		assert.False(t, caps.CanInterrupt())
		assert.False(t, caps.CanReportUsage())
	})

	t.Run("optional interfaces are discovered", func(t *testing.T) {
		caps := Resolve(richEngine{})
		assert.True(t, caps.CanInterrupt())
		assert.True(t, caps.CanReportUsage())
		assert.Equal(t, 3, caps.TokenUsage.TokenUsage().InputTokens)
	})
}

func TestEventKinds(t *testing.T) {
	for _, k := range []EventKind{EventText, EventToolUse, EventToolResult} {
		assert.True(t, k.IsActivity(), k)
		assert.False(t, k.IsTerminal(), k)
	}
	for _, k := range []EventKind{EventDone, EventError, EventExit} {
		assert.True(t, k.IsTerminal(), k)
		assert.False(t, k.IsActivity(), k)
	}
	assert.False(t, EventUsage.IsActivity())
	assert.False(t, EventUsage.IsTerminal())
}

func TestErrorEvent(t *testing.T) {
	ev := ErrorEvent("s1", errors.New("boom"))
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "boom", ev.Error)
	assert.False(t, ev.Timestamp.IsZero())
}
