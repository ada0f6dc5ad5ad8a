package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/harun/ranya-runtime/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "returns its input",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return params["text"], nil
		},
	}
}

func TestToolset_Register(t *testing.T) {
	ts := NewToolset(nil, 0, zerolog.Nop())

	require.NoError(t, ts.Register(echoTool("echo")))
	assert.Error(t, ts.Register(echoTool("echo")), "duplicate")
	assert.Error(t, ts.Register(Tool{Name: "x", Description: "d"}), "missing handler")

	bad := echoTool("bad")
	bad.Parameters[0].Type = "text"
	assert.Error(t, ts.Register(bad))

	defs := ts.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, []string{"text"}, defs[0].Required)
	assert.Contains(t, defs[0].Properties, "text")
}

func TestToolset_Policy(t *testing.T) {
	policy := &ToolPolicy{Allow: []string{"*"}, Deny: []string{"secret"}}
	ts := NewToolset(policy, 0, zerolog.Nop())
	require.NoError(t, ts.Register(echoTool("echo")))
	require.NoError(t, ts.Register(echoTool("secret")))

	defs := ts.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].Name)

	result := ts.Execute(context.Background(), engine.ToolCall{Name: "secret", Parameters: map[string]any{"text": "x"}})
	assert.Contains(t, result.Error, "not allowed")
}

func TestToolPolicy_IsToolAllowed(t *testing.T) {
	var nilPolicy *ToolPolicy
	assert.True(t, nilPolicy.IsToolAllowed("anything"))

	empty := &ToolPolicy{}
	assert.False(t, empty.IsToolAllowed("anything"))

	explicit := &ToolPolicy{Allow: []string{"a"}}
	assert.True(t, explicit.IsToolAllowed("a"))
	assert.False(t, explicit.IsToolAllowed("b"))
}

func TestToolset_ExecuteValidatesAndTruncates(t *testing.T) {
	ts := NewToolset(nil, 0, zerolog.Nop())
	require.NoError(t, ts.Register(echoTool("echo")))

	result := ts.Execute(context.Background(), engine.ToolCall{ID: "1", Name: "echo", Parameters: map[string]any{"text": 5}})
	assert.Contains(t, result.Error, "parameter validation failed")
	assert.Equal(t, "1", result.ToolCallID)

	result = ts.Execute(context.Background(), engine.ToolCall{Name: "echo", Parameters: map[string]any{"text": "hi", "extra": 1}})
	assert.Contains(t, result.Error, "parameter validation failed")

	long := strings.Repeat("x", maxToolOutput+10)
	result = ts.Execute(context.Background(), engine.ToolCall{Name: "echo", Parameters: map[string]any{"text": long}})
	assert.Empty(t, result.Error)
	assert.True(t, strings.HasSuffix(result.Output, "[output truncated]"))
}

func TestToolset_ExecuteTimeout(t *testing.T) {
	ts := NewToolset(nil, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, ts.Register(Tool{
		Name:        "slow",
		Description: "waits for its context",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	result := ts.Execute(context.Background(), engine.ToolCall{Name: "slow"})
	assert.Contains(t, result.Error, "deadline exceeded")
}

func TestToolset_StructuredOutputIsJSON(t *testing.T) {
	ts := NewToolset(nil, 0, zerolog.Nop())
	require.NoError(t, ts.Register(Tool{
		Name:        "stat",
		Description: "structured output",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]int{"count": 2}, nil
		},
	}))

	result := ts.Execute(context.Background(), engine.ToolCall{Name: "stat"})
	assert.JSONEq(t, `{"count":2}`, result.Output)
}
