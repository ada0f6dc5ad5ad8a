package agent

import (
	"strings"

	"github.com/harun/ranya-runtime/pkg/engine"
)

// Config configures model calls for an engine
type Config struct {
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	SystemPrompt  string  `json:"system_prompt,omitempty"`
	MaxRetries    int     `json:"max_retries,omitempty"`
	MaxToolRounds int     `json:"max_tool_rounds,omitempty"`
}

// DefaultConfig returns default agent configuration
func DefaultConfig() Config {
	return Config{
		Model:         "claude-3-5-sonnet-20241022",
		Temperature:   0.7,
		MaxTokens:     4096,
		MaxRetries:    3,
		MaxToolRounds: 10,
	}
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
	Model    string `json:"model,omitempty"`
	// BaseURL points the SDK at a proxy or compatible endpoint
	BaseURL  string `json:"base_url,omitempty"`
	Priority int    `json:"priority"`
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	for _, marker := range []string{
		"ECONNRESET", "ETIMEDOUT", "connection reset",
		"429", "rate limit",
		"500", "502", "503", "504", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(messages []engine.Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
