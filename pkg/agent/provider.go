package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/ranya-runtime/pkg/engine"
)

// LLMProvider makes one completion call against a model vendor
type LLMProvider interface {
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)
	// Provider names the vendor, e.g. "anthropic"
	Provider() string
}

// ToolDefinition describes a tool to the model
type ToolDefinition struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// LLMRequest is a vendor-neutral completion request
type LLMRequest struct {
	Model        string
	Messages     []engine.Message
	Tools        []ToolDefinition
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse is the text and tool calls of one completion
type LLMResponse struct {
	Content   string
	ToolCalls []engine.ToolCall
	Usage     *engine.TokenUsage
}

// ProviderCreator builds a provider for an auth profile
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ErrMissingAPIKey is returned for profiles without a key
var ErrMissingAPIKey = errors.New("profile has no api key")

// ProviderFactory builds the SDK-backed providers
type ProviderFactory struct{}

func (ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", profile.ID, ErrMissingAPIKey)
	}
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile), nil
	case "openai":
		return NewOpenAIProvider(profile), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
