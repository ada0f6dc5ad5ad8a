package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/harun/ranya-runtime/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

const (
	defaultToolTimeout = 30 * time.Second
	maxToolOutput      = 10 * 1024
)

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]any) (any, error)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Default     any
}

// Tool is a callable the model can request
type Tool struct {
	Name        string
	Description string
	Parameters  []ToolParameter
	Handler     ToolHandler
}

// ToolPolicy defines which tools an agent can use
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // "*" allows all
	Deny  []string `json:"deny" mapstructure:"deny"`   // overrides allow
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}
	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}

type registeredTool struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Toolset holds the tools available to one engine
type Toolset struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	order   []string
	policy  *ToolPolicy
	timeout time.Duration
	logger  zerolog.Logger
}

// NewToolset creates an empty toolset. A zero timeout uses the default.
func NewToolset(policy *ToolPolicy, timeout time.Duration, logger zerolog.Logger) *Toolset {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &Toolset{
		tools:   make(map[string]*registeredTool),
		policy:  policy,
		timeout: timeout,
		logger:  logger.With().Str("component", "toolset").Logger(),
	}
}

// Register adds a tool, compiling its parameter schema
func (ts *Toolset) Register(tool Tool) error {
	if err := validateTool(tool); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaFor(tool)))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, exists := ts.tools[tool.Name]; exists {
		return fmt.Errorf("tool already registered: %s", tool.Name)
	}
	ts.tools[tool.Name] = &registeredTool{tool: tool, schema: schema}
	ts.order = append(ts.order, tool.Name)
	return nil
}

// Definitions returns the tools the policy allows, in registration order
func (ts *Toolset) Definitions() []ToolDefinition {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(ts.order))
	for _, name := range ts.order {
		if !ts.policy.IsToolAllowed(name) {
			continue
		}
		tool := ts.tools[name].tool
		props, required := propertiesFor(tool)
		defs = append(defs, ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Properties:  props,
			Required:    required,
		})
	}
	return defs
}

// Execute runs one tool call. Failures are reported in the result so the
// model can react to them.
func (ts *Toolset) Execute(ctx context.Context, call engine.ToolCall) ToolResult {
	result := ToolResult{ToolCallID: call.ID}

	if !ts.policy.IsToolAllowed(call.Name) {
		ts.logger.Warn().Str("tool", call.Name).Msg("Tool execution blocked by policy")
		result.Error = fmt.Sprintf("tool '%s' is not allowed by agent policy", call.Name)
		return result
	}

	ts.mu.RLock()
	reg := ts.tools[call.Name]
	ts.mu.RUnlock()

	if reg == nil {
		result.Error = fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name)
		return result
	}

	params := call.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if err := validateParameters(reg.schema, params); err != nil {
		result.Error = fmt.Sprintf("parameter validation failed: %v", err)
		return result
	}

	toolCtx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()

	out, err := reg.tool.Handler(toolCtx, params)
	if err != nil {
		ts.logger.Debug().Err(err).Str("tool", call.Name).Msg("Tool returned error")
		result.Error = err.Error()
		return result
	}

	text, err := renderOutput(out)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if len(text) > maxToolOutput {
		text = text[:maxToolOutput] + "\n... [output truncated]"
	}
	result.Output = text
	return result
}

func validateTool(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range tool.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}
	return nil
}

func paramSchema(param ToolParameter) map[string]any {
	s := map[string]any{
		"type":        param.Type,
		"description": param.Description,
	}
	if param.Default != nil {
		s["default"] = param.Default
	}
	return s
}

func propertiesFor(tool Tool) (map[string]any, []string) {
	props := make(map[string]any, len(tool.Parameters))
	required := []string{}
	for _, param := range tool.Parameters {
		props[param.Name] = paramSchema(param)
		if param.Required {
			required = append(required, param.Name)
		}
	}
	return props, required
}

func schemaFor(tool Tool) map[string]any {
	props, required := propertiesFor(tool)
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}

func renderOutput(out any) (string, error) {
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool output: %w", err)
	}
	return string(data), nil
}
