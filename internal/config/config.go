package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Config represents the main Ranya configuration
type Config struct {
	// Data directory holding sessions/, jobs/ and the log file
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Sessions
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Background jobs
	Jobs JobsConfig `json:"jobs" mapstructure:"jobs"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
}

// SessionsConfig holds session multiplexer settings
type SessionsConfig struct {
	BufferCapacity   int `json:"buffer_capacity" mapstructure:"buffer_capacity"`
	QueueWarnAfterMs int `json:"queue_warn_after_ms" mapstructure:"queue_warn_after_ms"`
	PruneAfterDays   int `json:"prune_after_days" mapstructure:"prune_after_days"`
}

// JobsConfig holds background job settings
type JobsConfig struct {
	DefaultTimeoutMs int               `json:"default_timeout_ms" mapstructure:"default_timeout_ms"`
	PollIntervalMs   int               `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	RetentionHours   int               `json:"retention_hours" mapstructure:"retention_hours"`
	CleanupSchedule  string            `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
	Connectors       []ConnectorConfig `json:"connectors" mapstructure:"connectors"`
}

// ConnectorConfig names a command prefix jobs can run through
type ConnectorConfig struct {
	Name      string   `json:"name" mapstructure:"name"`
	Command   []string `json:"command" mapstructure:"command"`
	TimeoutMs int      `json:"timeout_ms" mapstructure:"timeout_ms"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles      []AIProfile      `json:"profiles" mapstructure:"profiles"`
	Model         string           `json:"model" mapstructure:"model"`
	Temperature   float64          `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int              `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt  string           `json:"system_prompt" mapstructure:"system_prompt"`
	MaxToolRounds int              `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	Tools         ToolPolicyConfig `json:"tools" mapstructure:"tools"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	// MaxClients caps concurrent WebSocket connections
	MaxClients        int `json:"max_clients" mapstructure:"max_clients"`
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int `json:"max_concurrent" mapstructure:"max_concurrent"`
	TickIntervalSec   int `json:"tick_interval_seconds" mapstructure:"tick_interval_seconds"`
}

// TickInterval returns the keepalive event period; zero means the server default
func (g GatewayConfig) TickInterval() time.Duration {
	return time.Duration(g.TickIntervalSec) * time.Second
}

// TracingConfig toggles OpenTelemetry span export
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	// LogSpans writes finished spans to the debug log
	LogSpans bool `json:"log_spans" mapstructure:"log_spans"`
}

var validProviders = []string{"anthropic", "openai"}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
			Redaction:  true,
		},
		Sessions: SessionsConfig{
			BufferCapacity:   2000,
			QueueWarnAfterMs: 30000,
			PruneAfterDays:   7,
		},
		Jobs: JobsConfig{
			DefaultTimeoutMs: 600000,
			PollIntervalMs:   250,
			RetentionHours:   24,
			CleanupSchedule:  "0 * * * *",
			Connectors:       []ConnectorConfig{},
		},
		AI: AIConfig{
			Profiles:      []AIProfile{},
			Model:         "claude-3-5-sonnet-20241022",
			Temperature:   0.7,
			MaxTokens:     4096,
			MaxToolRounds: 10,
			Tools: ToolPolicyConfig{
				Allow: []string{"*"},
				Deny:  []string{},
			},
		},
		Gateway: GatewayConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			MaxClients:        64,
			RequestsPerMinute: 120,
			MaxConcurrent:     10,
			TickIntervalSec:   30,
		},
		Tracing: TracingConfig{
			ServiceName: "ranya",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.AI.Profiles[i] = p
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Require at least one AI profile
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	seen := map[string]bool{}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if !slices.Contains(validProviders, profile.Provider) {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Sessions.BufferCapacity <= 0 {
		return fmt.Errorf("sessions.buffer_capacity must be positive")
	}
	if c.Jobs.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("jobs.default_timeout_ms must be positive")
	}

	return c.validateConnectors()
}

func (c *Config) validateConnectors() error {
	names := map[string]bool{}
	for i, conn := range c.Jobs.Connectors {
		if conn.Name == "" {
			return fmt.Errorf("connector %d: name is required", i)
		}
		if names[conn.Name] {
			return fmt.Errorf("connector %s: duplicate name", conn.Name)
		}
		names[conn.Name] = true
		if len(conn.Command) == 0 {
			return fmt.Errorf("connector %s: command is required", conn.Name)
		}
		if conn.TimeoutMs < 0 {
			return fmt.Errorf("connector %s: timeout_ms cannot be negative", conn.Name)
		}
	}
	return nil
}

// DefaultTimeout returns the global job timeout
func (j JobsConfig) DefaultTimeout() time.Duration {
	return time.Duration(j.DefaultTimeoutMs) * time.Millisecond
}

// PollInterval returns the job result polling interval
func (j JobsConfig) PollInterval() time.Duration {
	return time.Duration(j.PollIntervalMs) * time.Millisecond
}

// Retention returns how long terminal job records are kept
func (j JobsConfig) Retention() time.Duration {
	return time.Duration(j.RetentionHours) * time.Hour
}

// Timeout returns the connector's timeout, zero when unset
func (c ConnectorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// QueueWarnAfter returns how long a message may wait before a warning
func (s SessionsConfig) QueueWarnAfter() time.Duration {
	return time.Duration(s.QueueWarnAfterMs) * time.Millisecond
}

// PruneAfter returns how long closed session records are kept
func (s SessionsConfig) PruneAfter() time.Duration {
	return time.Duration(s.PruneAfterDays) * 24 * time.Hour
}
