package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/harun/ranya-runtime/pkg/jobs"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider validates a provider name
func (v *Validator) ValidateProvider(provider string) error {
	if !slices.Contains(validProviders, provider) {
		return fmt.Errorf("invalid provider: %s (must be one of: %s)", provider, strings.Join(validProviders, ", "))
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if slices.Contains(validLevels, level) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.AI.Profiles {
		if profile.Provider == "" {
			continue
		}
		if err := v.ValidateProvider(profile.Provider); err != nil {
			errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			continue
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if cfg.AI.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.AI.Temperature); err != nil {
			errors = append(errors, fmt.Errorf("ai: %w", err))
		}
	}
	if cfg.AI.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.AI.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("ai: %w", err))
		}
	}

	if cfg.Sessions.BufferCapacity <= 0 {
		errors = append(errors, fmt.Errorf("sessions.buffer_capacity must be > 0"))
	}
	if cfg.Sessions.QueueWarnAfterMs < 0 {
		errors = append(errors, fmt.Errorf("sessions.queue_warn_after_ms must be >= 0"))
	}

	if cfg.Jobs.DefaultTimeoutMs <= 0 {
		errors = append(errors, fmt.Errorf("jobs.default_timeout_ms must be > 0"))
	}
	if cfg.Jobs.PollIntervalMs < 0 {
		errors = append(errors, fmt.Errorf("jobs.poll_interval_ms must be >= 0"))
	}
	if cfg.Jobs.RetentionHours < 0 {
		errors = append(errors, fmt.Errorf("jobs.retention_hours must be >= 0"))
	}
	if cfg.Jobs.CleanupSchedule != "" {
		if err := jobs.ValidateSchedule(cfg.Jobs.CleanupSchedule); err != nil {
			errors = append(errors, fmt.Errorf("jobs.cleanup_schedule: %w", err))
		}
	}
	if err := cfg.validateConnectors(); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	if cfg.Gateway.MaxClients < 0 || cfg.Gateway.RequestsPerMinute < 0 || cfg.Gateway.MaxConcurrent < 0 {
		errors = append(errors, fmt.Errorf("gateway limits must be >= 0"))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
