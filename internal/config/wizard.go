package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== Ranya Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	fmt.Fprintln(w.out, "API Keys (at least one is required):")
	fmt.Fprintln(w.out)

	for i, provider := range validProviders {
		for {
			fmt.Fprintf(w.out, "%s API Key (press Enter to skip): ", providerLabel(provider))
			key, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			if err := validator.ValidateAPIKey(key, provider); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}

			cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
				ID:       provider,
				Provider: provider,
				APIKey:   key,
				Priority: i + 1,
			})
			break
		}
	}

	if len(cfg.AI.Profiles) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}

	fmt.Fprintln(w.out)
	fmt.Fprintf(w.out, "Model name [%s]: ", cfg.AI.Model)
	model, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if model != "" {
		cfg.AI.Model = model
	}

	fmt.Fprintf(w.out, "Default job timeout in seconds [%d]: ", cfg.Jobs.DefaultTimeoutMs/1000)
	timeout, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if timeout != "" {
		secs, err := strconv.Atoi(timeout)
		if err != nil || secs <= 0 {
			fmt.Fprintf(w.out, "Warning: invalid timeout %q, keeping default\n", timeout)
		} else {
			cfg.Jobs.DefaultTimeoutMs = secs * 1000
		}
	}

	fmt.Fprint(w.out, "Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	secret, err := gonanoid.New(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate gateway secret: %w", err)
	}
	cfg.Gateway.SharedSecret = secret

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete! A gateway shared secret was generated.")

	return cfg, nil
}

func providerLabel(provider string) string {
	switch provider {
	case "anthropic":
		return "Anthropic"
	case "openai":
		return "OpenAI"
	}
	return provider
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
