package agent

import (
	"context"
	"time"

	"github.com/harun/ranya-runtime/pkg/engine"
	"github.com/rs/zerolog"
)

// FactoryConfig configures the engines built for new sessions
type FactoryConfig struct {
	Config      Config
	LLM         LLMCaller
	Jobs        JobRunner
	Policy      *ToolPolicy
	ToolTimeout time.Duration
	Logger      zerolog.Logger
}

// NewFactory returns an engine.Factory producing agent engines. When Jobs is
// set each engine gets the background job tools scoped to its session.
func NewFactory(cfg FactoryConfig) engine.Factory {
	return func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		tools := NewToolset(cfg.Policy, cfg.ToolTimeout, cfg.Logger)
		if cfg.Jobs != nil {
			if err := RegisterJobTools(tools, cfg.Jobs, opts.SessionID, opts.CWD); err != nil {
				return nil, err
			}
		}

		return NewEngine(EngineConfig{
			SessionID: opts.SessionID,
			Config:    cfg.Config,
			LLM:       cfg.LLM,
			Tools:     tools,
			Sink:      opts.Sink,
			Logger:    cfg.Logger,
		})
	}
}
