package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/engine"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Engine runs model turns for one session. It implements engine.Engine,
// engine.Interrupter and engine.UsageReporter.
type Engine struct {
	sessionID string
	cfg       Config
	llm       LLMCaller
	tools     *Toolset
	sink      engine.Sink
	logger    zerolog.Logger

	mu          sync.Mutex
	messages    []engine.Message
	usage       engine.TokenUsage
	processing  bool
	interrupted bool
	cancel      context.CancelFunc
	stopped     bool
}

// EngineConfig configures a single Engine
type EngineConfig struct {
	SessionID string
	Config    Config
	LLM       LLMCaller
	Tools     *Toolset
	Sink      engine.Sink
	Logger    zerolog.Logger
}

// NewEngine creates an engine. Tools may be nil.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm caller is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = func(engine.StreamEvent) {}
	}
	defaults := DefaultConfig()
	if cfg.Config.Model == "" {
		cfg.Config.Model = defaults.Model
	}
	if cfg.Config.MaxTokens <= 0 {
		cfg.Config.MaxTokens = defaults.MaxTokens
	}
	if cfg.Config.MaxToolRounds <= 0 {
		cfg.Config.MaxToolRounds = defaults.MaxToolRounds
	}

	return &Engine{
		sessionID: cfg.SessionID,
		cfg:       cfg.Config,
		llm:       cfg.LLM,
		tools:     cfg.Tools,
		sink:      cfg.Sink,
		logger:    cfg.Logger.With().Str("component", "agent").Str("session_id", cfg.SessionID).Logger(),
	}, nil
}

// Initialize is a no-op beyond checking the engine is usable
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	return nil
}

// Process runs one turn: model calls alternate with tool calls until the
// model answers without requesting tools. An interrupted turn ends with a
// done event and a nil error.
func (e *Engine) Process(ctx context.Context, message string) (err error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.processing {
		e.mu.Unlock()
		return ErrBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	e.processing = true
	e.interrupted = false
	e.cancel = cancel
	e.messages = append(e.messages, e.newMessage("user", message))
	e.mu.Unlock()

	turnCtx, span := tracing.StartSpan(turnCtx, "ranya.agent", "agent.turn",
		attribute.String("session_id", e.sessionID),
		attribute.String("model", e.cfg.Model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(turnCtx, e.logger)

	err = e.runTurn(turnCtx)
	cancel()

	// The terminal event goes out only after processing is cleared, so a
	// listener reacting to it sees an idle engine.
	e.mu.Lock()
	interrupted := e.interrupted
	e.processing = false
	e.cancel = nil
	e.mu.Unlock()

	if err != nil && interrupted && errors.Is(err, context.Canceled) {
		logger.Info().Msg("Turn interrupted")
		err = nil
	}

	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Msg("Turn failed")
		e.emit(engine.ErrorEvent(e.sessionID, err))
		return err
	}

	e.emit(engine.StreamEvent{Kind: engine.EventDone})
	return nil
}

func (e *Engine) runTurn(ctx context.Context) error {
	var defs []ToolDefinition
	if e.tools != nil {
		defs = e.tools.Definitions()
	}

	for round := 0; round < e.cfg.MaxToolRounds; round++ {
		req := LLMRequest{
			Model:        e.cfg.Model,
			Messages:     e.Messages(),
			Tools:        defs,
			Temperature:  e.cfg.Temperature,
			MaxTokens:    e.cfg.MaxTokens,
			SystemPrompt: e.cfg.SystemPrompt,
		}

		resp, err := e.llm.Call(ctx, req)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		reply := e.newMessage("assistant", resp.Content)
		reply.ToolCalls = resp.ToolCalls

		e.mu.Lock()
		e.messages = append(e.messages, reply)
		if resp.Usage != nil {
			e.usage.Add(*resp.Usage)
		}
		e.mu.Unlock()

		if resp.Usage != nil {
			usage := *resp.Usage
			e.emit(engine.StreamEvent{Kind: engine.EventUsage, Usage: &usage})
		}
		if resp.Content != "" {
			e.emit(engine.StreamEvent{Kind: engine.EventText, Text: resp.Content})
		}
		if len(resp.ToolCalls) == 0 {
			return nil
		}

		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.emit(engine.StreamEvent{
				Kind:      engine.EventToolUse,
				ToolUseID: call.ID,
				ToolName:  call.Name,
				ToolInput: call.Parameters,
			})

			result := e.executeTool(ctx, call)

			toolMsg := e.newMessage("tool", result.Output)
			toolMsg.ToolCallID = call.ID
			if result.Error != "" {
				toolMsg.Content = result.Error
				toolMsg.Metadata = map[string]any{"is_error": true}
			}

			e.mu.Lock()
			e.messages = append(e.messages, toolMsg)
			e.mu.Unlock()

			e.emit(engine.StreamEvent{
				Kind:      engine.EventToolResult,
				ToolUseID: call.ID,
				ToolName:  call.Name,
				Text:      toolMsg.Content,
				IsError:   result.Error != "",
			})
		}
	}

	return fmt.Errorf("%w (%d)", ErrToolRoundLimit, e.cfg.MaxToolRounds)
}

func (e *Engine) executeTool(ctx context.Context, call engine.ToolCall) ToolResult {
	if e.tools == nil {
		return ToolResult{ToolCallID: call.ID, Error: fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name)}
	}
	return e.tools.Execute(ctx, call)
}

// Messages returns a copy of the transcript
func (e *Engine) Messages() []engine.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// IsProcessing reports whether a turn is in flight
func (e *Engine) IsProcessing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processing
}

// Interrupt cancels the in-flight turn, if any
func (e *Engine) Interrupt() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.interrupted = true
		e.cancel()
	}
	return nil
}

// TokenUsage returns the usage accumulated over all turns
func (e *Engine) TokenUsage() engine.TokenUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// Stop cancels any in-flight turn and rejects further work
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

func (e *Engine) newMessage(role, content string) engine.Message {
	return engine.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func (e *Engine) emit(ev engine.StreamEvent) {
	ev.SessionID = e.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.sink(ev)
}
