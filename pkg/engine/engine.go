package engine

import "context"

// Sink receives every event an engine produces
type Sink func(event StreamEvent)

// Engine is a single conversation's turn processor
type Engine interface {
	// Initialize prepares the engine before the first turn
	Initialize(ctx context.Context) error

	// Process runs one turn for message, emitting events through the Sink
	Process(ctx context.Context, message string) error

	// Messages returns the engine's transcript
	Messages() []Message

	// IsProcessing reports whether a turn is in flight. It must be false
	// once Process has returned.
	IsProcessing() bool

	// Stop releases the engine's resources
	Stop() error
}

// Options is handed to a Factory when a session is created
type Options struct {
	SessionID   string
	CWD         string
	AssistantID string
	Sink        Sink
}

// Factory builds an engine for a new session. The Sink in opts must be
// wired before the engine does any work.
type Factory func(ctx context.Context, opts Options) (Engine, error)

// Interrupter is implemented by engines that can abort an in-flight turn
type Interrupter interface {
	Interrupt() error
}

// UsageReporter is implemented by engines that track token usage
type UsageReporter interface {
	TokenUsage() TokenUsage
}

// Capabilities is the set of optional behaviors an engine supports
type Capabilities struct {
	Interrupt  Interrupter
	TokenUsage UsageReporter
}

// CanInterrupt reports whether the engine supports interruption
func (c Capabilities) CanInterrupt() bool {
	return c.Interrupt != nil
}

// CanReportUsage reports whether the engine tracks token usage
func (c Capabilities) CanReportUsage() bool {
	return c.TokenUsage != nil
}

// Resolve inspects e once and records its optional capabilities
func Resolve(e Engine) Capabilities {
	var caps Capabilities
	if i, ok := e.(Interrupter); ok {
		caps.Interrupt = i
	}
	if u, ok := e.(UsageReporter); ok {
		caps.TokenUsage = u
	}
	return caps
}
