package commandqueue

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/emitter"
	"github.com/harun/ranya-runtime/pkg/engine"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// TranscriptSaver persists a snapshot of a session's transcript
type TranscriptSaver interface {
	SaveTranscript(sessionID string, messages []engine.Message) error
}

// Config holds queue configuration
type Config struct {
	SessionID string
	Engine    engine.Engine

	// Saver receives a transcript snapshot after every turn that added
	// messages. Optional.
	Saver TranscriptSaver

	// WarnAfter logs a warning when a message waited longer than this
	// before its turn started. Zero disables the warning.
	WarnAfter time.Duration

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

type pendingMessage struct {
	text       string
	ctx        context.Context
	enqueuedAt time.Time
}

// Queue accepts messages for one session and feeds them to its engine one
// turn at a time.
type Queue struct {
	sessionID string
	engine    engine.Engine
	saver     TranscriptSaver
	warnAfter time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu       sync.Mutex
	pending  []pendingMessage
	draining bool
	closed   bool

	// errorEmitted is set when the engine emits an error event during the
	// current turn
	errorEmitted atomic.Bool

	transcript *Transcript
	errors     *emitter.Emitter[error]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue for one session's engine
func New(cfg Config) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger.With().
		Str("component", "message-queue").
		Str("session_id", cfg.SessionID).
		Logger()

	return &Queue{
		sessionID:  cfg.SessionID,
		engine:     cfg.Engine,
		saver:      cfg.Saver,
		warnAfter:  cfg.WarnAfter,
		metrics:    cfg.Metrics,
		logger:     logger,
		transcript: NewTranscript(),
		errors:     emitter.New[error]("queue-error", logger),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnError registers a listener for turn failures the engine did not
// already report as an error event
func (q *Queue) OnError(handler func(err error)) {
	q.errors.On(handler)
}

// Send queues message. Blank messages are ignored. If no turn is in flight
// a drain starts in the background; Send never waits for a turn.
func (q *Queue) Send(ctx context.Context, message string) error {
	if strings.TrimSpace(message) == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, pendingMessage{
		text:       message,
		ctx:        tracing.Detach(ctx),
		enqueuedAt: time.Now(),
	})
	depth := len(q.pending)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.sessionID, depth)
	q.logger.Debug().Int("queue_size", depth).Msg("Message enqueued")

	q.startDrain()
	return nil
}

// Observe must see every event the engine emits. Error events mark the
// current turn as reported; done and error events trigger another drain
// attempt so messages queued while the engine was busy get picked up.
func (q *Queue) Observe(event engine.StreamEvent) {
	switch event.Kind {
	case engine.EventError:
		q.errorEmitted.Store(true)
		q.startDrain()
	case engine.EventDone:
		q.startDrain()
	}
}

// startDrain launches the drain loop unless one is already running
func (q *Queue) startDrain() {
	q.mu.Lock()
	if q.draining || q.closed || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.wg.Add(1)
	q.mu.Unlock()

	go q.drain()
}

// drain pops messages while the engine is idle. The draining flag is
// cleared under the same lock that observed the empty queue, so a
// concurrent Send either sees draining or starts a new loop.
func (q *Queue) drain() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 || q.engine.IsProcessing() {
			q.draining = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		depth := len(q.pending)
		q.mu.Unlock()

		q.metrics.SetQueueDepth(q.sessionID, depth)

		if waited := time.Since(next.enqueuedAt); q.warnAfter > 0 && waited > q.warnAfter {
			q.logger.Warn().
				Dur("waited", waited).
				Int("queue_size", depth).
				Msg("Message waited long before processing")
		}

		ctx := tracing.MergeContext(q.ctx, next.ctx)
		q.processMessage(ctx, next.text)
	}
}

// processMessage runs one turn and folds its results into the transcript
func (q *Queue) processMessage(ctx context.Context, message string) {
	ctx = tracing.WithSessionID(ctx, q.sessionID)
	if tracing.GetTurnID(ctx) == "" {
		ctx = tracing.WithTurnID(ctx, tracing.NewTurnID())
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"ranya.commandqueue",
		"commandqueue.process_message",
		attribute.String("session_id", q.sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, q.logger)

	q.errorEmitted.Store(false)
	start := time.Now()

	err := q.engine.Process(ctx, message)

	duration := time.Since(start)
	q.metrics.RecordTurn(duration, err == nil)

	if err != nil {
		tracing.RecordError(span, err)
		if q.errorEmitted.Load() {
			logger.Debug().Err(err).Msg("Turn failed, engine already reported the error")
			return
		}
		logger.Error().Err(err).Dur("duration", duration).Msg("Turn failed")
		q.errors.Emit(err)
		return
	}

	added := q.transcript.Merge(q.engine.Messages())
	logger.Debug().
		Dur("duration", duration).
		Int("new_messages", added).
		Msg("Turn completed")

	if added > 0 && q.saver != nil {
		if err := q.saver.SaveTranscript(q.sessionID, q.transcript.Messages()); err != nil {
			logger.Warn().Err(err).Msg("Failed to save transcript snapshot")
		}
	}
}

// Transcript returns the merged transcript
func (q *Queue) Transcript() []engine.Message {
	return q.transcript.Messages()
}

// Pending returns the number of queued messages not yet processed
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsDraining reports whether a drain loop is running
func (q *Queue) IsDraining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Close drops queued messages, cancels the in-flight turn's context and
// waits for the drain loop to exit, bounded by ctx.
func (q *Queue) Close(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.metrics.SetQueueDepth(q.sessionID, 0)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn().Msg("Queue close timed out waiting for turn to finish")
	}

	q.errors.RemoveAll()
	q.logger.Debug().Int("dropped", dropped).Msg("Queue closed")
}
