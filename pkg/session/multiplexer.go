package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/commandqueue"
	"github.com/harun/ranya-runtime/pkg/emitter"
	"github.com/harun/ranya-runtime/pkg/engine"
	"github.com/harun/ranya-runtime/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// JobCanceller stops background work owned by a session when it closes
type JobCanceller interface {
	CancelSessionJobs(ctx context.Context, sessionID string) int
}

// Config holds multiplexer configuration
type Config struct {
	// Store persists session records and transcripts. Nil disables persistence.
	Store         *Store
	EngineFactory engine.Factory

	// BufferCapacity bounds each inactive session's event buffer
	BufferCapacity int

	// Jobs, when set, has a closing session's jobs cancelled
	Jobs JobCanceller

	// QueueWarnAfter is passed to each session's message queue
	QueueWarnAfter time.Duration

	// StopTimeout bounds how long closing a session waits for its turn
	StopTimeout time.Duration

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// liveSession is the multiplexer's state for one session. Every field
// except engine, caps and queue is guarded by Multiplexer.mu.
type liveSession struct {
	id           string
	cwd          string
	startedAt    time.Time
	updatedAt    time.Time
	isProcessing bool
	assistantID  string
	label        string
	buffer       *EventBuffer

	engine engine.Engine
	caps   engine.Capabilities
	queue  *commandqueue.Queue
}

// observe applies a delivered event to the session's state and reports
// whether it ended a turn
func (s *liveSession) observe(kind engine.EventKind) bool {
	s.updatedAt = time.Now()
	switch {
	case kind.IsActivity():
		s.isProcessing = true
	case kind.IsTerminal():
		s.isProcessing = false
		return true
	}
	return false
}

func (s *liveSession) record(status Status) Record {
	return Record{
		ID:          s.id,
		CWD:         s.cwd,
		StartedAt:   s.startedAt,
		UpdatedAt:   s.updatedAt,
		AssistantID: s.assistantID,
		Label:       s.label,
		Status:      status,
	}
}

// delivery is one queued call to chunk or error listeners
type delivery struct {
	event *engine.StreamEvent
	err   *SessionError
}

// Multiplexer owns the live sessions and routes their events to the UI
type Multiplexer struct {
	store       *Store
	factory     engine.Factory
	bufferCap   int
	jobs        JobCanceller
	warnAfter   time.Duration
	stopTimeout time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
	activeID string

	// outbox holds deliveries in routing order. One goroutine at a time
	// flushes it, without holding mu, so listeners may call back into the
	// multiplexer.
	outbox   []delivery
	flushing bool

	chunks *emitter.Emitter[engine.StreamEvent]
	errors *emitter.Emitter[SessionError]
}

// NewMultiplexer creates a multiplexer
func NewMultiplexer(cfg Config) *Multiplexer {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultBufferCapacity
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	logger := cfg.Logger.With().Str("component", "session-multiplexer").Logger()

	return &Multiplexer{
		store:       cfg.Store,
		factory:     cfg.EngineFactory,
		bufferCap:   cfg.BufferCapacity,
		jobs:        cfg.Jobs,
		warnAfter:   cfg.QueueWarnAfter,
		stopTimeout: cfg.StopTimeout,
		metrics:     cfg.Metrics,
		logger:      logger,
		sessions:    make(map[string]*liveSession),
		chunks:      emitter.New[engine.StreamEvent]("chunk", logger),
		errors:      emitter.New[SessionError]("session-error", logger),
	}
}

// OnChunk registers a listener for events delivered to the UI
func (m *Multiplexer) OnChunk(handler func(engine.StreamEvent)) {
	m.chunks.On(handler)
}

// OnError registers a listener for turn failures of the active session
func (m *Multiplexer) OnError(handler func(SessionError)) {
	m.errors.On(handler)
}

// CreateSession builds a session and its engine. The first live session
// becomes active; later ones start in the background.
func (m *Multiplexer) CreateSession(ctx context.Context, opts CreateOptions) (Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.factory == nil {
		return Session{}, ErrNoEngineFactory
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := store.ValidateID(id); err != nil {
		return Session{}, err
	}

	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "ranya.session", "session.create", attribute.String("session_id", id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	now := time.Now()
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	ls := &liveSession{
		id:          id,
		cwd:         opts.CWD,
		startedAt:   startedAt,
		updatedAt:   now,
		assistantID: opts.AssistantID,
		label:       opts.Label,
		buffer:      NewEventBuffer(m.bufferCap),
	}

	// Registered before the engine exists so the router never sees an
	// unknown id for this session.
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("session %s already exists", id)
	}
	m.sessions[id] = ls
	if m.activeID == "" {
		m.activeID = id
	}
	m.mu.Unlock()

	eng, err := m.factory(ctx, engine.Options{
		SessionID:   id,
		CWD:         opts.CWD,
		AssistantID: opts.AssistantID,
		Sink:        func(ev engine.StreamEvent) { m.handleEvent(id, ev) },
	})
	if err != nil {
		tracing.RecordError(span, err)
		m.discard(id)
		return Session{}, fmt.Errorf("failed to create engine: %w", err)
	}

	var saver commandqueue.TranscriptSaver
	if m.store != nil {
		saver = m.store
	}
	queue := commandqueue.New(commandqueue.Config{
		SessionID: id,
		Engine:    eng,
		Saver:     saver,
		WarnAfter: m.warnAfter,
		Metrics:   m.metrics,
		Logger:    m.logger,
	})
	queue.OnError(func(err error) { m.routeError(id, err) })

	m.mu.Lock()
	ls.engine = eng
	ls.caps = engine.Resolve(eng)
	ls.queue = queue
	m.mu.Unlock()

	if err := eng.Initialize(ctx); err != nil {
		tracing.RecordError(span, err)
		m.discard(id)
		queue.Close(ctx)
		if stopErr := eng.Stop(); stopErr != nil {
			logger.Warn().Err(stopErr).Msg("Failed to stop engine after init failure")
		}
		return Session{}, fmt.Errorf("failed to initialize engine: %w", err)
	}

	m.mu.Lock()
	status := StatusBackground
	if m.activeID == id {
		status = StatusActive
	}
	m.persistLocked(ls.record(status))
	snapshot := m.snapshotLocked(ls)
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetLiveSessions(count)
	logger.Info().
		Str("status", string(status)).
		Str("cwd", opts.CWD).
		Msg("Session created")

	return snapshot, nil
}

// discard removes a session that failed to start
func (m *Multiplexer) discard(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	if m.activeID == id {
		m.activeID = ""
		if next := m.mostRecentLocked(); next != nil {
			m.activateLocked(next)
		}
	}
	m.mu.Unlock()
	m.flush()
}

// SwitchSession makes id the active session and replays its buffer. The
// replay is delivered before SwitchSession returns unless another goroutine
// is already delivering events; then it is queued behind that delivery and
// SwitchSession returns without waiting, so a listener may call back into
// the multiplexer. Either way replayed events arrive in order, exactly once,
// and ahead of any later live event.
func (m *Multiplexer) SwitchSession(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "ranya.session", "session.switch", attribute.String("session_id", id))
	defer span.End()

	m.mu.Lock()
	ls, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		tracing.RecordError(span, err)
		return err
	}
	if m.activeID == id {
		m.mu.Unlock()
		return nil
	}

	previous := m.sessions[m.activeID]
	if previous != nil {
		m.persistLocked(previous.record(StatusBackground))
	}
	replayed := m.activateLocked(ls)
	m.mu.Unlock()

	m.metrics.SetBufferedEvents(id, 0)
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, id), m.logger)
	logger.Debug().
		Int("replayed", replayed).
		Msg("Session switched")

	m.flush()
	return nil
}

// activateLocked marks ls active, persists it and moves its buffer to the
// outbox. Buffer drain and activation happen under one lock, so every event
// is either replayed or delivered live, never both.
func (m *Multiplexer) activateLocked(ls *liveSession) int {
	events := ls.buffer.Drain()
	for i := range events {
		ls.observe(events[i].Kind)
		m.outbox = append(m.outbox, delivery{event: &events[i]})
	}

	m.activeID = ls.id
	m.persistLocked(ls.record(StatusActive))
	return len(events)
}

// CloseSession stops a session and removes it. Closing the active session
// promotes the most recently updated remaining one and replays its buffer
// the way SwitchSession does. Unknown ids are ignored.
func (m *Multiplexer) CloseSession(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "ranya.session", "session.close", attribute.String("session_id", id))
	defer span.End()
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, id), m.logger)

	m.mu.Lock()
	ls, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		logger.Debug().Msg("Close ignored, session not live")
		return nil
	}
	delete(m.sessions, id)
	ls.updatedAt = time.Now()
	m.persistLocked(ls.record(StatusClosed))

	promoted := ""
	if m.activeID == id {
		m.activeID = ""
		if next := m.mostRecentLocked(); next != nil {
			m.activateLocked(next)
			promoted = next.id
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	m.teardown(ctx, ls)
	m.metrics.SetLiveSessions(count)
	m.metrics.ForgetSession(id)
	if promoted != "" {
		m.metrics.SetBufferedEvents(promoted, 0)
	}

	event := logger.Info()
	if promoted != "" {
		event = event.Str("promoted", promoted)
	}
	event.Msg("Session closed")

	m.flush()
	return nil
}

// teardown releases a session's queue, engine and jobs
func (m *Multiplexer) teardown(ctx context.Context, ls *liveSession) {
	stopCtx, cancel := context.WithTimeout(tracing.Detach(ctx), m.stopTimeout)
	defer cancel()

	if ls.queue != nil {
		ls.queue.Close(stopCtx)
	}
	if ls.engine != nil {
		if err := ls.engine.Stop(); err != nil {
			m.logger.Warn().Err(err).Str("session_id", ls.id).Msg("Failed to stop engine")
		}
	}
	if m.jobs != nil {
		m.jobs.CancelSessionJobs(stopCtx, ls.id)
	}
}

// CloseAll stops every live session and marks every persisted record
// closed. Meant for process shutdown.
func (m *Multiplexer) CloseAll(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	live := make([]*liveSession, 0, len(m.sessions))
	for _, ls := range m.sessions {
		live = append(live, ls)
	}
	m.sessions = make(map[string]*liveSession)
	m.activeID = ""
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ls := range live {
		wg.Add(1)
		go func(ls *liveSession) {
			defer wg.Done()
			m.teardown(ctx, ls)
			m.metrics.ForgetSession(ls.id)
		}(ls)
	}
	wg.Wait()

	if m.store != nil {
		records, err := m.store.List()
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to list session records")
		}
		for _, rec := range records {
			if rec.Status == StatusClosed {
				continue
			}
			rec.Status = StatusClosed
			m.persist(*rec)
		}
	}

	m.metrics.SetLiveSessions(0)
	m.logger.Info().Int("sessions", len(live)).Msg("All sessions closed")
}

// Send queues message on the session's message queue
func (m *Multiplexer) Send(ctx context.Context, id, message string) error {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	var queue *commandqueue.Queue
	if ok {
		queue = ls.queue
	}
	m.mu.Unlock()

	if !ok || queue == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return queue.Send(tracing.WithSessionID(ctx, id), message)
}

// InterruptSession aborts the session's in-flight turn if its engine can
func (m *Multiplexer) InterruptSession(id string) error {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	var caps engine.Capabilities
	if ok {
		caps = ls.caps
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !caps.CanInterrupt() {
		return ErrNotSupported
	}
	return caps.Interrupt.Interrupt()
}

// TokenUsage returns the session's token usage if its engine tracks it
func (m *Multiplexer) TokenUsage(id string) (engine.TokenUsage, error) {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	var caps engine.Capabilities
	if ok {
		caps = ls.caps
	}
	m.mu.Unlock()

	if !ok {
		return engine.TokenUsage{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !caps.CanReportUsage() {
		return engine.TokenUsage{}, ErrNotSupported
	}
	return caps.TokenUsage.TokenUsage(), nil
}

// Transcript returns the session's merged transcript
func (m *Multiplexer) Transcript(id string) ([]engine.Message, error) {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	m.mu.Unlock()

	if !ok || ls.queue == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ls.queue.Transcript(), nil
}

// SetLabel renames a session
func (m *Multiplexer) SetLabel(id, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	ls.label = label
	ls.updatedAt = time.Now()
	m.persistLocked(ls.record(m.statusLocked(ls)))
	return nil
}

// ListSessions returns live sessions, most recently updated first
func (m *Multiplexer) ListSessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, ls := range m.sessions {
		out = append(out, m.snapshotLocked(ls))
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Get returns one live session
func (m *Multiplexer) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m.snapshotLocked(ls), nil
}

// Active returns the active session, if any
func (m *Multiplexer) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.sessions[m.activeID]
	if !ok {
		return Session{}, false
	}
	return m.snapshotLocked(ls), true
}

// RecoverSessions re-creates live sessions from persisted records that were
// not closed. Conversation content is not restored. The record persisted as
// active is created first so it becomes active again.
func (m *Multiplexer) RecoverSessions(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	records, err := m.store.List()
	if err != nil {
		return 0, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Status == StatusActive && records[j].Status != StatusActive
	})

	recovered := 0
	for _, rec := range records {
		if rec.Status == StatusClosed {
			continue
		}
		m.mu.Lock()
		_, live := m.sessions[rec.ID]
		m.mu.Unlock()
		if live {
			continue
		}

		if _, err := m.CreateSession(ctx, CreateOptions{
			ID:          rec.ID,
			CWD:         rec.CWD,
			AssistantID: rec.AssistantID,
			Label:       rec.Label,
			StartedAt:   rec.StartedAt,
		}); err != nil {
			m.logger.Warn().Err(err).Str("session_id", rec.ID).Msg("Failed to recover session")
			continue
		}
		recovered++
	}

	if recovered > 0 {
		m.logger.Info().Int("recovered", recovered).Msg("Sessions recovered")
	}
	return recovered, nil
}

// handleEvent is every engine's sink
func (m *Multiplexer) handleEvent(id string, ev engine.StreamEvent) {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	var queue *commandqueue.Queue
	if ok {
		queue = ls.queue
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug().Str("session_id", id).Str("kind", string(ev.Kind)).Msg("Dropping event for closed session")
		return
	}
	if queue != nil {
		queue.Observe(ev)
	}
	m.route(id, ev)
}

// route delivers ev if id is active and buffers it otherwise. Session state
// follows delivered events only; a buffered event counts once it is replayed.
func (m *Multiplexer) route(id string, ev engine.StreamEvent) {
	if ev.SessionID == "" {
		ev.SessionID = id
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	m.mu.Lock()
	ls, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	if m.activeID == id {
		if ls.observe(ev.Kind) {
			m.persistLocked(ls.record(StatusActive))
		}
		m.outbox = append(m.outbox, delivery{event: &ev})
		m.mu.Unlock()
		m.flush()
		return
	}

	dropped := ls.buffer.Push(ev)
	buffered := ls.buffer.Len()
	m.mu.Unlock()

	m.metrics.SetBufferedEvents(id, buffered)
	if dropped {
		m.metrics.RecordDroppedEvents(id, 1)
	}
}

// routeError sends a turn failure to error listeners if id is active, and
// buffers it as an error event otherwise
func (m *Multiplexer) routeError(id string, err error) {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if m.activeID == id {
		ls.observe(engine.EventError)
		m.outbox = append(m.outbox, delivery{err: &SessionError{SessionID: id, Err: err}})
		m.mu.Unlock()
		m.flush()
		return
	}

	dropped := ls.buffer.Push(engine.ErrorEvent(id, err))
	buffered := ls.buffer.Len()
	m.mu.Unlock()

	m.metrics.SetBufferedEvents(id, buffered)
	if dropped {
		m.metrics.RecordDroppedEvents(id, 1)
	}
}

// flush delivers the outbox unless another goroutine already is. That
// goroutine picks up whatever was appended before it saw the outbox empty.
func (m *Multiplexer) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true

	for {
		batch := m.outbox
		m.outbox = nil
		if len(batch) == 0 {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		for _, d := range batch {
			if d.event != nil {
				m.chunks.Emit(*d.event)
				m.metrics.RecordDelivered(string(d.event.Kind))
				continue
			}
			m.errors.Emit(*d.err)
		}

		m.mu.Lock()
	}
}

func (m *Multiplexer) mostRecentLocked() *liveSession {
	var best *liveSession
	for _, ls := range m.sessions {
		if best == nil || ls.updatedAt.After(best.updatedAt) {
			best = ls
		}
	}
	return best
}

func (m *Multiplexer) statusLocked(ls *liveSession) Status {
	if m.activeID == ls.id {
		return StatusActive
	}
	return StatusBackground
}

func (m *Multiplexer) snapshotLocked(ls *liveSession) Session {
	s := Session{
		ID:           ls.id,
		CWD:          ls.cwd,
		StartedAt:    ls.startedAt,
		UpdatedAt:    ls.updatedAt,
		IsProcessing: ls.isProcessing,
		AssistantID:  ls.assistantID,
		Label:        ls.label,
		Active:       m.activeID == ls.id,
		Buffered:     ls.buffer.Len(),
	}
	if ls.queue != nil {
		s.Pending = ls.queue.Pending()
	}
	return s
}

// persistLocked writes rec while mu is held so records land in the same
// order as the state changes they describe
func (m *Multiplexer) persistLocked(rec Record) {
	m.persist(rec)
}

func (m *Multiplexer) persist(rec Record) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(rec); err != nil {
		m.logger.Warn().Err(err).Str("session_id", rec.ID).Msg("Failed to persist session record")
	}
}
