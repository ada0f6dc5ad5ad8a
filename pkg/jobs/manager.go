package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/emitter"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultTimeout applies when neither the request nor the connector sets one
	DefaultTimeout = 10 * time.Minute

	// DefaultPollInterval is how often GetJobResult re-reads a pending job
	DefaultPollInterval = 250 * time.Millisecond
)

// Config holds manager configuration
type Config struct {
	Store          *Store
	Spawner        Spawner
	Connectors     []Connector
	DefaultTimeout time.Duration
	PollInterval   time.Duration
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

// Manager runs background jobs and guarantees each reaches exactly one
// terminal state.
type Manager struct {
	store          *Store
	spawner        Spawner
	defaultTimeout time.Duration
	pollInterval   time.Duration
	metrics        *observability.Metrics
	logger         zerolog.Logger

	connectors map[string]Connector
	connMu     sync.RWMutex

	running map[string]*trackedJob
	closed  bool
	mu      sync.Mutex
	wg      sync.WaitGroup

	listeners *emitter.Emitter[Summary]
}

// trackedJob is the in-memory half of a job this manager instance owns.
// claimed is the race guard: whichever path flips it first writes the
// terminal record, everyone else backs off.
type trackedJob struct {
	job     *Job
	timeout time.Duration
	claimed atomic.Bool

	mu    sync.Mutex
	proc  Process
	timer *time.Timer
}

func (t *trackedJob) claim() bool {
	return t.claimed.CompareAndSwap(false, true)
}

func (t *trackedJob) process() Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proc
}

func (t *trackedJob) stopTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *trackedJob) snapshot() *Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Clone()
}

// NewManager creates a job manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cfg.Spawner == nil {
		cfg.Spawner = NewExecSpawner(cfg.Logger)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	logger := cfg.Logger.With().Str("component", "job-manager").Logger()

	m := &Manager{
		store:          cfg.Store,
		spawner:        cfg.Spawner,
		defaultTimeout: cfg.DefaultTimeout,
		pollInterval:   cfg.PollInterval,
		metrics:        cfg.Metrics,
		logger:         logger,
		running:        make(map[string]*trackedJob),
		listeners:      emitter.New[Summary]("job-complete", logger),
	}
	m.SetConnectors(cfg.Connectors)

	return m, nil
}

// SetConnectors replaces the connector table. The default shell connector
// is always present unless overridden by name.
func (m *Manager) SetConnectors(connectors []Connector) {
	table := map[string]Connector{
		DefaultConnectorName: DefaultConnector(),
	}
	for _, c := range connectors {
		if c.Name == "" || len(c.Command) == 0 {
			m.logger.Warn().Str("connector", c.Name).Msg("Ignoring connector without name or command")
			continue
		}
		table[c.Name] = c
	}

	m.connMu.Lock()
	m.connectors = table
	m.connMu.Unlock()

	m.logger.Debug().Int("connectors", len(table)).Msg("Connectors configured")
}

// Connectors returns the configured connectors sorted by name
func (m *Manager) Connectors() []Connector {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	out := make([]Connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) connector(name string) (Connector, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	c, ok := m.connectors[name]
	return c, ok
}

// effectiveTimeout resolves per-call > per-connector > global default
func (m *Manager) effectiveTimeout(req StartRequest, conn Connector) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if conn.Timeout > 0 {
		return conn.Timeout
	}
	return m.defaultTimeout
}

// OnJobComplete registers a listener for terminal transitions
func (m *Manager) OnJobComplete(handler func(Summary)) {
	m.listeners.On(handler)
}

// StartJob persists a pending job, begins executing it in the background and
// returns the pending record without waiting.
func (m *Manager) StartJob(ctx context.Context, req StartRequest) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	name := req.Connector
	if name == "" {
		name = DefaultConnectorName
	}
	conn, ok := m.connector(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, ErrEmptyCommand
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job ID: %w", err)
	}

	var stdin []byte
	if len(req.Input) > 0 {
		stdin, err = json.Marshal(req.Input)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job input: %w", err)
		}
	}

	timeout := m.effectiveTimeout(req, conn)
	job := &Job{
		ID:            id,
		SessionID:     req.SessionID,
		ConnectorName: name,
		Command:       req.Command,
		Input:         req.Input,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
		TimeoutMs:     timeout.Milliseconds(),
	}
	tj := &trackedJob{job: job, timeout: timeout}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.running[id] = tj
	m.wg.Add(1)
	m.mu.Unlock()

	pending := job.Clone()
	m.persist(pending)
	m.metrics.RecordJobStarted(name)

	argv := append(append([]string{}, conn.Command...), req.Command)
	env := map[string]string{"RANYA_JOB_ID": id}
	if req.SessionID != "" {
		env["RANYA_SESSION_ID"] = req.SessionID
	}
	execCtx := tracing.WithJobID(tracing.Detach(ctx), id)

	logger := tracing.LoggerFromContext(execCtx, m.logger)
	logger.Info().
		Str("connector", name).
		Dur("timeout", timeout).
		Msg("Job started")

	go m.execute(execCtx, tj, argv, SpawnOptions{Dir: req.Dir, Env: env, Stdin: stdin})

	return pending, nil
}

// execute moves a job to running, spawns it and waits for natural exit
func (m *Manager) execute(ctx context.Context, tj *trackedJob, argv []string, opts SpawnOptions) {
	defer m.wg.Done()

	ctx, span := tracing.StartSpan(
		ctx,
		"ranya.jobs",
		"jobs.execute",
		attribute.String("job_id", tj.job.ID),
		attribute.String("connector", tj.job.ConnectorName),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	// tj.mu is held across spawn so a concurrent cancel either sees the
	// claim before we start or finds the process to kill afterwards.
	tj.mu.Lock()
	if tj.claimed.Load() {
		tj.mu.Unlock()
		logger.Debug().Msg("Job decided before execution started")
		return
	}

	now := time.Now()
	tj.job.Status = StatusRunning
	tj.job.StartedAt = &now
	m.persist(tj.job.Clone())

	proc, err := m.spawner.Spawn(ctx, argv, opts)
	if err != nil {
		tj.mu.Unlock()
		tracing.RecordError(span, err)
		if tj.claim() {
			m.complete(tj, StatusFailed, nil, &JobError{Code: CodeSpawnFailed, Message: err.Error()})
		}
		return
	}
	tj.proc = proc
	tj.timer = time.AfterFunc(tj.timeout, func() { m.handleTimeout(tj) })
	tj.mu.Unlock()

	exit, waitErr := proc.Wait()
	tj.stopTimer()

	if !tj.claim() {
		logger.Debug().Int("exit_code", exit.ExitCode).Msg("Process exit ignored, job already decided")
		return
	}

	result := &Result{ExitCode: exit.ExitCode, Stdout: exit.Stdout, Stderr: exit.Stderr}
	switch {
	case waitErr != nil:
		tracing.RecordError(span, waitErr)
		m.complete(tj, StatusFailed, result, &JobError{Code: CodeExitStatus, Message: waitErr.Error()})
	case exit.ExitCode != 0:
		m.complete(tj, StatusFailed, result, &JobError{
			Code:    CodeExitStatus,
			Message: fmt.Sprintf("process exited with code %d", exit.ExitCode),
		})
	default:
		m.complete(tj, StatusCompleted, result, nil)
	}
}

func (m *Manager) handleTimeout(tj *trackedJob) {
	if !tj.claim() {
		return
	}
	m.logger.Warn().
		Str("job_id", tj.job.ID).
		Dur("timeout", tj.timeout).
		Msg("Job timed out, killing process")

	m.killAndComplete(tj, StatusTimeout, &JobError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("job exceeded timeout of %s", tj.timeout),
	})
}

// killAndComplete must only be called by the path that won the claim
func (m *Manager) killAndComplete(tj *trackedJob, status Status, jobErr *JobError) {
	if proc := tj.process(); proc != nil {
		if err := proc.Kill(); err != nil {
			m.logger.Warn().Err(err).Str("job_id", tj.job.ID).Msg("Failed to kill job process")
		}
	}
	m.complete(tj, status, nil, jobErr)
}

// complete writes the terminal record and notifies listeners. Only the
// claim winner reaches it, so it runs once per job.
func (m *Manager) complete(tj *trackedJob, status Status, result *Result, jobErr *JobError) {
	tj.mu.Lock()
	if tj.timer != nil {
		tj.timer.Stop()
	}
	now := time.Now()
	tj.job.Status = status
	tj.job.CompletedAt = &now
	tj.job.Result = result
	tj.job.Error = jobErr
	final := tj.job.Clone()
	tj.mu.Unlock()

	m.persist(final)

	m.mu.Lock()
	delete(m.running, final.ID)
	m.mu.Unlock()

	m.metrics.RecordJobFinished(final.ConnectorName, string(final.Status), final.Duration())

	event := m.logger.Info()
	if status != StatusCompleted {
		event = m.logger.Warn()
	}
	event.
		Str("job_id", final.ID).
		Str("status", string(final.Status)).
		Dur("duration", final.Duration()).
		Msg("Job finished")

	m.listeners.Emit(Summarize(final))
}

// persist is best-effort: the store is a recovery aid, not the source of truth
func (m *Manager) persist(job *Job) {
	if err := m.store.Save(job); err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to persist job record")
	}
}

// CancelJob cancels a pending or running job. It returns false without
// touching the record when the job is already terminal.
func (m *Manager) CancelJob(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	tj := m.running[id]
	m.mu.Unlock()

	if tj == nil {
		return m.cancelUntracked(id)
	}
	if !tj.claim() {
		return false, nil
	}

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Str("job_id", id).Msg("Cancelling job")
	m.killAndComplete(tj, StatusCancelled, &JobError{Code: CodeCancelled, Message: "job cancelled"})
	return true, nil
}

// cancelUntracked handles records this instance does not own, e.g. ones left
// by a previous process. There is no process to kill.
func (m *Manager) cancelUntracked(id string) (bool, error) {
	job, err := m.store.Update(id, func(job *Job) error {
		if job.Status.IsTerminal() {
			return ErrTerminal
		}
		now := time.Now()
		job.Status = StatusCancelled
		job.CompletedAt = &now
		job.Error = &JobError{Code: CodeCancelled, Message: "job cancelled"}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			return false, nil
		}
		return false, err
	}

	m.listeners.Emit(Summarize(job))
	return true, nil
}

// CancelSessionJobs cancels every tracked job started for sessionID
func (m *Manager) CancelSessionJobs(ctx context.Context, sessionID string) int {
	m.mu.Lock()
	var owned []*trackedJob
	for _, tj := range m.running {
		if tj.job.SessionID == sessionID {
			owned = append(owned, tj)
		}
	}
	m.mu.Unlock()

	cancelled := 0
	for _, tj := range owned {
		if !tj.claim() {
			continue
		}
		m.killAndComplete(tj, StatusCancelled, &JobError{Code: CodeCancelled, Message: "session closed"})
		cancelled++
	}
	if cancelled > 0 {
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Info().
			Str("session_id", sessionID).
			Int("cancelled", cancelled).
			Msg("Cancelled session jobs")
	}
	return cancelled
}

// GetJobResult returns the job. If it is not terminal and wait is positive,
// the persisted record is polled until it is terminal or wait elapses; the
// latest snapshot is returned either way.
func (m *Manager) GetJobResult(ctx context.Context, id string, wait time.Duration) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	job, err := m.read(id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() || wait <= 0 {
		return job, nil
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-deadline.C:
			return job, nil
		case <-ticker.C:
			latest, err := m.read(id)
			if err != nil {
				continue
			}
			job = latest
			if job.Status.IsTerminal() {
				return job, nil
			}
		}
	}
}

// read prefers the persisted record and falls back to the in-memory one
// when the store write was lost.
func (m *Manager) read(id string) (*Job, error) {
	job, err := m.store.Read(id)
	if err == nil {
		return job, nil
	}

	m.mu.Lock()
	tj := m.running[id]
	m.mu.Unlock()
	if tj != nil {
		return tj.snapshot(), nil
	}
	return nil, err
}

// ListJobs returns persisted jobs, optionally filtered by session
func (m *Manager) ListJobs(sessionID string) ([]*Job, error) {
	all, err := m.store.List()
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return all, nil
	}

	filtered := make([]*Job, 0, len(all))
	for _, j := range all {
		if j.SessionID == sessionID {
			filtered = append(filtered, j)
		}
	}
	return filtered, nil
}

// RunningCount returns how many jobs this instance still tracks
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// RecoverOrphans marks non-terminal records not owned by this instance as
// failed. Their processes died with the previous owner.
func (m *Manager) RecoverOrphans(ctx context.Context) (int, error) {
	all, err := m.store.List()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, j := range all {
		if j.Status.IsTerminal() {
			continue
		}
		m.mu.Lock()
		_, owned := m.running[j.ID]
		m.mu.Unlock()
		if owned {
			continue
		}

		_, err := m.store.Update(j.ID, func(job *Job) error {
			if job.Status.IsTerminal() {
				return ErrTerminal
			}
			now := time.Now()
			job.Status = StatusFailed
			job.CompletedAt = &now
			job.Error = &JobError{Code: CodeOrphaned, Message: "job owner exited before completion"}
			return nil
		})
		if err != nil {
			if !errors.Is(err, ErrTerminal) {
				m.logger.Warn().Err(err).Str("job_id", j.ID).Msg("Failed to recover orphaned job")
			}
			continue
		}
		recovered++
	}

	if recovered > 0 {
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Info().Int("recovered", recovered).Msg("Orphaned jobs marked failed")
	}
	return recovered, nil
}

// Cleanup deletes terminal records that completed more than retention ago
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	all, err := m.store.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	deleted := 0
	for _, j := range all {
		if !j.Status.IsTerminal() || j.CompletedAt == nil || j.CompletedAt.After(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := m.store.Delete(j.ID); err != nil {
			m.logger.Warn().Err(err).Str("job_id", j.ID).Msg("Failed to delete expired job")
			continue
		}
		deleted++
	}

	m.logger.Debug().
		Int("deleted", deleted).
		Dur("retention", retention).
		Msg("Job cleanup finished")

	return deleted, nil
}

// Shutdown cancels every job this instance still tracks, kills its process
// and waits (bounded by ctx) for the execution goroutines to drain. It
// returns the number of jobs cancelled.
func (m *Manager) Shutdown(ctx context.Context) int {
	m.mu.Lock()
	m.closed = true
	tracked := make([]*trackedJob, 0, len(m.running))
	for _, tj := range m.running {
		tracked = append(tracked, tj)
	}
	m.mu.Unlock()

	cancelled := 0
	for _, tj := range tracked {
		if !tj.claim() {
			continue
		}
		m.killAndComplete(tj, StatusCancelled, &JobError{Code: CodeCancelled, Message: "job manager shut down"})
		cancelled++
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn().Msg("Shutdown deadline reached before job goroutines exited")
	}

	m.logger.Info().Int("cancelled", cancelled).Msg("Job manager shut down")
	return cancelled
}
