package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/ranya-runtime/internal/config"
	"github.com/harun/ranya-runtime/internal/logger"
	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/harun/ranya-runtime/pkg/gateway"
	"github.com/harun/ranya-runtime/pkg/jobs"
	"github.com/harun/ranya-runtime/pkg/session"
	"github.com/rs/zerolog"
)

// Options selects which services a daemon runs
type Options struct {
	// Gateway starts the WebSocket/HTTP gateway
	Gateway bool
	// ConfigPath, when set, is watched and hot-reloaded
	ConfigPath string
	// PIDFile writes <data_dir>/ranya.pid while running
	PIDFile bool
	// Creator overrides how LLM providers are built
	Creator agent.ProviderCreator
}

// Daemon owns the runtime: background jobs, the session multiplexer and
// the optional gateway.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger
	opts   Options

	metrics      *observability.Metrics
	jobStore     *jobs.Store
	jobManager   *jobs.Manager
	sweeper      *jobs.Sweeper
	sessionStore *session.Store
	llm          *agent.ProfilePool
	mux          *session.Multiplexer
	pruner       *session.Pruner

	gatewayServer *gateway.Server
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	stopped   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	d := &Daemon{
		config:  cfg,
		logger:  log,
		log:     log.Component("daemon"),
		opts:    opts,
		metrics: observability.NewMetrics(),
	}

	if cfg.Tracing.Enabled {
		traceOpts := tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}
		if cfg.Tracing.LogSpans {
			spanLog := log.Component("tracing")
			traceOpts.SpanLogger = &spanLog
		}
		if err := tracing.InitOpenTelemetry(traceOpts); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// OpenJobManager builds a job manager over the data directory without the
// rest of the runtime. CLI commands use it to inspect and cancel records.
func OpenJobManager(cfg *config.Config, log zerolog.Logger) (*jobs.Manager, error) {
	store, err := jobs.NewStore(filepath.Join(cfg.DataDir, "jobs"), log)
	if err != nil {
		return nil, err
	}
	return jobs.NewManager(jobs.Config{
		Store:          store,
		Connectors:     convertConnectors(cfg.Jobs.Connectors),
		DefaultTimeout: cfg.Jobs.DefaultTimeout(),
		PollInterval:   cfg.Jobs.PollInterval(),
		Logger:         log,
	})
}

func (d *Daemon) initializeCoreModules() error {
	base := d.logger.GetZerolog()
	var err error

	d.jobStore, err = jobs.NewStore(filepath.Join(d.config.DataDir, "jobs"), base)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	d.jobManager, err = jobs.NewManager(jobs.Config{
		Store:          d.jobStore,
		Connectors:     convertConnectors(d.config.Jobs.Connectors),
		DefaultTimeout: d.config.Jobs.DefaultTimeout(),
		PollInterval:   d.config.Jobs.PollInterval(),
		Metrics:        d.metrics,
		Logger:         base,
	})
	if err != nil {
		return fmt.Errorf("failed to create job manager: %w", err)
	}
	d.sweeper, err = jobs.NewSweeper(d.jobManager, d.config.Jobs.CleanupSchedule, d.config.Jobs.Retention(), base)
	if err != nil {
		return fmt.Errorf("failed to create job sweeper: %w", err)
	}

	d.llm, err = agent.NewProfilePool(agent.PoolConfig{
		Profiles: convertAuthProfiles(d.config.AI.Profiles),
		Creator:  d.opts.Creator,
		Metrics:  d.metrics,
		Logger:   base,
	})
	if err != nil {
		return fmt.Errorf("failed to create provider pool: %w", err)
	}

	d.sessionStore, err = session.NewStore(filepath.Join(d.config.DataDir, "sessions"), base)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	factory := agent.NewFactory(agent.FactoryConfig{
		Config: d.agentConfig(),
		LLM:    d.llm,
		Jobs:   d.jobManager,
		Policy: &agent.ToolPolicy{
			Allow: d.config.AI.Tools.Allow,
			Deny:  d.config.AI.Tools.Deny,
		},
		Logger: base,
	})

	d.mux = session.NewMultiplexer(session.Config{
		Store:          d.sessionStore,
		EngineFactory:  factory,
		BufferCapacity: d.config.Sessions.BufferCapacity,
		Jobs:           d.jobManager,
		QueueWarnAfter: d.config.Sessions.QueueWarnAfter(),
		Metrics:        d.metrics,
		Logger:         base,
	})
	d.pruner = session.NewPruner(d.sessionStore, d.config.Sessions.PruneAfter(), 0, base)

	return nil
}

func (d *Daemon) initializeServices() error {
	base := d.logger.GetZerolog()

	if d.opts.Gateway {
		srv, err := gateway.NewServer(gateway.Config{
			Host:              d.config.Gateway.Host,
			Port:              d.config.Gateway.Port,
			SharedSecret:      d.config.Gateway.SharedSecret,
			TickInterval:      d.config.Gateway.TickInterval(),
			RequestsPerMinute: d.config.Gateway.RequestsPerMinute,
			MaxConcurrent:     d.config.Gateway.MaxConcurrent,
			MaxClients:        d.config.Gateway.MaxClients,
			Sessions:          d.mux,
			Jobs:              d.jobManager,
			Metrics:           d.metrics,
			Logger:            base,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = srv
		d.mux.OnChunk(srv.PublishChunk)
		d.mux.OnError(srv.PublishError)
		d.jobManager.OnJobComplete(srv.PublishJob)
	}

	if d.opts.ConfigPath != "" {
		w, err := config.NewWatcher(config.NewLoader(d.opts.ConfigPath), 0, d.handleConfigReload, base)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		d.watcher = w
	}

	return nil
}

func (d *Daemon) agentConfig() agent.Config {
	cfg := agent.DefaultConfig()
	ai := d.config.AI
	if ai.Model != "" {
		cfg.Model = ai.Model
	}
	if ai.Temperature > 0 {
		cfg.Temperature = ai.Temperature
	}
	if ai.MaxTokens > 0 {
		cfg.MaxTokens = ai.MaxTokens
	}
	if ai.MaxToolRounds > 0 {
		cfg.MaxToolRounds = ai.MaxToolRounds
	}
	cfg.SystemPrompt = ai.SystemPrompt
	return cfg
}

// handleConfigReload applies the settings that can change without a
// restart. Everything else is logged and picked up on the next start.
func (d *Daemon) handleConfigReload(cfg *config.Config) {
	d.jobManager.SetConnectors(convertConnectors(cfg.Jobs.Connectors))
	d.log.Info().
		Int("connectors", len(cfg.Jobs.Connectors)).
		Msg("Configuration reloaded; job connectors updated")
}

func convertConnectors(in []config.ConnectorConfig) []jobs.Connector {
	out := make([]jobs.Connector, 0, len(in))
	for _, c := range in {
		out = append(out, jobs.Connector{
			Name:    c.Name,
			Command: append([]string(nil), c.Command...),
			Timeout: c.Timeout(),
		})
	}
	return out
}

func convertAuthProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	out := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Model:    p.Model,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return out
}

// Start recovers persisted state and starts background services
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.log)
	logger.Info().Msg("Starting Ranya runtime")

	if d.opts.PIDFile {
		if err := d.lifecycle.Start(); err != nil {
			return fmt.Errorf("failed to start lifecycle manager: %w", err)
		}
	}

	if _, err := d.jobManager.RecoverOrphans(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to recover orphaned jobs")
	}
	recovered, err := d.mux.RecoverSessions(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to recover sessions")
	}

	d.sweeper.Start()
	if err := d.pruner.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session pruner")
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
	}

	logger.Info().Int("recovered_sessions", recovered).Msg("Runtime started")
	return nil
}

// Stop closes every session, cancels running jobs and stops services. It is
// safe to call more than once.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running || d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.running = false
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping Ranya runtime")

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	d.mux.CloseAll(ctx)
	cancelled := d.jobManager.Shutdown(ctx)

	d.sweeper.Stop(ctx)
	if err := d.pruner.Stop(); err != nil {
		logger.Debug().Err(err).Msg("Session pruner was not running")
	}

	if d.opts.PIDFile {
		if err := d.lifecycle.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		}
	}

	d.shutdownTracing()

	logger.Info().Int("cancelled_jobs", cancelled).Msg("Runtime stopped")
	return nil
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.log.Info().Str("signal", sig.String()).Msg("Received signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status represents daemon status
type Status struct {
	Running     bool          `json:"running" yaml:"running"`
	Uptime      time.Duration `json:"uptime" yaml:"uptime"`
	StartTime   time.Time     `json:"start_time" yaml:"start_time"`
	Sessions    int           `json:"sessions" yaml:"sessions"`
	RunningJobs int           `json:"running_jobs" yaml:"running_jobs"`
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running, started := d.running, d.startTime
	d.mu.RUnlock()

	status := Status{
		Running:     running,
		Sessions:    len(d.mux.ListSessions()),
		RunningJobs: d.jobManager.RunningCount(),
	}
	if running {
		status.Uptime = time.Since(started)
		status.StartTime = started
	}
	return status
}

// Sessions returns the session multiplexer
func (d *Daemon) Sessions() *session.Multiplexer {
	return d.mux
}

// Jobs returns the background job manager
func (d *Daemon) Jobs() *jobs.Manager {
	return d.jobManager
}

// Metrics returns the metrics registry
func (d *Daemon) Metrics() *observability.Metrics {
	return d.metrics
}

// Gateway returns the gateway server, nil unless Options.Gateway was set
func (d *Daemon) Gateway() *gateway.Server {
	return d.gatewayServer
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
