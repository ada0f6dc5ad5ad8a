package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/engine"
	"github.com/harun/ranya-runtime/pkg/jobs"
	"github.com/harun/ranya-runtime/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// SessionService is the multiplexer surface exposed over RPC
type SessionService interface {
	CreateSession(ctx context.Context, opts session.CreateOptions) (session.Session, error)
	SwitchSession(ctx context.Context, id string) error
	CloseSession(ctx context.Context, id string) error
	ListSessions() []session.Session
	Active() (session.Session, bool)
	Send(ctx context.Context, id, message string) error
	InterruptSession(id string) error
	Transcript(id string) ([]engine.Message, error)
	SetLabel(id, label string) error
	TokenUsage(id string) (engine.TokenUsage, error)
}

// JobService is the job manager surface exposed over RPC
type JobService interface {
	StartJob(ctx context.Context, req jobs.StartRequest) (*jobs.Job, error)
	GetJobResult(ctx context.Context, id string, wait time.Duration) (*jobs.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	ListJobs(sessionID string) ([]*jobs.Job, error)
}

// Server exposes sessions and jobs over WebSocket and HTTP JSON-RPC
type Server struct {
	host           string
	port           int
	tickInterval   time.Duration
	requestsPerMin int
	maxConcurrent  int
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	router         *RPCRouter
	authHandler    *AuthHandler
	broadcaster    *EventBroadcaster
	sessions       SessionService
	jobs           JobService
	metrics        *observability.Metrics
	logger         zerolog.Logger

	baseCtx        context.Context
	cancelBase     context.CancelFunc
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	tickWG         sync.WaitGroup
}

// Config holds server configuration. Port 0 picks a free port (see Addr).
// MaxClients caps WebSocket connections; 0 uses DefaultMaxClients.
type Config struct {
	Host              string
	Port              int
	SharedSecret      string
	TickInterval      time.Duration
	RequestsPerMinute int
	MaxConcurrent     int
	MaxClients        int
	Sessions          SessionService
	Jobs              JobService
	Metrics           *observability.Metrics
	Logger            zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job service is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry(cfg.MaxClients)
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		host:           cfg.Host,
		port:           cfg.Port,
		tickInterval:   cfg.TickInterval,
		requestsPerMin: cfg.RequestsPerMinute,
		maxConcurrent:  cfg.MaxConcurrent,
		clients:        clients,
		router:         NewRPCRouter(0),
		authHandler:    NewAuthHandler(cfg.SharedSecret),
		broadcaster:    NewEventBroadcaster(clients, cfg.Metrics, logger),
		sessions:       cfg.Sessions,
		jobs:           cfg.Jobs,
		metrics:        cfg.Metrics,
		logger:         logger,
		baseCtx:        baseCtx,
		cancelBase:     cancel,
		upgrader: websocket.Upgrader{
			// Connections are gated by the shared secret, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP handler serving all gateway routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	s.broadcaster.Broadcast("server.shutdown", map[string]any{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.cancelBase()
	s.tickWG.Wait()

	for _, client := range s.clients.All() {
		_ = client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) startTickEmitter() {
	s.tickWG.Add(1)
	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.baseCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]any{
					"status":  "alive",
					"clients": s.clients.Count(),
				})
			}
		}
	}()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket upgrades a connection. A valid secret header authenticates
// immediately; otherwise the client must answer an HMAC challenge.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	preAuthed := s.authHandler.VerifySecret(r.Header.Get(SecretHeader))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.requestsPerMin, s.maxConcurrent),
		lastActivity: now,
		state:        StateConnecting,
	}
	if err := s.clients.Add(client); err != nil {
		s.logger.Warn().Str("ip", r.RemoteAddr).Int("clients", s.clients.Count()).Msg("Rejecting client, registry full")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	s.metrics.SetGatewayClients(s.clients.Count())

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Bool("header_auth", preAuthed).
		Msg("Client connected")

	if preAuthed {
		client.markAuthenticated()
		err = client.WriteJSON(AuthResult{Event: "auth.success", Success: true})
	} else {
		err = s.sendAuthChallenge(client)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to start authentication")
		_ = conn.Close()
		s.clients.Remove(clientID)
		s.metrics.SetGatewayClients(s.clients.Count())
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.IssueChallenge(client)
	if err != nil {
		return err
	}
	return client.WriteJSON(challenge)
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.metrics.SetGatewayClients(s.clients.Count())
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		client.touch()
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.IsAuthenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	if rpcErr := client.RateLimiter.Acquire(); rpcErr != nil {
		s.metrics.RecordRPC(req.Method, strconv.Itoa(rpcErr.Code))
		s.sendError(client, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	s.inFlightReqs.Add(1)

	go func() {
		defer client.RateLimiter.Release()
		defer s.inFlightReqs.Done()

		ctx := tracing.WithTraceID(s.baseCtx, tracing.NewTraceID())
		ctx = withCaller(ctx, caller{client: client, transport: transportWS, remote: client.IPAddress})

		response := s.route(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// handleRPC handles single-shot HTTP JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		rpcErr := &RPCError{Code: ParseError, Message: err.Error()}
		errors.As(err, &rpcErr)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	ctx = withCaller(ctx, caller{transport: transportHTTP, remote: r.RemoteAddr})
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	s.inFlightReqs.Add(1)
	resp := s.route(ctx, req)
	s.inFlightReqs.Done()

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// route dispatches req and records its outcome
func (s *Server) route(ctx context.Context, req *RPCRequest) *RPCResponse {
	resp := s.router.RouteRequest(ctx, req)
	outcome := "ok"
	if resp.Error != nil {
		outcome = strconv.Itoa(resp.Error.Code)
	}
	s.metrics.RecordRPC(req.Method, outcome)
	return resp
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if result.Success {
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return
	}

	s.logger.Warn().
		Str("clientId", client.ID).
		Str("reason", result.Message).
		Msg("Authentication failed")

	client.mu.Lock()
	attempts := client.authAttempts
	client.mu.Unlock()
	if attempts >= maxAuthAttempts {
		_ = client.Conn.Close()
	}
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// PublishChunk forwards a live session event to clients
func (s *Server) PublishChunk(ev engine.StreamEvent) {
	s.broadcaster.Publish(EventMessage{
		Event:     "session.chunk",
		SessionID: ev.SessionID,
		Data:      ev,
	})
}

// PublishError forwards a session turn failure to clients
func (s *Server) PublishError(serr session.SessionError) {
	s.broadcaster.Publish(EventMessage{
		Event:     "session.error",
		SessionID: serr.SessionID,
		Data:      map[string]any{"error": serr.Error()},
	})
}

// PublishJob forwards a job completion to clients
func (s *Server) PublishJob(summary jobs.Summary) {
	s.broadcaster.Publish(EventMessage{
		Event:     "job.complete",
		SessionID: summary.SessionID,
		Data:      summary,
	})
}

// Broadcast sends event to all authenticated clients and returns the
// number of deliveries
func (s *Server) Broadcast(event string, data any) int {
	return s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Clients describes every connected client
func (s *Server) Clients() []ClientInfo {
	return s.clients.Snapshot()
}
