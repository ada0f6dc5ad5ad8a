package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/jobs"
	"github.com/harun/ranya-runtime/pkg/session"
	"github.com/rs/zerolog"
)

// maxResultWait caps how long jobs.get may block
const maxResultWait = 5 * time.Minute

func (s *Server) registerBuiltinMethods() {
	methods := map[string]RequestHandler{
		"session.create":     s.handleSessionCreate,
		"session.switch":     s.handleSessionSwitch,
		"session.close":      s.handleSessionClose,
		"session.list":       s.handleSessionList,
		"session.send":       s.handleSessionSend,
		"session.interrupt":  s.handleSessionInterrupt,
		"session.transcript": s.handleSessionTranscript,
		"session.label":      s.handleSessionLabel,
		"session.usage":      s.handleSessionUsage,
		"jobs.start":         s.handleJobsStart,
		"jobs.list":          s.handleJobsList,
		"jobs.get":           s.handleJobsGet,
		"jobs.cancel":        s.handleJobsCancel,
		"gateway.clients":    s.handleGatewayClients,
		"events.subscribe":   s.handleEventsSubscribe,
		"events.unsubscribe": s.handleEventsUnsubscribe,
		"rpc.methods":        s.handleRPCMethods,
	}
	for name, handler := range methods {
		_ = s.router.RegisterMethod(name, handler)
	}
}

func (s *Server) handleSessionCreate(ctx context.Context, params map[string]any) (any, error) {
	cwd, _ := params["cwd"].(string)
	label, _ := params["label"].(string)
	assistant, _ := params["assistant_id"].(string)

	sess, err := s.sessions.CreateSession(ctx, session.CreateOptions{
		CWD:         cwd,
		Label:       label,
		AssistantID: assistant,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	s.logFor(ctx).Info().Str("session_id", sess.ID).Msg("Session created over gateway")
	return sess, nil
}

func (s *Server) handleSessionSwitch(ctx context.Context, params map[string]any) (any, error) {
	id, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SwitchSession(ctx, id); err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"session_id": id, "active": true}, nil
}

func (s *Server) handleSessionClose(ctx context.Context, params map[string]any) (any, error) {
	id, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	if err := s.sessions.CloseSession(ctx, id); err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"session_id": id, "closed": true}, nil
}

func (s *Server) handleSessionList(_ context.Context, _ map[string]any) (any, error) {
	sessions := s.sessions.ListSessions()
	result := map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	}
	if active, ok := s.sessions.Active(); ok {
		result["active"] = active.ID
	}
	return result, nil
}

func (s *Server) handleSessionSend(ctx context.Context, params map[string]any) (any, error) {
	id, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	message, err := requireString(params, "message")
	if err != nil {
		return nil, err
	}
	// The turn outlives this request; its output streams as session.chunk events.
	if err := s.sessions.Send(tracing.Detach(ctx), id, message); err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"session_id": id, "queued": true}, nil
}

func (s *Server) handleSessionInterrupt(_ context.Context, params map[string]any) (any, error) {
	id, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	if err := s.sessions.InterruptSession(id); err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"session_id": id, "interrupted": true}, nil
}

func (s *Server) handleSessionTranscript(_ context.Context, params map[string]any) (any, error) {
	id, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	messages, err := s.sessions.Transcript(id)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"session_id": id, "messages": messages}, nil
}

func (s *Server) handleSessionLabel(_ context.Context, params map[string]any) (any, error) {
	id, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	label, _ := params["label"].(string)
	if err := s.sessions.SetLabel(id, label); err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"session_id": id, "label": label}, nil
}

func (s *Server) handleSessionUsage(_ context.Context, params map[string]any) (any, error) {
	id, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	usage, err := s.sessions.TokenUsage(id)
	if err != nil {
		return nil, rpcError(err)
	}
	return usage, nil
}

func (s *Server) handleJobsStart(ctx context.Context, params map[string]any) (any, error) {
	command, err := requireString(params, "command")
	if err != nil {
		return nil, err
	}
	req := jobs.StartRequest{Command: command}
	req.SessionID, _ = params["session_id"].(string)
	req.Connector, _ = params["connector"].(string)
	req.Dir, _ = params["cwd"].(string)
	if input, ok := params["input"].(map[string]any); ok {
		req.Input = input
	}
	if secs, ok := params["timeout_seconds"].(float64); ok && secs > 0 {
		req.Timeout = time.Duration(secs * float64(time.Second))
	}

	job, err := s.jobs.StartJob(tracing.Detach(ctx), req)
	if err != nil {
		return nil, rpcError(err)
	}
	return job, nil
}

func (s *Server) handleJobsList(_ context.Context, params map[string]any) (any, error) {
	sessionID, _ := params["session_id"].(string)
	list, err := s.jobs.ListJobs(sessionID)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"jobs": list, "count": len(list)}, nil
}

func (s *Server) handleJobsGet(ctx context.Context, params map[string]any) (any, error) {
	id, err := requireString(params, "job_id")
	if err != nil {
		return nil, err
	}
	var wait time.Duration
	if secs, ok := params["wait_seconds"].(float64); ok && secs > 0 {
		wait = min(time.Duration(secs*float64(time.Second)), maxResultWait)
	}
	job, err := s.jobs.GetJobResult(ctx, id, wait)
	if err != nil {
		return nil, rpcError(err)
	}
	return job, nil
}

func (s *Server) handleJobsCancel(ctx context.Context, params map[string]any) (any, error) {
	id, err := requireString(params, "job_id")
	if err != nil {
		return nil, err
	}
	cancelled, err := s.jobs.CancelJob(ctx, id)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"job_id": id, "cancelled": cancelled}, nil
}

func (s *Server) handleGatewayClients(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{"clients": s.clients.Snapshot()}, nil
}

func (s *Server) handleRPCMethods(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{"methods": s.router.Methods()}, nil
}

// handleEventsSubscribe narrows session-scoped events to the given sessions.
// A client with no subscriptions receives events for every session.
func (s *Server) handleEventsSubscribe(ctx context.Context, params map[string]any) (any, error) {
	client, err := wsClient(ctx)
	if err != nil {
		return nil, err
	}
	ids := sessionIDs(params)
	if len(ids) == 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "missing required parameter: session_ids"}
	}
	client.Subscribe(ids...)
	s.logFor(ctx).Debug().Strs("session_ids", ids).Msg("Client subscribed")
	return map[string]any{"subscriptions": client.Subscriptions()}, nil
}

// handleEventsUnsubscribe drops the given sessions, or all of them when none
// are named
func (s *Server) handleEventsUnsubscribe(ctx context.Context, params map[string]any) (any, error) {
	client, err := wsClient(ctx)
	if err != nil {
		return nil, err
	}
	client.Unsubscribe(sessionIDs(params)...)
	return map[string]any{"subscriptions": client.Subscriptions()}, nil
}

func wsClient(ctx context.Context) (*Client, error) {
	c, ok := callerFrom(ctx)
	if !ok || c.client == nil {
		return nil, &RPCError{Code: InvalidParams, Message: "subscriptions require a WebSocket connection"}
	}
	return c.client, nil
}

func sessionIDs(params map[string]any) []string {
	var ids []string
	if raw, ok := params["session_ids"].([]any); ok {
		for _, v := range raw {
			if id, ok := v.(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
	}
	if id, ok := params["session_id"].(string); ok && id != "" {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) logFor(ctx context.Context) *zerolog.Logger {
	lc := tracing.LoggerFromContext(ctx, s.logger).With()
	if c, ok := callerFrom(ctx); ok {
		lc = lc.Str("client_id", c.id()).Str("transport", c.transport)
	}
	logger := lc.Logger()
	return &logger
}

func requireString(params map[string]any, key string) (string, error) {
	value, _ := params[key].(string)
	if value == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("missing required parameter: %s", key)}
	}
	return value, nil
}

// rpcError maps domain errors onto RPC error codes
func rpcError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, jobs.ErrJobNotFound):
		return &RPCError{Code: NotFound, Message: err.Error()}
	case errors.Is(err, jobs.ErrConnectorNotFound), errors.Is(err, jobs.ErrEmptyCommand):
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	default:
		return err
	}
}
