package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext adds tracing context from ctx to a zerolog logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.TurnID != "" {
		logger = logger.With().Str("turn_id", tc.TurnID).Logger()
	}
	if tc.SessionID != "" {
		logger = logger.With().Str("session_id", tc.SessionID).Logger()
	}
	if tc.JobID != "" {
		logger = logger.With().Str("job_id", tc.JobID).Logger()
	}

	return logger
}

// Detach returns a background context carrying ctx's tracing values but
// none of its cancellation. Work that outlives a request (background jobs,
// queued turns) starts from it.
func Detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return NewContext(context.Background(), FromContext(ctx))
}

// MergeContext copies tracing information missing from target out of source
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.TurnID != "" && GetTurnID(target) == "" {
		target = WithTurnID(target, tc.TurnID)
	}
	if tc.SessionID != "" && GetSessionID(target) == "" {
		target = WithSessionID(target, tc.SessionID)
	}
	if tc.JobID != "" && GetJobID(target) == "" {
		target = WithJobID(target, tc.JobID)
	}

	return target
}
