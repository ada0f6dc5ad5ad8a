package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace")
	ctx = WithTurnID(ctx, "turn")
	ctx = WithSessionID(ctx, "session")
	ctx = WithJobID(ctx, "job")

	tc := FromContext(ctx)
	assert.Equal(t, "trace", tc.TraceID)
	assert.Equal(t, "turn", tc.TurnID)
	assert.Equal(t, "session", tc.SessionID)
	assert.Equal(t, "job", tc.JobID)
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetSessionID(ctx))
	assert.Empty(t, GetJobID(ctx))
	assert.Empty(t, GetTurnID(nil))
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithSessionID(context.Background(), "s1"))
	detached := Detach(parent)
	cancel()

	require.Error(t, parent.Err())
	assert.NoError(t, detached.Err())
	assert.Equal(t, "s1", GetSessionID(detached))
}

func TestMergeContext(t *testing.T) {
	source := WithJobID(WithSessionID(context.Background(), "from-source"), "job-1")
	target := WithSessionID(context.Background(), "kept")

	merged := MergeContext(target, source)
	assert.Equal(t, "kept", GetSessionID(merged))
	assert.Equal(t, "job-1", GetJobID(merged))
}

func TestRecordError(t *testing.T) {
	_, span := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "op")
	assert.NotPanics(t, func() {
		RecordError(span, nil)
		RecordError(span, errors.New("boom"))
	})
}
