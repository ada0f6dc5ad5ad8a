package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, params map[string]any) (any, error) {
	return map[string]any{"echo": params["input"]}, nil
}

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter(0)

	require.NoError(t, router.RegisterMethod("session.list", echoHandler))
	assert.True(t, router.HasMethod("session.list"))

	assert.Error(t, router.RegisterMethod("", echoHandler))
	assert.Error(t, router.RegisterMethod("session.close", nil))
	assert.False(t, router.HasMethod("session.close"))

	router.UnregisterMethod("session.list")
	router.UnregisterMethod("never.registered")
	assert.False(t, router.HasMethod("session.list"))
}

func TestRPCRouter_MethodsSorted(t *testing.T) {
	router := NewRPCRouter(0)
	assert.Empty(t, router.Methods())

	for _, name := range []string{"jobs.start", "session.create", "events.subscribe"} {
		require.NoError(t, router.RegisterMethod(name, echoHandler))
	}
	assert.Equal(t, []string{"events.subscribe", "jobs.start", "session.create"}, router.Methods())
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter(0)

	tests := []struct {
		name     string
		data     string
		wantCode int
		wantMsg  string
	}{
		{name: "malformed", data: `{invalid`, wantCode: ParseError},
		{name: "missing id", data: `{"method":"jobs.list"}`, wantCode: InvalidRequest, wantMsg: "missing id"},
		{name: "missing method", data: `{"id":"1"}`, wantCode: InvalidRequest, wantMsg: "missing method"},
		{name: "wrong version", data: `{"id":"1","method":"jobs.list","jsonrpc":"1.0"}`, wantCode: InvalidRequest, wantMsg: "jsonrpc version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			var rpcErr *RPCError
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, tt.wantCode, rpcErr.Code)
			if tt.wantMsg != "" {
				assert.Contains(t, rpcErr.Message, tt.wantMsg)
			}
		})
	}

	t.Run("valid request defaults version", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"jobs.get","params":{"job_id":"j1"}}`))
		require.NoError(t, err)
		assert.Equal(t, "jobs.get", req.Method)
		assert.Equal(t, "j1", req.Params["job_id"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter(0)
	require.NoError(t, router.RegisterMethod("test.echo", echoHandler))
	require.NoError(t, router.RegisterMethod("test.fail", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("handler error")
	}))
	require.NoError(t, router.RegisterMethod("test.missing", func(context.Context, map[string]any) (any, error) {
		return nil, &RPCError{Code: NotFound, Message: "gone"}
	}))
	require.NoError(t, router.RegisterMethod("test.panic", func(context.Context, map[string]any) (any, error) {
		panic("boom")
	}))

	t.Run("routes to handler", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{
			ID:     "req-7",
			Method: "test.echo",
			Params: map[string]any{"input": "hello"},
		})
		require.Nil(t, resp.Error)
		assert.Equal(t, "req-7", resp.ID)
		assert.Equal(t, "hello", resp.Result.(map[string]any)["echo"])
	})

	t.Run("nil params are allowed", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.echo"})
		assert.Nil(t, resp.Error)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("plain error is internal", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.fail"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("typed error keeps code", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, NotFound, resp.Error.Code)
		assert.Equal(t, "gone", resp.Error.Message)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.panic"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "boom")
	})

	t.Run("nil request", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_IdempotencyReplay(t *testing.T) {
	router := NewRPCRouter(0)
	calls := 0
	require.NoError(t, router.RegisterMethod("jobs.start", func(context.Context, map[string]any) (any, error) {
		calls++
		return calls, nil
	}))

	first := router.RouteRequest(context.Background(), &RPCRequest{ID: "a", Method: "jobs.start", IdempotencyKey: "k"})
	second := router.RouteRequest(context.Background(), &RPCRequest{ID: "b", Method: "jobs.start", IdempotencyKey: "k"})
	other := router.RouteRequest(context.Background(), &RPCRequest{ID: "c", Method: "jobs.start", IdempotencyKey: "k2"})

	assert.Equal(t, 1, first.Result)
	assert.Equal(t, 1, second.Result)
	assert.Equal(t, "b", second.ID)
	assert.Equal(t, 2, other.Result)
	assert.Equal(t, 2, calls)
}

func TestRPCRouter_IdempotencyExpires(t *testing.T) {
	router := NewRPCRouter(10 * time.Millisecond)
	calls := 0
	require.NoError(t, router.RegisterMethod("jobs.start", func(context.Context, map[string]any) (any, error) {
		calls++
		return calls, nil
	}))

	router.RouteRequest(context.Background(), &RPCRequest{ID: "a", Method: "jobs.start", IdempotencyKey: "k"})
	time.Sleep(30 * time.Millisecond)
	resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "b", Method: "jobs.start", IdempotencyKey: "k"})

	assert.Equal(t, 2, resp.Result)
	assert.Equal(t, 2, calls)
}
