package gateway

import "context"

type callerKey struct{}

const (
	transportWS   = "ws"
	transportHTTP = "http"
)

// caller identifies who issued an RPC. client is nil for HTTP requests.
type caller struct {
	client    *Client
	transport string
	remote    string
}

func (c caller) id() string {
	if c.client != nil {
		return c.client.ID
	}
	return c.remote
}

func withCaller(ctx context.Context, c caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) (caller, bool) {
	if ctx == nil {
		return caller{}, false
	}
	c, ok := ctx.Value(callerKey{}).(caller)
	return c, ok
}
