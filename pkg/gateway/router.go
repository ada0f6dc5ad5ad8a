package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultIdempotencyTTL is how long a keyed response is replayed
const DefaultIdempotencyTTL = 5 * time.Minute

// RPCRouter maps method names to handlers. Requests carrying an
// idempotency key get the first response replayed until the key expires.
type RPCRouter struct {
	mu       sync.RWMutex
	methods  map[string]RequestHandler
	ttl      time.Duration
	replayed map[string]replayEntry
}

type replayEntry struct {
	response  RPCResponse
	expiresAt time.Time
}

// NewRPCRouter creates a router. Non-positive ttl uses DefaultIdempotencyTTL.
func NewRPCRouter(ttl time.Duration) *RPCRouter {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RPCRouter{
		methods:  make(map[string]RequestHandler),
		ttl:      ttl,
		replayed: make(map[string]replayEntry),
	}
}

// RegisterMethod binds name to handler, replacing any previous binding
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if name == "" {
		return errors.New("method name cannot be empty")
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

// UnregisterMethod removes name; unknown names are ignored
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

// HasMethod reports whether name is bound
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// Methods returns the bound method names in sorted order
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// ParseRequest decodes and validates a JSON-RPC 2.0 request
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	case req.JSONRPC == "":
		req.JSONRPC = "2.0"
	case req.JSONRPC != "2.0":
		return nil, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("Invalid request: unsupported jsonrpc version %q", req.JSONRPC)}
	}
	return &req, nil
}

// RouteRequest runs the handler bound to req.Method. Handlers may return an
// *RPCError to pick the error code; a panicking handler yields InternalError.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := replayKey(req.Method, req.IdempotencyKey)
	if key != "" {
		if cached, ok := r.replay(key); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	r.mu.RLock()
	handler, ok := r.methods[req.Method]
	r.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}

	result, err := invoke(ctx, handler, params)
	var resp *RPCResponse
	if err != nil {
		rpcErr := &RPCError{Code: InternalError, Message: err.Error()}
		errors.As(err, &rpcErr)
		resp = errorResponse(req.ID, rpcErr)
	} else {
		resp = &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
	}

	if key != "" {
		r.remember(key, *resp)
	}
	return resp
}

func invoke(ctx context.Context, handler RequestHandler, params map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("handler panic: %v", p)
		}
	}()
	return handler(ctx, params)
}

func errorResponse(id string, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: rpcErr}
}

func replayKey(method, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return method + ":" + idempotencyKey
}

func (r *RPCRouter) replay(key string) (RPCResponse, bool) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.replayed[key]
	if !ok {
		return RPCResponse{}, false
	}
	if now.After(entry.expiresAt) {
		delete(r.replayed, key)
		return RPCResponse{}, false
	}
	return cloneResponse(entry.response), true
}

func (r *RPCRouter) remember(key string, resp RPCResponse) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, entry := range r.replayed {
		if now.After(entry.expiresAt) {
			delete(r.replayed, k)
		}
	}
	r.replayed[key] = replayEntry{response: cloneResponse(resp), expiresAt: now.Add(r.ttl)}
}

func cloneResponse(src RPCResponse) RPCResponse {
	out := src
	if src.Error != nil {
		errCopy := *src.Error
		out.Error = &errCopy
	}
	return out
}
