package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string         `json:"id"`
	Method         string         `json:"method"`
	Params         map[string]any `json:"params,omitempty"`
	JSONRPC        string         `json:"jsonrpc"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	JSONRPC string    `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage represents a server-initiated event
type EventMessage struct {
	Type      string `json:"type,omitempty"`
	Event     string `json:"event"`
	Seq       int64  `json:"seq,omitempty"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
	Subscriptions []string  `json:"subscriptions,omitempty"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RequestHandler handles one RPC method
type RequestHandler func(ctx context.Context, params map[string]any) (any, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	NotFound               = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
)

// Client represents a connected WebSocket client. A websocket connection
// supports one concurrent writer, so all writes go through writeMu.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *ClientRateLimiter

	writeMu sync.Mutex

	mu              sync.Mutex
	authenticated   bool
	challenge       string
	challengeIssued time.Time
	authAttempts    int
	lastActivity    time.Time
	state           ClientState
	// subscriptions limits session-scoped events; empty means all sessions
	subscriptions map[string]struct{}
}

// IsAuthenticated reports whether the client passed authentication
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) markAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.state = StateAuthenticated
	c.authAttempts = 0
	c.challenge = ""
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

func (c *Client) info(now time.Time) ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:            c.ID,
		Authenticated: c.authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
		IPAddress:     c.IPAddress,
		Idle:          now.Sub(c.lastActivity) > 5*time.Minute,
		Subscriptions: c.subscriptionsLocked(),
	}
}

// Subscribe restricts session events to the given session ids
func (c *Client) Subscribe(sessionIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions == nil {
		c.subscriptions = make(map[string]struct{})
	}
	for _, id := range sessionIDs {
		if id != "" {
			c.subscriptions[id] = struct{}{}
		}
	}
}

// Unsubscribe drops session ids. With none given it clears every
// subscription so the client follows all sessions again.
func (c *Client) Unsubscribe(sessionIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(sessionIDs) == 0 {
		c.subscriptions = nil
		return
	}
	for _, id := range sessionIDs {
		delete(c.subscriptions, id)
	}
}

// Subscriptions returns the followed session ids, sorted
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionsLocked()
}

func (c *Client) subscriptionsLocked() []string {
	if len(c.subscriptions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) follows(sessionID string) bool {
	if sessionID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	_, ok := c.subscriptions[sessionID]
	return ok
}

// WriteJSON sends v as one text frame
func (c *Client) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

// WriteMessage sends a raw frame
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.Conn.WriteMessage(messageType, data)
}
