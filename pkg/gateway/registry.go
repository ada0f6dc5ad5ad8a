package gateway

import (
	"errors"
	"sync"
	"time"
)

// DefaultMaxClients caps concurrent WebSocket connections
const DefaultMaxClients = 64

// ErrTooManyClients is returned by Add when the registry is full
var ErrTooManyClients = errors.New("too many clients")

// ClientRegistry tracks connected clients up to a fixed capacity
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	max     int
}

// NewClientRegistry creates a registry holding at most max clients.
// Non-positive max uses DefaultMaxClients.
func NewClientRegistry(max int) *ClientRegistry {
	if max <= 0 {
		max = DefaultMaxClients
	}
	return &ClientRegistry{
		clients: make(map[string]*Client),
		max:     max,
	}
}

// Add registers client, refusing it when the registry is full
func (r *ClientRegistry) Add(client *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[client.ID]; !exists && len(r.clients) >= r.max {
		return ErrTooManyClients
	}
	r.clients[client.ID] = client
	return nil
}

// Remove forgets a client; unknown ids are ignored
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

// Get looks a client up by id
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	return client, ok
}

// All returns a snapshot of every client
func (r *ClientRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Recipients returns authenticated clients that follow sessionID.
// An empty sessionID reaches every authenticated client.
func (r *ClientRegistry) Recipients(sessionID string) []*Client {
	all := r.All()
	out := all[:0]
	for _, client := range all {
		if client.IsAuthenticated() && client.follows(sessionID) {
			out = append(out, client)
		}
	}
	return out
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot describes every connected client
func (r *ClientRegistry) Snapshot() []ClientInfo {
	now := time.Now()
	all := r.All()
	infos := make([]ClientInfo, 0, len(all))
	for _, client := range all {
		infos = append(infos, client.info(now))
	}
	return infos
}
