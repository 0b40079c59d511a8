package gateway

import (
	"slices"
	"sync"
	"time"
)

// ClientRegistry tracks live WebSocket connections by client id. Replies
// for a task are routed to the client id recorded in the task metadata.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()
}

// Remove drops the client only if the registered connection is the same
// one, so a reconnect under the same id is not evicted by the old reader.
func (r *ClientRegistry) Remove(client *Client) {
	r.mu.Lock()
	if current, ok := r.clients[client.ID]; ok && current == client {
		delete(r.clients, client.ID)
	}
	r.mu.Unlock()
}

func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	return client, ok
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot copies the current connections. With authenticatedOnly set,
// clients still in the auth handshake are skipped.
func (r *ClientRegistry) Snapshot(authenticatedOnly bool) []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()

	if authenticatedOnly {
		out = slices.DeleteFunc(out, func(c *Client) bool { return !c.Authenticated() })
	}
	return out
}

// Infos describes every connection, oldest first.
func (r *ClientRegistry) Infos() []ClientInfo {
	now := time.Now()
	clients := r.Snapshot(false)
	infos := make([]ClientInfo, len(clients))
	for i, c := range clients {
		infos[i] = c.info(now)
	}
	slices.SortFunc(infos, func(a, b ClientInfo) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return infos
}
