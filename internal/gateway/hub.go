// Package gateway is the client-facing websocket layer: it accepts
// long-lived connections, routes inbound commands to the orchestrator and
// fans server events out per-session or globally.
package gateway

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// Hub tracks all connections and their session attachments. It implements
// the orchestrator's event sink: session-scoped events go to attached
// connections, global events to everyone. Emission snapshots the target
// set so broadcast tolerates concurrent register/unregister.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	watchers map[string]map[*Client]bool

	logger *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:  make(map[*Client]bool),
		watchers: make(map[string]map[*Client]bool),
		logger:   log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Register adds a connection.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("client registered", zap.String("client_id", client.id))
}

// Unregister removes a connection and all its attachments.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		for sessionID := range client.attachments {
			if watchers, ok := h.watchers[sessionID]; ok {
				delete(watchers, client)
				if len(watchers) == 0 {
					delete(h.watchers, sessionID)
				}
			}
		}
	}
	h.mu.Unlock()

	client.shutdown()
	h.logger.Debug("client unregistered", zap.String("client_id", client.id))
}

// Attach enrols a connection for a session's event fan-out.
func (h *Hub) Attach(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.watchers[sessionID]; !ok {
		h.watchers[sessionID] = make(map[*Client]bool)
	}
	h.watchers[sessionID][client] = true
	client.attachments[sessionID] = true

	h.logger.Debug("client attached",
		zap.String("client_id", client.id),
		zap.String("session_id", sessionID))
}

// DetachSession drops all attachments of a deleted session.
func (h *Hub) DetachSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.watchers[sessionID] {
		delete(client.attachments, sessionID)
	}
	delete(h.watchers, sessionID)
}

// EmitSession delivers an event to every connection attached to the
// session, in emission order per connection.
func (h *Hub) EmitSession(sessionID string, event any) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.watchers[sessionID]))
	for client := range h.watchers[sessionID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.Enqueue(event)
	}
}

// EmitGlobal broadcasts an event to every connection.
func (h *Hub) EmitGlobal(event any) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.Enqueue(event)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts every connection down.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.watchers = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.shutdown()
	}
}
