package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
)

// Hub maintains the live sockets of this node and the chat rooms they joined.
// It delivers server events locally and implements services.Fanout.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	rooms    map[int64]map[string]*Client
	joined   map[string]map[int64]struct{}
	presence *presence.Registry
}

// NewHub creates an empty hub backed by the given presence registry.
func NewHub(registry *presence.Registry) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		rooms:    make(map[int64]map[string]*Client),
		joined:   make(map[string]map[int64]struct{}),
		presence: registry,
	}
}

// Register adds a connected client and marks its user present.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.Info.ConnID] = c
	h.mu.Unlock()
	h.presence.Register(c.Info.UserID, c.Info.ConnID)
}

// Unregister removes the client from every room and from presence.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	id := c.Info.ConnID
	for chatID := range h.joined[id] {
		h.leaveLocked(chatID, id)
	}
	delete(h.joined, id)
	delete(h.clients, id)
	h.mu.Unlock()
	h.presence.Unregister(id)
}

// Join subscribes the client to room events of chatID.
func (h *Hub) Join(chatID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := c.Info.ConnID
	if _, ok := h.clients[id]; !ok {
		return
	}
	if _, ok := h.rooms[chatID]; !ok {
		h.rooms[chatID] = make(map[string]*Client)
	}
	h.rooms[chatID][id] = c
	if _, ok := h.joined[id]; !ok {
		h.joined[id] = make(map[int64]struct{})
	}
	h.joined[id][chatID] = struct{}{}
}

// Leave unsubscribes the client from chatID.
func (h *Hub) Leave(chatID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(chatID, c.Info.ConnID)
	if rooms, ok := h.joined[c.Info.ConnID]; ok {
		delete(rooms, chatID)
	}
}

func (h *Hub) leaveLocked(chatID int64, connID string) {
	if conns, ok := h.rooms[chatID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

// Touch refreshes the liveness of connID.
func (h *Hub) Touch(connID string) {
	h.presence.Touch(connID)
}

// CloseConn closes the socket with the given id if it lives on this node.
func (h *Hub) CloseConn(connID, reason string) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		// stale presence entry without a socket
		h.presence.Unregister(connID)
		return false
	}
	c.Close(reason)
	return true
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PushToUsers delivers payload to every live connection of the given users.
func (h *Hub) PushToUsers(_ context.Context, userIDs []int64, event string, payload []byte) {
	var targets []*Client
	h.mu.RLock()
	for _, userID := range userIDs {
		for _, connID := range h.presence.ConnectionsFor(userID) {
			if c, ok := h.clients[connID]; ok {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()
	deliver(targets, event, payload)
}

// PushToRoom delivers payload to connections joined to chatID whose user is
// one of recipients.
func (h *Hub) PushToRoom(_ context.Context, chatID int64, recipients []int64, event string, payload []byte) {
	allowed := make(map[int64]struct{}, len(recipients))
	for _, id := range recipients {
		allowed[id] = struct{}{}
	}
	var targets []*Client
	h.mu.RLock()
	for _, c := range h.rooms[chatID] {
		if _, ok := allowed[c.Info.UserID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	deliver(targets, event, payload)
}

func deliver(targets []*Client, event string, payload []byte) {
	for _, c := range targets {
		ok := c.Send(payload)
		observability.IncFanoutPush(event, ok)
		if !ok {
			logger.Debug("push dropped", zap.String("event", event), zap.String("conn_id", c.Info.ConnID), zap.Int64("user_id", c.Info.UserID))
		}
	}
}
