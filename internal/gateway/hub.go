package gateway

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/pkg/models"
)

const sendQueueSize = 256

// Hub is the registry of authenticated websocket clients, keyed by user.
// It is the delivery side of the lobby and match layers: lobby updates
// fan out to everyone, match frames go point to point.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[uuid.UUID]*client)}
}

// register installs a client and returns the previous connection for the
// same user, if any. The caller closes the old one; the session token has
// already rotated so it cannot re-authenticate.
func (h *Hub) register(c *client) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.clients[c.userID]
	h.clients[c.userID] = c
	return old
}

// unregister drops a client only if it is still the user's current one.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == c {
		delete(h.clients, c.userID)
	}
}

// SendToUser queues a frame for one user. Frames to absent users drop
// silently; the reconnect state resynchronizes them.
func (h *Hub) SendToUser(userID uuid.UUID, frame []byte) {
	if frame == nil {
		return
	}
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c != nil {
		c.send(frame)
	}
}

// NotifyUser is SendToUser under the lobby layer's interface name.
func (h *Hub) NotifyUser(userID uuid.UUID, frame []byte) { h.SendToUser(userID, frame) }

// IsConnected reports whether the user has a live connection.
func (h *Hub) IsConnected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// BroadcastLobby pushes a LOBBY_UPDATE to every connected client. Lobby
// occupancy is public state.
func (h *Hub) BroadcastLobby(lb *models.Lobby, playerCount int) {
	summary := protocol.LobbySummary{
		ID:             lb.ID,
		Status:         string(lb.Status),
		DepositAddress: lb.DepositAddress,
		PlayerCount:    playerCount,
	}
	if lb.TimeoutAt != nil {
		summary.TimeoutAt = lb.TimeoutAt.Unix()
	}
	frame := protocol.Marshal(protocol.TypeLobbyUpdate, map[string]any{"lobby": summary})
	h.broadcastAll(frame)
}

func (h *Hub) broadcastAll(frame []byte) {
	if frame == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.send(frame)
	}
}

// Count reports connected clients for /api/health.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every connection with the given close code. Used for
// the admin reset (4000) and graceful shutdown (1001).
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[uuid.UUID]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeWith(code, reason)
	}
	if len(clients) > 0 {
		log.Printf("[Gateway] closed %d connections (code %d)", len(clients), code)
	}
}
