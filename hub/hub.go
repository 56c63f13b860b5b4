package hub

import (
	"log/slog"
	"sync"

	"go.uber.org/atomic"

	"github.com/NeonX18/whiteboard-app-backend/domain"
)

type room struct {
	clients map[string]domain.Connection
	mu      sync.RWMutex
}

// Hub keeps room-scoped multicast groups. A connection is a member of at most
// one group at a time.
type Hub struct {
	rooms   map[string]*room
	members map[string]string
	mu      sync.RWMutex

	dropped atomic.Int64
}

func New() *Hub {
	return &Hub{
		rooms:   make(map[string]*room),
		members: make(map[string]string),
	}
}

func (h *Hub) Join(roomID string, conn domain.Connection) {
	h.mu.Lock()
	if prev, ok := h.members[conn.ID()]; ok && prev != roomID {
		h.removeLocked(prev, conn.ID())
	}
	r, exists := h.rooms[roomID]
	if !exists {
		r = &room{clients: make(map[string]domain.Connection)}
		h.rooms[roomID] = r
	}
	h.members[conn.ID()] = roomID

	// The group must gain the member before h.mu is released, or a concurrent
	// Leave can reap it while it still looks empty.
	r.mu.Lock()
	r.clients[conn.ID()] = conn
	count := len(r.clients)
	r.mu.Unlock()
	h.mu.Unlock()

	slog.Debug("connection joined group", "room", roomID, "clientId", conn.ID(), "clients", count)
}

func (h *Hub) Leave(conn domain.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	roomID, ok := h.members[conn.ID()]
	if !ok {
		return
	}
	h.removeLocked(roomID, conn.ID())
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(roomID, connID string) {
	delete(h.members, connID)

	r, exists := h.rooms[roomID]
	if !exists {
		return
	}

	r.mu.Lock()
	delete(r.clients, connID)
	count := len(r.clients)
	r.mu.Unlock()

	slog.Debug("connection left group", "room", roomID, "clientId", connID, "clients", count)

	if count == 0 {
		delete(h.rooms, roomID)
		slog.Debug("group removed", "room", roomID)
	}
}

func (h *Hub) SendTo(conn domain.Connection, data []byte) error {
	if err := conn.Send(data); err != nil {
		h.dropped.Inc()
		slog.Warn("send failed", "clientId", conn.ID(), "error", err)
		return err
	}
	return nil
}

// Broadcast delivers data to every member of the room except exclude, which
// may be nil. A failed send to one member never stops delivery to the rest.
func (h *Hub) Broadcast(roomID string, data []byte, exclude domain.Connection) {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()

	if !exists {
		return
	}

	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, conn := range r.clients {
		if id == excludeID {
			continue
		}
		if err := conn.Send(data); err != nil {
			h.dropped.Inc()
			slog.Warn("broadcast send failed", "room", roomID, "clientId", id, "error", err)
		}
	}
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms = len(h.rooms)
	for _, r := range h.rooms {
		r.mu.RLock()
		clients += len(r.clients)
		r.mu.RUnlock()
	}
	return rooms, clients
}

// Dropped reports how many sends failed since start.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
