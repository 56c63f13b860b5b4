package protocol

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/NeonX18/whiteboard-app-backend/board"
	"github.com/NeonX18/whiteboard-app-backend/domain"
	"github.com/NeonX18/whiteboard-app-backend/presence"
)

const storeTimeout = 5 * time.Second

type joinRoomData struct {
	RoomID string          `json:"roomId"`
	User   domain.Identity `json:"user"`
	Cursor *domain.Cursor  `json:"cursor,omitempty"`
}

type cursorMoveData struct {
	RoomID string         `json:"roomId"`
	UserID string         `json:"userId,omitempty"`
	Cursor *domain.Cursor `json:"cursor"`
}

type leaveRoomData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

type drawData struct {
	RoomID string          `json:"roomId"`
	Stroke json.RawMessage `json:"stroke"`
}

type roomData struct {
	RoomID string `json:"roomId"`
}

type updateBoardData struct {
	RoomID string            `json:"roomId"`
	Lines  []json.RawMessage `json:"lines"`
	Shapes []json.RawMessage `json:"shapes"`
}

type pingData struct {
	Timestamp int64 `json:"timestamp"`
}

type cursorUpdate struct {
	UserID string        `json:"userId"`
	Cursor domain.Cursor `json:"cursor"`
}

type userLeft struct {
	UserID string `json:"userId"`
}

// Handler is the session coordinator. It applies inbound events to the
// presence registry and board store and decides who hears about them.
// Mutation and broadcast for one room run under that room's lock, so each
// room sees its events in the order they were received.
type Handler struct {
	broadcaster domain.Broadcaster
	presence    *presence.Registry
	boards      *board.Store
	sessions    *sessionTable

	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

func NewHandler(b domain.Broadcaster, p *presence.Registry, s *board.Store) *Handler {
	return &Handler{
		broadcaster: b,
		presence:    p,
		boards:      s,
		sessions:    newSessionTable(),
		locks:       make(map[string]*sync.Mutex),
	}
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid message", "clientId", conn.ID(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	sess := h.sessions.get(conn)

	switch msg.Type {
	case domain.EventJoinRoom:
		h.handleJoin(ctx, sess, msg.Data)
	case domain.EventCursorMove:
		h.handleCursorMove(sess, msg.Data)
	case domain.EventLeaveRoom:
		h.handleLeave(sess, msg.Data)
	case domain.EventDraw:
		h.handleDraw(ctx, sess, msg.Data)
	case domain.EventClearBoard:
		h.handleClear(ctx, sess, msg.Data)
	case domain.EventUpdateBoard:
		h.handleUpdateBoard(ctx, sess, msg.Data)
	case domain.EventHeartbeat:
		h.handleHeartbeat(sess, msg.Data)
	case domain.EventPing:
		h.handlePing(sess, msg.Data)
	default:
		slog.Debug("unknown event", "clientId", conn.ID(), "type", msg.Type)
	}
}

// Disconnected removes the participant bound to conn, unless another
// connection has taken over the identity in the meantime.
func (h *Handler) Disconnected(conn domain.Connection) {
	sess := h.sessions.take(conn)
	if !sess.Joined() {
		h.broadcaster.Leave(conn)
		return
	}

	lock := h.roomLock(sess.RoomID)
	lock.Lock()
	defer lock.Unlock()

	h.broadcaster.Leave(conn)
	if !h.presence.RemoveIfCurrentConnection(sess.RoomID, sess.ParticipantID, sess.ConnID) {
		slog.Debug("stale connection closed", "room", sess.RoomID, "userId", sess.ParticipantID, "clientId", sess.ConnID)
		return
	}
	slog.Info("participant disconnected", "room", sess.RoomID, "userId", sess.ParticipantID)
	h.broadcast(sess.RoomID, domain.EventUserLeft, userLeft{UserID: sess.ParticipantID}, conn)
}

// Sessions reports the number of connections with a session record.
func (h *Handler) Sessions() int {
	return h.sessions.count()
}

func (h *Handler) handleJoin(ctx context.Context, sess Session, raw json.RawMessage) {
	var req joinRoomData
	if !decode(sess, raw, &req) {
		return
	}
	if req.RoomID == "" || req.User.ID == "" {
		slog.Warn("joinRoom without roomId or user id", "clientId", sess.ConnID)
		return
	}

	if sess.Joined() && sess.RoomID != req.RoomID {
		h.leaveRoom(sess)
	}

	lock := h.roomLock(req.RoomID)
	lock.Lock()
	defer lock.Unlock()

	prev, hadPrev := h.presence.Get(req.RoomID, req.User.ID)
	participant, _ := h.presence.Join(req.RoomID, req.User, req.Cursor, sess.ConnID)

	if hadPrev && prev.ConnectionRef != sess.ConnID {
		if old, ok := h.sessions.connection(prev.ConnectionRef); ok {
			h.broadcaster.Leave(old)
		}
		h.sessions.unbind(prev.ConnectionRef, req.RoomID)
		slog.Info("connection superseded", "room", req.RoomID, "userId", req.User.ID, "old", prev.ConnectionRef, "new", sess.ConnID)
	}

	current := h.boards.Get(ctx, req.RoomID)
	h.broadcaster.Join(req.RoomID, sess.conn)
	sess = h.sessions.bind(sess.conn, req.RoomID, participant.ID)

	h.sendTo(sess, domain.EventLoadBoard, current)
	h.sendTo(sess, domain.EventUserList, h.presence.List(req.RoomID))
	h.broadcast(req.RoomID, domain.EventUserJoined, participant, sess.conn)
}

func (h *Handler) handleCursorMove(sess Session, raw json.RawMessage) {
	var req cursorMoveData
	if !decode(sess, raw, &req) || req.Cursor == nil {
		return
	}
	if !h.scoped(sess, req.RoomID, req.UserID) {
		return
	}

	h.withAuthority(sess, func() {
		if !h.presence.UpdateCursor(sess.RoomID, sess.ParticipantID, *req.Cursor) {
			return
		}
		h.broadcast(sess.RoomID, domain.EventCursorUpdate, cursorUpdate{UserID: sess.ParticipantID, Cursor: *req.Cursor}, sess.conn)
	})
}

func (h *Handler) handleLeave(sess Session, raw json.RawMessage) {
	var req leaveRoomData
	if !decode(sess, raw, &req) {
		return
	}
	if !h.scoped(sess, req.RoomID, req.UserID) {
		return
	}
	h.leaveRoom(sess)
}

func (h *Handler) leaveRoom(sess Session) {
	lock := h.roomLock(sess.RoomID)
	lock.Lock()
	defer lock.Unlock()

	h.sessions.unbind(sess.ConnID, sess.RoomID)
	h.broadcaster.Leave(sess.conn)

	if !h.authoritative(sess) {
		return
	}
	h.presence.Remove(sess.RoomID, sess.ParticipantID)
	slog.Info("participant left", "room", sess.RoomID, "userId", sess.ParticipantID)
	h.broadcast(sess.RoomID, domain.EventUserLeft, userLeft{UserID: sess.ParticipantID}, sess.conn)
}

func (h *Handler) handleDraw(ctx context.Context, sess Session, raw json.RawMessage) {
	var req drawData
	if !decode(sess, raw, &req) || len(req.Stroke) == 0 || string(req.Stroke) == "null" {
		return
	}
	if !h.scoped(sess, req.RoomID, "") {
		return
	}

	h.withAuthority(sess, func() {
		h.presence.Touch(sess.RoomID, sess.ParticipantID)
		kind := h.boards.AppendStroke(ctx, sess.RoomID, req.Stroke)
		if kind == board.Unrecognized {
			slog.Debug("unrecognized stroke relayed without storing", "room", sess.RoomID, "userId", sess.ParticipantID)
		}
		h.broadcastRaw(sess.RoomID, domain.EventDraw, req.Stroke, sess.conn)
	})
}

func (h *Handler) handleClear(ctx context.Context, sess Session, raw json.RawMessage) {
	var req roomData
	if !decode(sess, raw, &req) {
		return
	}
	if !h.scoped(sess, req.RoomID, "") {
		return
	}

	h.withAuthority(sess, func() {
		h.presence.Touch(sess.RoomID, sess.ParticipantID)
		h.boards.Clear(ctx, sess.RoomID)
		slog.Info("board cleared", "room", sess.RoomID, "userId", sess.ParticipantID)
		h.broadcast(sess.RoomID, domain.EventClearBoard, struct{}{}, nil)
	})
}

func (h *Handler) handleUpdateBoard(ctx context.Context, sess Session, raw json.RawMessage) {
	var req updateBoardData
	if !decode(sess, raw, &req) {
		return
	}
	if !h.scoped(sess, req.RoomID, "") {
		return
	}

	h.withAuthority(sess, func() {
		h.presence.Touch(sess.RoomID, sess.ParticipantID)
		h.boards.Replace(ctx, sess.RoomID, req.Lines, req.Shapes)
		current := h.boards.Get(ctx, sess.RoomID)
		h.broadcast(sess.RoomID, domain.EventUpdateBoard, current, sess.conn)
	})
}

func (h *Handler) handleHeartbeat(sess Session, raw json.RawMessage) {
	var req roomData
	if !decode(sess, raw, &req) {
		return
	}
	if !h.scoped(sess, req.RoomID, "") {
		return
	}
	h.withAuthority(sess, func() {
		h.presence.Touch(sess.RoomID, sess.ParticipantID)
	})
}

func (h *Handler) handlePing(sess Session, raw json.RawMessage) {
	var req pingData
	if len(raw) > 0 && !decode(sess, raw, &req) {
		return
	}
	h.sendTo(sess, domain.EventPong, req)

	if sess.Joined() {
		h.withAuthority(sess, func() {
			h.presence.Touch(sess.RoomID, sess.ParticipantID)
		})
	}
}

// scoped reports whether an event naming roomID (and optionally userID)
// belongs to the room and identity this connection joined as.
func (h *Handler) scoped(sess Session, roomID, userID string) bool {
	if !sess.Joined() {
		slog.Debug("event before joinRoom", "clientId", sess.ConnID)
		return false
	}
	if roomID == "" || roomID != sess.RoomID {
		slog.Debug("event for foreign room ignored", "clientId", sess.ConnID, "room", roomID, "joined", sess.RoomID)
		return false
	}
	if userID != "" && userID != sess.ParticipantID {
		slog.Debug("event for foreign identity ignored", "clientId", sess.ConnID, "userId", userID)
		return false
	}
	return true
}

// withAuthority runs fn under the room lock if the session's connection is
// still the authoritative one for its participant.
func (h *Handler) withAuthority(sess Session, fn func()) {
	lock := h.roomLock(sess.RoomID)
	lock.Lock()
	defer lock.Unlock()

	if !h.authoritative(sess) {
		slog.Debug("event from superseded connection ignored", "room", sess.RoomID, "userId", sess.ParticipantID, "clientId", sess.ConnID)
		return
	}
	fn()
}

// authoritative must be called with the room lock held.
func (h *Handler) authoritative(sess Session) bool {
	p, ok := h.presence.Get(sess.RoomID, sess.ParticipantID)
	return ok && p.ConnectionRef == sess.ConnID
}

func (h *Handler) roomLock(roomID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[roomID] = l
	}
	return l
}

func (h *Handler) sendTo(sess Session, eventType string, payload any) {
	data, err := encode(eventType, payload)
	if err != nil {
		slog.Warn("marshal error", "clientId", sess.ConnID, "type", eventType, "error", err)
		return
	}
	h.broadcaster.SendTo(sess.conn, data)
}

func (h *Handler) broadcast(roomID, eventType string, payload any, exclude domain.Connection) {
	data, err := encode(eventType, payload)
	if err != nil {
		slog.Warn("marshal error", "room", roomID, "type", eventType, "error", err)
		return
	}
	h.broadcaster.Broadcast(roomID, data, exclude)
}

func (h *Handler) broadcastRaw(roomID, eventType string, payload json.RawMessage, exclude domain.Connection) {
	data, err := json.Marshal(domain.Message{Type: eventType, Data: payload})
	if err != nil {
		slog.Warn("marshal error", "room", roomID, "type", eventType, "error", err)
		return
	}
	h.broadcaster.Broadcast(roomID, data, exclude)
}

func encode(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(domain.Message{Type: eventType, Data: data})
}

func decode(sess Session, raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		slog.Warn("event without data", "clientId", sess.ConnID)
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		slog.Warn("invalid event data", "clientId", sess.ConnID, "error", err)
		return false
	}
	return true
}
