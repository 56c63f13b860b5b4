package protocol

import (
	"sync"

	"github.com/NeonX18/whiteboard-app-backend/domain"
)

// Session binds a connection to the room and participant identity it joined
// as. Handlers receive it by value; an empty RoomID means not joined.
type Session struct {
	ConnID        string
	RoomID        string
	ParticipantID string
	conn          domain.Connection
}

func (s Session) Joined() bool {
	return s.RoomID != "" && s.ParticipantID != ""
}

type sessionTable struct {
	byConn map[string]*Session
	mu     sync.Mutex
}

func newSessionTable() *sessionTable {
	return &sessionTable{byConn: make(map[string]*Session)}
}

func (t *sessionTable) get(conn domain.Connection) Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.byConn[conn.ID()]; ok {
		return *s
	}
	return Session{ConnID: conn.ID(), conn: conn}
}

func (t *sessionTable) bind(conn domain.Connection, roomID, participantID string) Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Session{ConnID: conn.ID(), RoomID: roomID, ParticipantID: participantID, conn: conn}
	t.byConn[conn.ID()] = s
	return *s
}

// unbind clears the room binding of a connection, but only while it still
// points at roomID.
func (t *sessionTable) unbind(connID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.byConn[connID]; ok && s.RoomID == roomID {
		s.RoomID = ""
		s.ParticipantID = ""
	}
}

func (t *sessionTable) take(conn domain.Connection) Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byConn[conn.ID()]
	if !ok {
		return Session{ConnID: conn.ID(), conn: conn}
	}
	delete(t.byConn, conn.ID())
	return *s
}

func (t *sessionTable) connection(connID string) (domain.Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byConn[connID]
	if !ok {
		return nil, false
	}
	return s.conn, true
}

func (t *sessionTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byConn)
}
