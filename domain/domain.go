package domain

import (
	"encoding/json"
	"time"
)

// Inbound event types.
const (
	EventJoinRoom    = "joinRoom"
	EventCursorMove  = "cursorMove"
	EventLeaveRoom   = "leaveRoom"
	EventDraw        = "draw"
	EventClearBoard  = "clearBoard"
	EventUpdateBoard = "updateBoard"
	EventHeartbeat   = "heartbeat"
	EventPing        = "ping"
)

// Outbound event types.
const (
	EventLoadBoard    = "loadBoard"
	EventUserList     = "userList"
	EventUserJoined   = "userJoined"
	EventUserLeft     = "userLeft"
	EventCursorUpdate = "cursorUpdate"
	EventPong         = "pong"
)

type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// Participant is a client identity present in a room. ConnectionRef holds the
// id of the one connection currently authoritative for the identity.
type Participant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Color         string    `json:"color"`
	Cursor        *Cursor   `json:"cursor,omitempty"`
	ConnectionRef string    `json:"-"`
	LastSeenAt    time.Time `json:"lastSeen"`
	Active        bool      `json:"active"`
}

type Board struct {
	Lines  []json.RawMessage `json:"lines"`
	Shapes []json.RawMessage `json:"shapes"`
}

type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type Broadcaster interface {
	Join(roomID string, conn Connection)
	Leave(conn Connection)
	SendTo(conn Connection, data []byte) error
	Broadcast(roomID string, data []byte, exclude Connection)
	Stats() (rooms, clients int)
}

type MessageHandler interface {
	Handle(conn Connection, data []byte)
	Disconnected(conn Connection)
}
