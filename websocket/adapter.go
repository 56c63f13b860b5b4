package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NeonX18/whiteboard-app-backend/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256

	// DefaultMaxMessageSize fits a full updateBoard snapshot.
	DefaultMaxMessageSize = 1 << 20
)

// Conn adapts a gorilla websocket to domain.Connection. Outbound frames go
// through a buffered queue drained by writePump; Send never blocks.
type Conn struct {
	id             string
	ws             *websocket.Conn
	send           chan []byte
	done           chan struct{}
	handler        domain.MessageHandler
	maxMessageSize int64

	closeOnce sync.Once
}

func NewConn(id string, ws *websocket.Conn, h domain.MessageHandler, maxMessageSize int64) *Conn {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Conn{
		id:             id,
		ws:             ws,
		send:           make(chan []byte, sendBuffer),
		done:           make(chan struct{}),
		handler:        h,
		maxMessageSize: maxMessageSize,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

// Close is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.handler.Disconnected(c)
		c.Close()
	}()

	c.ws.SetReadLimit(c.maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Error("read error", "clientId", c.id, "error", err)
			}
			return
		}

		c.handler.Handle(c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
