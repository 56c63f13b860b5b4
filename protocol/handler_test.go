package protocol

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeonX18/whiteboard-app-backend/board"
	"github.com/NeonX18/whiteboard-app-backend/domain"
	"github.com/NeonX18/whiteboard-app-backend/hub"
	"github.com/NeonX18/whiteboard-app-backend/presence"
)

type mockConn struct {
	id     string
	sent   [][]byte
	closed bool
	mu     sync.Mutex
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) getSent() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := make([]domain.Message, 0, len(m.sent))
	for _, data := range m.sent {
		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err == nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (m *mockConn) types() []string {
	var out []string
	for _, msg := range m.getSent() {
		out = append(out, msg.Type)
	}
	return out
}

func (m *mockConn) last(eventType string) (domain.Message, bool) {
	msgs := m.getSent()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == eventType {
			return msgs[i], true
		}
	}
	return domain.Message{}, false
}

func (m *mockConn) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

type fakeClock struct {
	t  time.Time
	mu sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	handler  *Handler
	hub      *hub.Hub
	presence *presence.Registry
	boards   *board.Store
	clock    *fakeClock
}

func newFixture() *fixture {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	h := hub.New()
	p := presence.NewRegistry(presence.NewColorAllocator(nil), presence.WithClock(clock.Now))
	b := board.NewStore(board.Options{})
	return &fixture{
		handler:  NewHandler(h, p, b),
		hub:      h,
		presence: p,
		boards:   b,
		clock:    clock,
	}
}

func event(t *testing.T, eventType string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	msg, err := json.Marshal(domain.Message{Type: eventType, Data: raw})
	require.NoError(t, err)
	return msg
}

func (f *fixture) join(t *testing.T, conn *mockConn, roomID, userID string) {
	t.Helper()
	f.handler.Handle(conn, event(t, domain.EventJoinRoom, map[string]any{
		"roomId": roomID,
		"user":   map[string]any{"id": userID, "name": "user " + userID},
	}))
}

func decodeData[T any](t *testing.T, msg domain.Message) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Data, &v))
	return v
}

func TestHandler_PingPong(t *testing.T) {
	f := newFixture()
	conn := &mockConn{id: "client1"}

	f.handler.Handle(conn, event(t, domain.EventPing, map[string]any{"timestamp": 12345}))

	pong, ok := conn.last(domain.EventPong)
	require.True(t, ok)
	assert.JSONEq(t, `{"timestamp":12345}`, string(pong.Data))
}

func TestHandler_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "not json", data: []byte("not json")},
		{name: "unknown type", data: []byte(`{"type":"explode","data":{}}`)},
		{name: "join without data", data: []byte(`{"type":"joinRoom"}`)},
		{name: "join without room", data: []byte(`{"type":"joinRoom","data":{"user":{"id":"u1"}}}`)},
		{name: "join without user id", data: []byte(`{"type":"joinRoom","data":{"roomId":"r1","user":{}}}`)},
		{name: "draw before join", data: []byte(`{"type":"draw","data":{"roomId":"r1","stroke":{"points":[1]}}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			conn := &mockConn{id: "client1"}

			f.handler.Handle(conn, tt.data)

			assert.Empty(t, conn.getSent())
			assert.Empty(t, f.presence.Rooms())
			assert.Empty(t, f.boards.Get(t.Context(), "r1").Lines)
		})
	}
}

func TestHandler_Join(t *testing.T) {
	f := newFixture()
	c1 := &mockConn{id: "c1"}
	c2 := &mockConn{id: "c2"}

	f.join(t, c1, "r1", "u1")
	assert.Equal(t, []string{domain.EventLoadBoard, domain.EventUserList}, c1.types())

	loaded, _ := c1.last(domain.EventLoadBoard)
	assert.JSONEq(t, `{"lines":[],"shapes":[]}`, string(loaded.Data))

	c1.reset()
	f.join(t, c2, "r1", "u2")

	assert.Equal(t, []string{domain.EventLoadBoard, domain.EventUserList}, c2.types())
	list, _ := c2.last(domain.EventUserList)
	users := decodeData[[]domain.Participant](t, list)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].ID)
	assert.Equal(t, "u2", users[1].ID)
	assert.NotContains(t, string(list.Data), "c1", "connection refs are not exposed")

	assert.Equal(t, []string{domain.EventUserJoined}, c1.types())
	joined, _ := c1.last(domain.EventUserJoined)
	p := decodeData[domain.Participant](t, joined)
	assert.Equal(t, "u2", p.ID)
	assert.Equal(t, "#4ECDC4", p.Color)
	assert.True(t, p.Active)
}

func TestHandler_DrawScenario(t *testing.T) {
	f := newFixture()
	c1 := &mockConn{id: "c1"}
	c2 := &mockConn{id: "c2"}
	f.join(t, c1, "r1", "u1")
	f.join(t, c2, "r1", "u2")
	c1.reset()
	c2.reset()

	f.handler.Handle(c1, event(t, domain.EventDraw, map[string]any{
		"roomId": "r1",
		"stroke": map[string]any{"points": []int{1, 2, 3, 4}, "color": "#000"},
	}))

	assert.Empty(t, c1.getSent(), "sender does not get its own draw echoed")
	drawn, ok := c2.last(domain.EventDraw)
	require.True(t, ok)
	assert.JSONEq(t, `{"points":[1,2,3,4],"color":"#000"}`, string(drawn.Data))

	c3 := &mockConn{id: "c3"}
	f.join(t, c3, "r1", "u3")
	loaded, _ := c3.last(domain.EventLoadBoard)
	b := decodeData[domain.Board](t, loaded)
	require.Len(t, b.Lines, 1)
	assert.JSONEq(t, `{"points":[1,2,3,4],"color":"#000"}`, string(b.Lines[0]))
	assert.Empty(t, b.Shapes)
}

func TestHandler_DrawClassification(t *testing.T) {
	tests := []struct {
		name       string
		stroke     string
		wantLines  int
		wantShapes int
	}{
		{name: "pen stroke", stroke: `{"points":[0,0,5,5]}`, wantLines: 1},
		{name: "rectangle", stroke: `{"type":"rectangle","x":1,"y":1,"width":2,"height":2}`, wantShapes: 1},
		{name: "unrecognized", stroke: `{"type":"sticker"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			c1 := &mockConn{id: "c1"}
			c2 := &mockConn{id: "c2"}
			f.join(t, c1, "r1", "u1")
			f.join(t, c2, "r1", "u2")

			f.handler.Handle(c1, []byte(`{"type":"draw","data":{"roomId":"r1","stroke":`+tt.stroke+`}}`))

			drawn, ok := c2.last(domain.EventDraw)
			require.True(t, ok, "always relayed live")
			assert.JSONEq(t, tt.stroke, string(drawn.Data))

			b := f.boards.Get(t.Context(), "r1")
			assert.Len(t, b.Lines, tt.wantLines)
			assert.Len(t, b.Shapes, tt.wantShapes)
		})
	}
}

func TestHandler_ClearBoardReachesSender(t *testing.T) {
	f := newFixture()
	c1 := &mockConn{id: "c1"}
	c2 := &mockConn{id: "c2"}
	f.join(t, c1, "r1", "u1")
	f.join(t, c2, "r1", "u2")
	f.handler.Handle(c1, event(t, domain.EventDraw, map[string]any{"roomId": "r1", "stroke": map[string]any{"points": []int{1}}}))
	f.handler.Handle(c1, event(t, domain.EventDraw, map[string]any{"roomId": "r1", "stroke": map[string]any{"type": "circle"}}))

	f.handler.Handle(c1, event(t, domain.EventClearBoard, map[string]any{"roomId": "r1"}))

	_, ok := c1.last(domain.EventClearBoard)
	assert.True(t, ok)
	_, ok = c2.last(domain.EventClearBoard)
	assert.True(t, ok)

	b := f.boards.Get(t.Context(), "r1")
	assert.Equal(t, domain.Board{Lines: []json.RawMessage{}, Shapes: []json.RawMessage{}}, b)
}

func TestHandler_UpdateBoard(t *testing.T) {
	f := newFixture()
	c1 := &mockConn{id: "c1"}
	c2 := &mockConn{id: "c2"}
	f.join(t, c1, "r1", "u1")
	f.join(t, c2, "r1", "u2")
	c1.reset()

	f.handler.Handle(c1, []byte(`{"type":"updateBoard","data":{"roomId":"r1","lines":[{"points":[9]}],"shapes":[{"type":"rectangle"}]}}`))

	assert.Empty(t, c1.getSent())
	updated, ok := c2.last(domain.EventUpdateBoard)
	require.True(t, ok)
	assert.JSONEq(t, `{"lines":[{"points":[9]}],"shapes":[{"type":"rectangle"}]}`, string(updated.Data))

	b := f.boards.Get(t.Context(), "r1")
	assert.Len(t, b.Lines, 1)
	assert.Len(t, b.Shapes, 1)
}

func TestHandler_CursorMove(t *testing.T) {
	tests := []struct {
		name       string
		data       map[string]any
		wantUpdate bool
	}{
		{
			name:       "own room",
			data:       map[string]any{"roomId": "r1", "cursor": map[string]any{"x": 10, "y": 20}},
			wantUpdate: true,
		},
		{
			name:       "explicit own user id",
			data:       map[string]any{"roomId": "r1", "userId": "u1", "cursor": map[string]any{"x": 10, "y": 20}},
			wantUpdate: true,
		},
		{
			name: "foreign room",
			data: map[string]any{"roomId": "r2", "cursor": map[string]any{"x": 10, "y": 20}},
		},
		{
			name: "foreign user",
			data: map[string]any{"roomId": "r1", "userId": "u2", "cursor": map[string]any{"x": 10, "y": 20}},
		},
		{
			name: "missing cursor",
			data: map[string]any{"roomId": "r1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			c1 := &mockConn{id: "c1"}
			c2 := &mockConn{id: "c2"}
			f.join(t, c1, "r1", "u1")
			f.join(t, c2, "r1", "u2")
			c1.reset()
			c2.reset()

			f.handler.Handle(c1, event(t, domain.EventCursorMove, tt.data))

			assert.Empty(t, c1.getSent())
			update, ok := c2.last(domain.EventCursorUpdate)
			assert.Equal(t, tt.wantUpdate, ok)
			p, _ := f.presence.Get("r1", "u1")
			if tt.wantUpdate {
				assert.JSONEq(t, `{"userId":"u1","cursor":{"x":10,"y":20}}`, string(update.Data))
				require.NotNil(t, p.Cursor)
				assert.Equal(t, domain.Cursor{X: 10, Y: 20}, *p.Cursor)
			} else {
				assert.Nil(t, p.Cursor)
			}
		})
	}
}

func TestHandler_LeaveRoom(t *testing.T) {
	f := newFixture()
	c1 := &mockConn{id: "c1"}
	c2 := &mockConn{id: "c2"}
	f.join(t, c1, "r1", "u1")
	f.join(t, c2, "r1", "u2")
	c1.reset()

	f.handler.Handle(c2, event(t, domain.EventLeaveRoom, map[string]any{"roomId": "r1", "userId": "u2"}))

	left, ok := c1.last(domain.EventUserLeft)
	require.True(t, ok)
	assert.JSONEq(t, `{"userId":"u2"}`, string(left.Data))
	_, ok = c2.last(domain.EventUserLeft)
	assert.False(t, ok)

	_, present := f.presence.Get("r1", "u2")
	assert.False(t, present)

	c2.reset()
	f.handler.Handle(c1, event(t, domain.EventDraw, map[string]any{"roomId": "r1", "stroke": map[string]any{"points": []int{1}}}))
	assert.Empty(t, c2.getSent(), "left connection no longer receives room events")

	f.handler.Handle(c2, event(t, domain.EventDraw, map[string]any{"roomId": "r1", "stroke": map[string]any{"points": []int{2}}}))
	assert.Len(t, f.boards.Get(t.Context(), "r1").Lines, 1, "events after leave are ignored")
}

func TestHandler_DisconnectRemovesParticipant(t *testing.T) {
	f := newFixture()
	c1 := &mockConn{id: "c1"}
	c2 := &mockConn{id: "c2"}
	f.join(t, c1, "r1", "u1")
	f.join(t, c2, "r1", "u2")

	f.handler.Disconnected(c2)

	left, ok := c1.last(domain.EventUserLeft)
	require.True(t, ok)
	assert.JSONEq(t, `{"userId":"u2"}`, string(left.Data))
	assert.Len(t, f.presence.List("r1"), 1)
	_, clients := f.hub.Stats()
	assert.Equal(t, 1, clients)
	assert.Equal(t, 1, f.handler.Sessions())
}

func TestHandler_ReconnectRace(t *testing.T) {
	f := newFixture()
	observer := &mockConn{id: "observer"}
	connA := &mockConn{id: "connA"}
	connB := &mockConn{id: "connB"}

	f.join(t, connA, "r1", "p")
	f.join(t, observer, "r1", "watcher")
	pA, _ := f.presence.Get("r1", "p")
	require.Equal(t, "#FF6B6B", pA.Color)

	f.join(t, connB, "r1", "p")
	observer.reset()
	connA.reset()

	f.handler.Disconnected(connA)

	p, ok := f.presence.Get("r1", "p")
	require.True(t, ok, "participant survives stale disconnect")
	assert.True(t, p.Active)
	assert.Equal(t, "#FF6B6B", p.Color)
	assert.Equal(t, "connB", p.ConnectionRef)
	_, gotLeft := observer.last(domain.EventUserLeft)
	assert.False(t, gotLeft, "no spurious userLeft")

	f.handler.Handle(observer, event(t, domain.EventDraw, map[string]any{"roomId": "r1", "stroke": map[string]any{"points": []int{1}}}))
	_, ok = connB.last(domain.EventDraw)
	assert.True(t, ok)
	assert.Empty(t, connA.getSent(), "superseded connection is out of the group")
}

func TestHandler_SupersededConnectionIsInert(t *testing.T) {
	f := newFixture()
	connA := &mockConn{id: "connA"}
	connB := &mockConn{id: "connB"}
	other := &mockConn{id: "other"}
	f.join(t, connA, "r1", "p")
	f.join(t, other, "r1", "q")
	f.join(t, connB, "r1", "p")
	other.reset()

	f.handler.Handle(connA, event(t, domain.EventDraw, map[string]any{"roomId": "r1", "stroke": map[string]any{"points": []int{1}}}))
	f.handler.Handle(connA, event(t, domain.EventCursorMove, map[string]any{"roomId": "r1", "cursor": map[string]any{"x": 1, "y": 1}}))
	f.handler.Handle(connA, event(t, domain.EventLeaveRoom, map[string]any{"roomId": "r1"}))

	assert.Empty(t, other.getSent())
	assert.Empty(t, f.boards.Get(t.Context(), "r1").Lines)
	_, ok := f.presence.Get("r1", "p")
	assert.True(t, ok)
}

func TestHandler_RejoinSameIdentityKeepsColor(t *testing.T) {
	f := newFixture()
	c1 := &mockConn{id: "c1"}
	c2 := &mockConn{id: "c2"}
	f.join(t, c1, "r1", "a")
	f.join(t, c2, "r1", "b")

	f.handler.Disconnected(c1)
	c3 := &mockConn{id: "c3"}
	f.handler.Handle(c3, event(t, domain.EventJoinRoom, map[string]any{
		"roomId": "r1",
		"user":   map[string]any{"id": "b", "color": "#123456"},
	}))

	p, _ := f.presence.Get("r1", "b")
	assert.Equal(t, "#4ECDC4", p.Color)
	assert.Len(t, f.presence.List("r1"), 1)
}

func TestHandler_SwitchRoom(t *testing.T) {
	f := newFixture()
	mover := &mockConn{id: "mover"}
	stay := &mockConn{id: "stay"}
	f.join(t, mover, "r1", "u1")
	f.join(t, stay, "r1", "u2")
	stay.reset()

	f.join(t, mover, "r2", "u1")

	_, ok := stay.last(domain.EventUserLeft)
	assert.True(t, ok)
	_, inOld := f.presence.Get("r1", "u1")
	assert.False(t, inOld)
	_, inNew := f.presence.Get("r2", "u1")
	assert.True(t, inNew)

	stay.reset()
	f.handler.Handle(mover, event(t, domain.EventDraw, map[string]any{"roomId": "r1", "stroke": map[string]any{"points": []int{1}}}))
	assert.Empty(t, stay.getSent(), "no cross-room leakage")
}

func TestHandler_HeartbeatKeepsParticipantAlive(t *testing.T) {
	f := newFixture()
	c1 := &mockConn{id: "c1"}
	f.join(t, c1, "r1", "u1")

	f.clock.Advance(20 * time.Second)
	f.handler.Handle(c1, event(t, domain.EventHeartbeat, map[string]any{"roomId": "r1"}))

	p, _ := f.presence.Get("r1", "u1")
	assert.Equal(t, f.clock.Now(), p.LastSeenAt)

	f.clock.Advance(20 * time.Second)
	f.handler.Handle(c1, event(t, domain.EventPing, map[string]any{"timestamp": 1}))

	p, _ = f.presence.Get("r1", "u1")
	assert.Equal(t, f.clock.Now(), p.LastSeenAt)
}

func TestHandler_DrawWithoutStrokeDropped(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "missing stroke", data: `{"type":"draw","data":{"roomId":"r1"}}`},
		{name: "null stroke", data: `{"type":"draw","data":{"roomId":"r1","stroke":null}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			c1 := &mockConn{id: "c1"}
			c2 := &mockConn{id: "c2"}
			f.join(t, c1, "r1", "u1")
			f.join(t, c2, "r1", "u2")
			c2.reset()

			f.handler.Handle(c1, []byte(tt.data))

			assert.Empty(t, c2.getSent())
			b := f.boards.Get(t.Context(), "r1")
			assert.Empty(t, b.Lines)
			assert.Empty(t, b.Shapes)
		})
	}
}

func TestHandler_BoardEventsRefreshLiveness(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "draw", data: `{"type":"draw","data":{"roomId":"r1","stroke":{"points":[1]}}}`},
		{name: "clearBoard", data: `{"type":"clearBoard","data":{"roomId":"r1"}}`},
		{name: "updateBoard", data: `{"type":"updateBoard","data":{"roomId":"r1","lines":[],"shapes":[]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			c1 := &mockConn{id: "c1"}
			f.join(t, c1, "r1", "u1")

			f.clock.Advance(20 * time.Second)
			f.handler.Handle(c1, []byte(tt.data))

			p, ok := f.presence.Get("r1", "u1")
			require.True(t, ok)
			assert.Equal(t, f.clock.Now(), p.LastSeenAt)
		})
	}
}

func TestHandler_JoinRacingLastDisconnect(t *testing.T) {
	for i := 0; i < 500; i++ {
		f := newFixture()
		c1 := &mockConn{id: "c1"}
		c2 := &mockConn{id: "c2"}
		c3 := &mockConn{id: "c3"}
		f.join(t, c1, "r1", "u1")

		joinMsg := event(t, domain.EventJoinRoom, map[string]any{"roomId": "r1", "user": map[string]any{"id": "u2"}})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.handler.Handle(c2, joinMsg)
		}()
		go func() {
			defer wg.Done()
			f.handler.Disconnected(c1)
		}()
		wg.Wait()

		f.join(t, c3, "r1", "u3")
		c2.reset()
		f.handler.Handle(c3, event(t, domain.EventDraw, map[string]any{"roomId": "r1", "stroke": map[string]any{"points": []int{1}}}))

		_, ok := c2.last(domain.EventDraw)
		require.True(t, ok, "iteration %d: joined participant missed the room's draw", i)
	}
}
