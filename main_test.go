package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeonX18/whiteboard-app-backend/board"
	"github.com/NeonX18/whiteboard-app-backend/hub"
	"github.com/NeonX18/whiteboard-app-backend/presence"
	"github.com/NeonX18/whiteboard-app-backend/protocol"
)

type mockConn struct {
	id string
}

func (m *mockConn) ID() string             { return m.id }
func (m *mockConn) Send(data []byte) error { return nil }
func (m *mockConn) Close() error           { return nil }

func TestStatsHandler(t *testing.T) {
	broadcaster := hub.New()
	registry := presence.NewRegistry(presence.NewColorAllocator(nil))
	boards := board.NewStore(board.Options{})
	handler := protocol.NewHandler(broadcaster, registry, boards)

	handler.Handle(&mockConn{id: "c1"}, []byte(`{"type":"joinRoom","data":{"roomId":"r1","user":{"id":"u1"}}}`))
	handler.Handle(&mockConn{id: "c2"}, []byte(`{"type":"joinRoom","data":{"roomId":"r1","user":{"id":"u2"}}}`))

	rec := httptest.NewRecorder()
	statsHandler(broadcaster, handler, registry, boards)(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, map[string]int64{
		"rooms":        1,
		"clients":      2,
		"sessions":     2,
		"participants": 2,
		"boards":       1,
		"dropped":      0,
	}, got)
}

func TestHealthHandler_MemoryBackend(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
