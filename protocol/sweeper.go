package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/NeonX18/whiteboard-app-backend/domain"
)

// Sweeper periodically evicts participants that stopped sending liveness
// signals and resyncs the survivors with a full user list.
type Sweeper struct {
	handler  *Handler
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

func NewSweeper(h *Handler, interval, timeout time.Duration) *Sweeper {
	return &Sweeper{
		handler:  h,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("liveness sweeper started", "interval", s.interval, "timeout", s.timeout)
	for {
		select {
		case <-ctx.Done():
			slog.Info("liveness sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass over every room and returns the number of evicted
// participants.
func (s *Sweeper) Sweep() int {
	now := s.now()
	total := 0
	for _, roomID := range s.handler.presence.Rooms() {
		total += s.handler.sweepRoom(roomID, now, s.timeout)
	}
	return total
}

func (h *Handler) sweepRoom(roomID string, now time.Time, timeout time.Duration) int {
	lock := h.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	removed := h.presence.SweepExpired(roomID, now, timeout)
	if len(removed) == 0 {
		return 0
	}

	for _, p := range removed {
		h.sessions.unbind(p.ConnectionRef, roomID)
		if conn, ok := h.sessions.connection(p.ConnectionRef); ok {
			h.broadcaster.Leave(conn)
			// closing drives the client through its reconnect and rejoin path
			if err := conn.Close(); err != nil {
				slog.Debug("close after timeout", "clientId", p.ConnectionRef, "error", err)
			}
		}
		slog.Info("participant timed out", "room", roomID, "userId", p.ID, "lastSeen", p.LastSeenAt)
	}

	h.broadcast(roomID, domain.EventUserList, h.presence.List(roomID), nil)
	return len(removed)
}
