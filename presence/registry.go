package presence

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/NeonX18/whiteboard-app-backend/domain"
)

type roomPresence struct {
	order []string
	byID  map[string]*domain.Participant
}

func (rp *roomPresence) delete(id string) {
	delete(rp.byID, id)
	for i, pid := range rp.order {
		if pid == id {
			rp.order = append(rp.order[:i], rp.order[i+1:]...)
			return
		}
	}
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry holds the participants of every room. All returned participants
// are copies, so callers never observe a record mid-update.
type Registry struct {
	rooms  map[string]*roomPresence
	colors *ColorAllocator
	now    func() time.Time
	mu     sync.Mutex
}

func NewRegistry(colors *ColorAllocator, opts ...Option) *Registry {
	r := &Registry{
		rooms:  make(map[string]*roomPresence),
		colors: colors,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join inserts the identity into the room or, when it is already present,
// rebinds it to connRef. The color of an existing record is never changed.
func (r *Registry) Join(roomID string, identity domain.Identity, cursor *domain.Cursor, connRef string) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rp, ok := r.rooms[roomID]
	if !ok {
		rp = &roomPresence{byID: make(map[string]*domain.Participant)}
		r.rooms[roomID] = rp
	}

	now := r.now()
	if p, exists := rp.byID[identity.ID]; exists {
		p.ConnectionRef = connRef
		p.LastSeenAt = now
		p.Active = true
		if cursor != nil {
			c := *cursor
			p.Cursor = &c
		}
		slog.Info("participant reconnected", "room", roomID, "userId", p.ID, "clientId", connRef)
		return copyParticipant(p), true
	}

	used := make(map[string]bool, len(rp.byID))
	for _, p := range rp.byID {
		if p.Active {
			used[strings.ToUpper(p.Color)] = true
		}
	}

	color := strings.ToUpper(identity.Color)
	if color == "" || used[color] {
		color = r.colors.Next(used)
	}

	p := &domain.Participant{
		ID:            identity.ID,
		Name:          identity.Name,
		Color:         color,
		ConnectionRef: connRef,
		LastSeenAt:    now,
		Active:        true,
	}
	if cursor != nil {
		c := *cursor
		p.Cursor = &c
	}
	rp.byID[p.ID] = p
	rp.order = append(rp.order, p.ID)

	slog.Info("participant joined", "room", roomID, "userId", p.ID, "color", p.Color, "participants", len(rp.order))
	return copyParticipant(p), false
}

func (r *Registry) UpdateCursor(roomID, id string, cursor domain.Cursor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.lookup(roomID, id)
	if p == nil {
		return false
	}
	p.Cursor = &cursor
	p.LastSeenAt = r.now()
	return true
}

// Touch refreshes the liveness timestamp of a participant.
func (r *Registry) Touch(roomID, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.lookup(roomID, id)
	if p == nil {
		return false
	}
	p.LastSeenAt = r.now()
	return true
}

func (r *Registry) Get(roomID, id string) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.lookup(roomID, id)
	if p == nil {
		return domain.Participant{}, false
	}
	return copyParticipant(p), true
}

func (r *Registry) Remove(roomID, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rp, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, exists := rp.byID[id]; !exists {
		return false
	}
	rp.delete(id)
	r.reapLocked(roomID, rp)
	return true
}

// RemoveIfCurrentConnection deletes the participant only while connRef is
// still its authoritative connection. A disconnect from a superseded
// connection therefore leaves a reconnected participant in place.
func (r *Registry) RemoveIfCurrentConnection(roomID, id, connRef string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rp, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	p, exists := rp.byID[id]
	if !exists || p.ConnectionRef != connRef {
		return false
	}
	rp.delete(id)
	r.reapLocked(roomID, rp)
	return true
}

// SweepExpired removes and returns every participant of the room that has
// been silent for at least timeout.
func (r *Registry) SweepExpired(roomID string, now time.Time, timeout time.Duration) []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	rp, ok := r.rooms[roomID]
	if !ok {
		return nil
	}

	var removed []domain.Participant
	kept := rp.order[:0]
	for _, id := range rp.order {
		p := rp.byID[id]
		if now.Sub(p.LastSeenAt) >= timeout {
			removed = append(removed, copyParticipant(p))
			delete(rp.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	rp.order = kept
	r.reapLocked(roomID, rp)
	return removed
}

func (r *Registry) List(roomID string) []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	rp, ok := r.rooms[roomID]
	if !ok {
		return []domain.Participant{}
	}
	list := make([]domain.Participant, 0, len(rp.order))
	for _, id := range rp.order {
		list = append(list, copyParticipant(rp.byID[id]))
	}
	return list
}

func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Stats() (rooms, participants int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms = len(r.rooms)
	for _, rp := range r.rooms {
		participants += len(rp.order)
	}
	return rooms, participants
}

func (r *Registry) lookup(roomID, id string) *domain.Participant {
	rp, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return rp.byID[id]
}

func (r *Registry) reapLocked(roomID string, rp *roomPresence) {
	if len(rp.order) == 0 {
		delete(r.rooms, roomID)
		slog.Debug("presence room reaped", "room", roomID)
	}
}

func copyParticipant(p *domain.Participant) domain.Participant {
	c := *p
	if p.Cursor != nil {
		cur := *p.Cursor
		c.Cursor = &cur
	}
	return c
}
