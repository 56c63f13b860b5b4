package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NeonX18/whiteboard-app-backend/domain"
)

// Persister is the durable storage behind the store. Load reports false when
// nothing is stored for the room.
type Persister interface {
	Load(ctx context.Context, roomID string) (domain.Board, bool, error)
	Save(ctx context.Context, roomID string, board domain.Board) error
}

type Options struct {
	// MaxItems caps each of lines and shapes; the oldest entries are dropped
	// first. Zero means unbounded.
	MaxItems int
	// SaveBatch is the number of appends after which a flush is requested.
	SaveBatch int
	Persister Persister
}

type entry struct {
	lines   []json.RawMessage
	shapes  []json.RawMessage
	dirty   bool
	pending int
}

type Store struct {
	boards map[string]*entry
	opts   Options
	flush  chan struct{}
	mu     sync.Mutex
}

func NewStore(opts Options) *Store {
	if opts.SaveBatch <= 0 {
		opts.SaveBatch = 1
	}
	return &Store{
		boards: make(map[string]*entry),
		opts:   opts,
		flush:  make(chan struct{}, 1),
	}
}

// Get returns a copy of the room's board, creating it on first reference.
func (s *Store) Get(ctx context.Context, roomID string) domain.Board {
	s.ensure(ctx, roomID)

	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.boards[roomID])
}

// AppendStroke stores the payload in lines or shapes according to its kind.
// Unrecognized payloads are not stored.
func (s *Store) AppendStroke(ctx context.Context, roomID string, payload json.RawMessage) Kind {
	kind := Classify(payload)
	if kind == Unrecognized {
		return kind
	}
	s.ensure(ctx, roomID)

	item := append(json.RawMessage(nil), payload...)

	s.mu.Lock()
	e := s.boards[roomID]
	switch kind {
	case PenStroke:
		e.lines = s.capped(append(e.lines, item))
	case Shape:
		e.shapes = s.capped(append(e.shapes, item))
	}
	e.dirty = true
	e.pending++
	requestFlush := e.pending >= s.opts.SaveBatch
	if requestFlush {
		e.pending = 0
	}
	s.mu.Unlock()

	if requestFlush {
		s.requestFlush()
	}
	return kind
}

func (s *Store) Replace(ctx context.Context, roomID string, lines, shapes []json.RawMessage) {
	s.ensure(ctx, roomID)

	s.mu.Lock()
	e := s.boards[roomID]
	e.lines = s.capped(cloneItems(lines))
	e.shapes = s.capped(cloneItems(shapes))
	e.dirty = true
	e.pending = 0
	s.mu.Unlock()

	s.requestFlush()
}

func (s *Store) Clear(ctx context.Context, roomID string) {
	s.ensure(ctx, roomID)

	s.mu.Lock()
	e := s.boards[roomID]
	e.lines = []json.RawMessage{}
	e.shapes = []json.RawMessage{}
	e.dirty = true
	e.pending = 0
	s.mu.Unlock()

	s.requestFlush()
}

// Stats returns the number of boards held in memory.
func (s *Store) Stats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boards)
}

// Flush writes every dirty board to the persister. Boards that fail to save
// stay dirty and are retried on the next flush.
func (s *Store) Flush(ctx context.Context) error {
	if s.opts.Persister == nil {
		return nil
	}

	s.mu.Lock()
	pending := make(map[string]domain.Board)
	for roomID, e := range s.boards {
		if e.dirty {
			pending[roomID] = snapshot(e)
			e.dirty = false
		}
	}
	s.mu.Unlock()

	var errs []error
	for roomID, b := range pending {
		if err := s.opts.Persister.Save(ctx, roomID, b); err != nil {
			errs = append(errs, fmt.Errorf("save board %s: %w", roomID, err))
			s.mu.Lock()
			if e, ok := s.boards[roomID]; ok {
				e.dirty = true
			}
			s.mu.Unlock()
			continue
		}
		slog.Debug("board saved", "room", roomID, "lines", len(b.Lines), "shapes", len(b.Shapes))
	}
	return errors.Join(errs...)
}

// Run flushes dirty boards every interval and whenever a flush is requested,
// and once more when ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if s.opts.Persister == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.Flush(flushCtx)
			cancel()
			if err != nil {
				slog.Error("final board flush failed", "error", err)
			}
			return nil
		case <-ticker.C:
		case <-s.flush:
		}
		if err := s.Flush(ctx); err != nil {
			slog.Warn("board flush failed", "error", err)
		}
	}
}

func (s *Store) requestFlush() {
	if s.opts.Persister == nil {
		return
	}
	select {
	case s.flush <- struct{}{}:
	default:
	}
}

func (s *Store) ensure(ctx context.Context, roomID string) {
	s.mu.Lock()
	_, ok := s.boards[roomID]
	s.mu.Unlock()
	if ok {
		return
	}

	e := &entry{lines: []json.RawMessage{}, shapes: []json.RawMessage{}}
	if s.opts.Persister != nil {
		b, found, err := s.opts.Persister.Load(ctx, roomID)
		switch {
		case err != nil:
			slog.Warn("board load failed, starting empty", "room", roomID, "error", err)
		case found:
			e.lines = s.capped(cloneItems(b.Lines))
			e.shapes = s.capped(cloneItems(b.Shapes))
			slog.Info("board loaded", "room", roomID, "lines", len(e.lines), "shapes", len(e.shapes))
		}
	}

	s.mu.Lock()
	if _, exists := s.boards[roomID]; !exists {
		s.boards[roomID] = e
	}
	s.mu.Unlock()
}

func (s *Store) capped(items []json.RawMessage) []json.RawMessage {
	limit := s.opts.MaxItems
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return append([]json.RawMessage(nil), items[len(items)-limit:]...)
}

func snapshot(e *entry) domain.Board {
	return domain.Board{
		Lines:  append([]json.RawMessage{}, e.lines...),
		Shapes: append([]json.RawMessage{}, e.shapes...),
	}
}

func cloneItems(items []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, append(json.RawMessage(nil), it...))
	}
	return out
}
