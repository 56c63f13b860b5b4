package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/NeonX18/whiteboard-app-backend/domain"
)

const keyPrefix = "whiteboard:board:"

// BoardStore persists boards as JSON values, one key per room.
type BoardStore struct {
	client *goredis.Client
	ttl    time.Duration
}

func New(addr, password string, db int, ttl time.Duration) (*BoardStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr)
	return &BoardStore{client: client, ttl: ttl}, nil
}

func key(roomID string) string {
	return keyPrefix + roomID
}

func (s *BoardStore) Load(ctx context.Context, roomID string) (domain.Board, bool, error) {
	val, err := s.client.Get(ctx, key(roomID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Board{}, false, nil
	}
	if err != nil {
		return domain.Board{}, false, fmt.Errorf("redis get: %w", err)
	}

	var b domain.Board
	if err := json.Unmarshal(val, &b); err != nil {
		return domain.Board{}, false, fmt.Errorf("decode board: %w", err)
	}
	return b, true, nil
}

// Save overwrites the stored board and refreshes its TTL. A zero TTL keeps
// the key forever.
func (s *BoardStore) Save(ctx context.Context, roomID string, b domain.Board) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode board: %w", err)
	}
	if err := s.client.Set(ctx, key(roomID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *BoardStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *BoardStore) Close() error {
	return s.client.Close()
}
