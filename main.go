package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/NeonX18/whiteboard-app-backend/board"
	"github.com/NeonX18/whiteboard-app-backend/config"
	"github.com/NeonX18/whiteboard-app-backend/hub"
	"github.com/NeonX18/whiteboard-app-backend/presence"
	"github.com/NeonX18/whiteboard-app-backend/protocol"
	"github.com/NeonX18/whiteboard-app-backend/storage/postgres"
	"github.com/NeonX18/whiteboard-app-backend/storage/redis"
	ws "github.com/NeonX18/whiteboard-app-backend/websocket"
)

const shutdownTimeout = 10 * time.Second

// backend is a durable board persister.
type backend interface {
	board.Persister
	Health(ctx context.Context) error
	Close() error
}

func main() {
	cfg := config.Load()
	setupLogger(cfg.Server.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	store, err := openBackend(cfg.Storage)
	if err != nil {
		slog.Error("storage error", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	opts := board.Options{
		MaxItems:  cfg.Board.MaxItems,
		SaveBatch: cfg.Board.SaveBatch,
	}
	if store != nil {
		opts.Persister = store
	}

	broadcaster := hub.New()
	registry := presence.NewRegistry(presence.NewColorAllocator(cfg.Presence.Palette))
	boards := board.NewStore(opts)
	handler := protocol.NewHandler(broadcaster, registry, boards)
	sweeper := protocol.NewSweeper(handler, cfg.Presence.SweepInterval, cfg.Presence.Timeout)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(upgrader, handler, cfg.WebSocket.MaxMessageSize))
	mux.HandleFunc("/health", healthHandler(store))
	mux.HandleFunc("/stats", statsHandler(broadcaster, handler, registry, boards))

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "port", cfg.Server.Port, "storage", cfg.Storage.Backend)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return boards.Run(ctx, cfg.Board.FlushInterval) })

	err = g.Wait()
	if store != nil {
		if cerr := store.Close(); cerr != nil {
			slog.Error("storage close error", "error", cerr)
		}
	}
	if err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func setupLogger(logLevel string) {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// openBackend returns nil for the in-memory backend.
func openBackend(cfg config.StorageConfig) (backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		s, err := redis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisBoardTTL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

func wsHandler(upgrader websocket.Upgrader, handler *protocol.Handler, maxMessageSize int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}

		wsConn := ws.NewConn(uuid.New().String(), conn, handler, maxMessageSize)
		slog.Debug("client connected", "clientId", wsConn.ID(), "remote", r.RemoteAddr)
		wsConn.Start()
	}
}

func healthHandler(store backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Health(ctx); err != nil {
				slog.Warn("storage unhealthy", "error", err)
				status = map[string]string{"status": "degraded", "storage": err.Error()}
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}

func statsHandler(broadcaster *hub.Hub, handler *protocol.Handler, registry *presence.Registry, boards *board.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, clients := broadcaster.Stats()
		_, participants := registry.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{
			"rooms":        int64(rooms),
			"clients":      int64(clients),
			"sessions":     int64(handler.Sessions()),
			"participants": int64(participants),
			"boards":       int64(boards.Stats()),
			"dropped":      broadcaster.Dropped(),
		})
	}
}
