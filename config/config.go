package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Presence  PresenceConfig
	Board     BoardConfig
	Storage   StorageConfig
}

type ServerConfig struct {
	Port     string
	LogLevel string
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
}

type PresenceConfig struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Palette       []string
}

type BoardConfig struct {
	MaxItems      int
	SaveBatch     int
	FlushInterval time.Duration
}

type StorageConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisBoardTTL time.Duration
	DatabaseURL   string
}

// Load reads .env when present and then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	return &Config{
		Server: ServerConfig{
			Port:     getEnv("PORT", "8080"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getInt("WS_WRITE_BUFFER_SIZE", 1024),
			MaxMessageSize:  int64(getInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		},
		Presence: PresenceConfig{
			Timeout:       getDuration("PRESENCE_TIMEOUT", 30*time.Second),
			SweepInterval: getDuration("SWEEP_INTERVAL", 10*time.Second),
			Palette:       getList("PALETTE", nil),
		},
		Board: BoardConfig{
			MaxItems:      getInt("BOARD_MAX_ITEMS", 5000),
			SaveBatch:     getInt("BOARD_SAVE_BATCH", 20),
			FlushInterval: getDuration("BOARD_FLUSH_INTERVAL", 5*time.Second),
		},
		Storage: StorageConfig{
			Backend:       strings.ToLower(getEnv("STORAGE_BACKEND", BackendMemory)),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getInt("REDIS_DB", 0),
			RedisBoardTTL: getDuration("REDIS_BOARD_TTL", 24*time.Hour),
			DatabaseURL:   getEnv("DATABASE_URL", ""),
		},
	}
}

func (c *Config) Validate() error {
	if c.Presence.Timeout <= 0 {
		return fmt.Errorf("%w: PRESENCE_TIMEOUT must be positive", ErrInvalid)
	}
	if c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("%w: SWEEP_INTERVAL must be positive", ErrInvalid)
	}
	if c.Board.MaxItems < 0 {
		return fmt.Errorf("%w: BOARD_MAX_ITEMS must not be negative", ErrInvalid)
	}
	if c.Board.FlushInterval <= 0 {
		return fmt.Errorf("%w: BOARD_FLUSH_INTERVAL must be positive", ErrInvalid)
	}
	for _, color := range c.Presence.Palette {
		if !isHexColor(color) {
			return fmt.Errorf("%w: palette entry %q is not a #RRGGBB color", ErrInvalid, color)
		}
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown STORAGE_BACKEND %q", ErrInvalid, c.Storage.Backend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		slog.Warn("ignoring invalid integer", "key", key, "value", value)
	}
	return defaultValue
}

// getDuration accepts Go durations ("30s") or a bare number of seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	slog.Warn("ignoring invalid duration", "key", key, "value", value)
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	_, err := strconv.ParseUint(s[1:], 16, 32)
	return err == nil
}
