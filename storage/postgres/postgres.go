package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/NeonX18/whiteboard-app-backend/domain"
)

// BoardRecord is one room's board, lines and shapes kept as JSON arrays.
type BoardRecord struct {
	RoomID    string    `gorm:"primaryKey;size:255"`
	Lines     string    `gorm:"type:jsonb;not null"`
	Shapes    string    `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (BoardRecord) TableName() string {
	return "whiteboard_boards"
}

type BoardStore struct {
	db *gorm.DB
}

func New(dsn string) (*BoardStore, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&BoardRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("postgres connected")
	return &BoardStore{db: db}, nil
}

func (s *BoardStore) Load(ctx context.Context, roomID string) (domain.Board, bool, error) {
	var rec BoardRecord
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Board{}, false, nil
	}
	if err != nil {
		return domain.Board{}, false, fmt.Errorf("select board: %w", err)
	}

	var b domain.Board
	if err := json.Unmarshal([]byte(rec.Lines), &b.Lines); err != nil {
		return domain.Board{}, false, fmt.Errorf("decode lines: %w", err)
	}
	if err := json.Unmarshal([]byte(rec.Shapes), &b.Shapes); err != nil {
		return domain.Board{}, false, fmt.Errorf("decode shapes: %w", err)
	}
	return b, true, nil
}

// Save upserts the room's board.
func (s *BoardStore) Save(ctx context.Context, roomID string, b domain.Board) error {
	lines, err := marshalItems(b.Lines)
	if err != nil {
		return fmt.Errorf("encode lines: %w", err)
	}
	shapes, err := marshalItems(b.Shapes)
	if err != nil {
		return fmt.Errorf("encode shapes: %w", err)
	}

	rec := BoardRecord{RoomID: roomID, Lines: lines, Shapes: shapes}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"lines", "shapes", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert board: %w", err)
	}
	return nil
}

func (s *BoardStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *BoardStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func marshalItems(items []json.RawMessage) (string, error) {
	if items == nil {
		items = []json.RawMessage{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
