package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-chat/pkg/chat"
	"github.com/weiawesome/wes-io-chat/pkg/database"
)

// messageRecord is the row layout of the SQL store.
type messageRecord struct {
	ID       uint64    `gorm:"primaryKey;autoIncrement"`
	RoomID   string    `gorm:"size:255;not null;index:idx_room_sent,priority:1"`
	UserID   string    `gorm:"size:255"`
	Username string    `gorm:"size:255"`
	Content  string    `gorm:"type:text"`
	SentAt   time.Time `gorm:"not null;index:idx_room_sent,priority:2"`
}

func (messageRecord) TableName() string {
	return "chat_messages"
}

func (r *messageRecord) toMessage() chat.ChatMessage {
	return chat.ChatMessage{
		RoomID:    r.RoomID,
		UserID:    r.UserID,
		Username:  r.Username,
		Text:      r.Content,
		Timestamp: r.SentAt.UTC(),
	}
}

// SQL stores messages through GORM on postgres, mysql or sqlite.
type SQL struct {
	db *gorm.DB
}

// NewSQL opens the database described by cfg.
func NewSQL(cfg *database.Config) (*SQL, error) {
	db, err := database.New(cfg)
	if err != nil {
		return nil, err
	}
	return &SQL{db: db}, nil
}

// NewSQLFromDB wraps an existing connection.
func NewSQLFromDB(db *gorm.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) Append(ctx context.Context, msg *chat.ChatMessage) error {
	rec := messageRecord{
		RoomID:   msg.RoomID,
		UserID:   msg.UserID,
		Username: msg.Username,
		Content:  msg.Text,
		SentAt:   msg.Timestamp.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return unavailable("failed to insert message", err)
	}
	return nil
}

func (s *SQL) Recent(ctx context.Context, roomID string, limit int) ([]chat.ChatMessage, error) {
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("sent_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, unavailable("failed to query messages", err)
	}

	messages := make([]chat.ChatMessage, len(recs))
	for i := range recs {
		messages[i] = recs[i].toMessage()
	}
	return oldestFirst(messages), nil
}

func (s *SQL) Migrate(ctx context.Context) error {
	if err := database.AutoMigrate(s.db.WithContext(ctx), &messageRecord{}); err != nil {
		return fmt.Errorf("failed to migrate chat_messages: %w", err)
	}
	return nil
}

func (s *SQL) Flush(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&messageRecord{}).Error
	if err != nil {
		return unavailable("failed to delete messages", err)
	}
	return nil
}

func (s *SQL) Close() error {
	return database.Close(s.db)
}
