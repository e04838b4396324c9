// Package cache holds the read-through cache of recent room history.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/weiawesome/wes-io-chat/pkg/chat"
)

var ErrCacheMiss = errors.New("cache miss")

// DefaultPrefix is the key prefix of cached room histories.
const DefaultPrefix = "chat:history"

// HistoryCache caches the recent-history page of a room as one entry.
type HistoryCache interface {
	// Get returns ErrCacheMiss when the room has no entry.
	Get(ctx context.Context, roomID string) ([]chat.ChatMessage, error)
	Set(ctx context.Context, roomID string, messages []chat.ChatMessage, ttl time.Duration) error
	// Invalidate removes the room's entry. Removing a missing entry is not an error.
	Invalidate(ctx context.Context, roomID string) error
	// Flush removes every cached history and reports how many were removed.
	Flush(ctx context.Context) (int, error)
	Close() error
}

// Config holds Redis connection settings for the cache.
type Config struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Address: "localhost:6379",
		Prefix:  DefaultPrefix,
		TTL:     24 * time.Hour,
	}
}
