// Package store is the durable history of chat messages. It is append-only:
// the persist consumer appends, the history service reads the most recent
// messages of a room.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-chat/pkg/chat"
	"github.com/weiawesome/wes-io-chat/pkg/database"
)

// ErrUnavailable wraps driver errors that mean the store could not be
// reached, as opposed to a bad request.
var ErrUnavailable = errors.New("history store unavailable")

// Store is implemented by every history store driver. All methods are safe
// for concurrent use.
type Store interface {
	// Append writes msg as a new record. Appending the same message twice
	// stores two records.
	Append(ctx context.Context, msg *chat.ChatMessage) error

	// Recent returns at most limit messages of the room, the most recent
	// ones, ordered oldest first.
	Recent(ctx context.Context, roomID string, limit int) ([]chat.ChatMessage, error)

	// Migrate creates tables and indexes. It is idempotent.
	Migrate(ctx context.Context) error

	// Flush deletes every stored message.
	Flush(ctx context.Context) error

	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver    string          `mapstructure:"driver"` // cassandra, mongo, sql
	Timeout   time.Duration   `mapstructure:"timeout"`
	Cassandra CassandraConfig `mapstructure:"cassandra"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	SQL       database.Config `mapstructure:"sql"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver:  "cassandra",
		Timeout: 5 * time.Second,
		Cassandra: CassandraConfig{
			Hosts:           []string{"localhost:9042"},
			Keyspace:        "chat",
			Consistency:     "LOCAL_QUORUM",
			ConnectTimeout:  10 * time.Second,
			Timeout:         5 * time.Second,
			NumConns:        2,
			MaxPreparedStmt: 1000,
		},
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "chat",
			Collection: "messages",
		},
		SQL: database.Config{
			Driver:   "sqlite",
			FilePath: "chat.db",
		},
	}
}

// New connects the configured driver.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "cassandra", "":
		s, err := NewCassandra(cfg.Cassandra)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mongo", "mongodb":
		s, err := NewMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sql", "gorm":
		s, err := NewSQL(&cfg.SQL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// oldestFirst reverses a newest-first page in place.
func oldestFirst(msgs []chat.ChatMessage) []chat.ChatMessage {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
