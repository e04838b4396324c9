package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/weiawesome/wes-io-chat/pkg/chat"
)

// CassandraConfig holds Cassandra connection settings. The keyspace must
// already exist.
type CassandraConfig struct {
	Hosts           []string      `mapstructure:"hosts"`
	Keyspace        string        `mapstructure:"keyspace"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Consistency     string        `mapstructure:"consistency"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Timeout         time.Duration `mapstructure:"timeout"`
	NumConns        int           `mapstructure:"num_conns"`
	MaxPreparedStmt int           `mapstructure:"max_prepared_stmt"`
}

const cassandraSchema = `
	CREATE TABLE IF NOT EXISTS messages_by_room (
		room_id    text,
		created_at timestamp,
		message_id timeuuid,
		user_id    text,
		username   text,
		content    text,
		PRIMARY KEY ((room_id), created_at, message_id)
	) WITH CLUSTERING ORDER BY (created_at DESC, message_id DESC)`

// Cassandra stores messages in one partition per room, clustered newest
// first so the recent page is a single slice read.
type Cassandra struct {
	session *gocql.Session
}

// NewCassandra creates a session against the configured cluster.
func NewCassandra(cfg CassandraConfig) (*Cassandra, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Timeout = cfg.Timeout
	if cfg.NumConns > 0 {
		cluster.NumConns = cfg.NumConns
	}
	if cfg.MaxPreparedStmt > 0 {
		cluster.MaxPreparedStmts = cfg.MaxPreparedStmt
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	// Retry policy for resilience
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}

	return &Cassandra{session: session}, nil
}

// Append inserts the message under a fresh timeuuid, so a redelivered
// message becomes a second row.
func (c *Cassandra) Append(ctx context.Context, msg *chat.ChatMessage) error {
	query := `
		INSERT INTO messages_by_room (
			room_id, created_at, message_id, user_id, username, content
		) VALUES (?, ?, ?, ?, ?, ?)`

	err := c.session.Query(query,
		msg.RoomID,
		msg.Timestamp,
		gocql.TimeUUID(),
		msg.UserID,
		msg.Username,
		msg.Text,
	).WithContext(ctx).Exec()
	if err != nil {
		return unavailable("failed to save message", err)
	}

	return nil
}

func (c *Cassandra) Recent(ctx context.Context, roomID string, limit int) ([]chat.ChatMessage, error) {
	query := `SELECT room_id, user_id, username, content, created_at
			  FROM messages_by_room
			  WHERE room_id = ?
			  LIMIT ?`

	iter := c.session.Query(query, roomID, limit).WithContext(ctx).Iter()

	messages := make([]chat.ChatMessage, 0, limit)
	var msg chat.ChatMessage
	for iter.Scan(&msg.RoomID, &msg.UserID, &msg.Username, &msg.Text, &msg.Timestamp) {
		msg.Timestamp = msg.Timestamp.UTC()
		messages = append(messages, msg)
		msg = chat.ChatMessage{}
	}

	if err := iter.Close(); err != nil {
		return nil, unavailable("failed to iterate messages", err)
	}

	return oldestFirst(messages), nil
}

func (c *Cassandra) Migrate(ctx context.Context) error {
	if err := c.session.Query(cassandraSchema).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create messages_by_room: %w", err)
	}
	return nil
}

func (c *Cassandra) Flush(ctx context.Context) error {
	if err := c.session.Query(`TRUNCATE messages_by_room`).WithContext(ctx).Exec(); err != nil {
		return unavailable("failed to truncate messages_by_room", err)
	}
	return nil
}

func (c *Cassandra) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return nil
}

// parseConsistency converts a string consistency level to gocql.Consistency.
func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "THREE":
		return gocql.Three
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "EACH_QUORUM":
		return gocql.EachQuorum
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.LocalQuorum
	}
}
