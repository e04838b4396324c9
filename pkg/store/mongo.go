package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/weiawesome/wes-io-chat/pkg/chat"
)

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// Mongo stores one document per message. Documents get a generated _id so
// duplicates are kept as separate documents.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongo connects and pings the server.
func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &Mongo{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

func (m *Mongo) Append(ctx context.Context, msg *chat.ChatMessage) error {
	if _, err := m.coll.InsertOne(ctx, msg); err != nil {
		return unavailable("failed to insert message", err)
	}
	return nil
}

func (m *Mongo) Recent(ctx context.Context, roomID string, limit int) ([]chat.ChatMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := m.coll.Find(ctx, bson.M{"roomId": roomID}, opts)
	if err != nil {
		return nil, unavailable("failed to query messages", err)
	}

	messages := make([]chat.ChatMessage, 0, limit)
	if err := cur.All(ctx, &messages); err != nil {
		return nil, unavailable("failed to decode messages", err)
	}
	for i := range messages {
		messages[i].Timestamp = messages[i].Timestamp.UTC()
	}

	return oldestFirst(messages), nil
}

func (m *Mongo) Migrate(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "roomId", Value: 1}, {Key: "timestamp", Value: -1}},
		Options: options.Index().SetName("room_recent"),
	})
	if err != nil {
		return fmt.Errorf("failed to create room_recent index: %w", err)
	}
	return nil
}

func (m *Mongo) Flush(ctx context.Context) error {
	if _, err := m.coll.DeleteMany(ctx, bson.M{}); err != nil {
		return unavailable("failed to delete messages", err)
	}
	return nil
}

func (m *Mongo) Close() error {
	return m.client.Disconnect(context.Background())
}
