package chat

import (
	"errors"
	"strings"
	"time"
)

// Bus topology shared by the gateway, the persist consumer and chatctl.
const (
	Exchange       = "chat_exchange"
	Queue          = "message_persist_queue"
	RoutingPrefix  = "messages"
	BindingPattern = RoutingPrefix + ".*"
)

var ErrInvalidMessage = errors.New("invalid chat message")

// ChatMessage is the unit relayed by the gateway, stored by the persist
// consumer and served by the history service. It is never mutated after
// creation.
type ChatMessage struct {
	RoomID    string    `json:"roomId" bson:"roomId"`
	UserID    string    `json:"userId" bson:"userId"`
	Username  string    `json:"username" bson:"username"`
	Text      string    `json:"text" bson:"text"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Validate only checks what the pipeline needs to route the message.
// Text is validated by the producing client.
func (m *ChatMessage) Validate() error {
	if m == nil || strings.TrimSpace(m.RoomID) == "" {
		return ErrInvalidMessage
	}
	return nil
}

// RoutingKey returns the bus routing key for a room.
func RoutingKey(roomID string) string {
	return RoutingPrefix + "." + roomID
}

// RoomFromRoutingKey is the inverse of RoutingKey.
func RoomFromRoutingKey(key string) (string, bool) {
	roomID, ok := strings.CutPrefix(key, RoutingPrefix+".")
	if !ok || roomID == "" {
		return "", false
	}
	return roomID, true
}
