package pubsub

import (
	"fmt"

	"github.com/weiawesome/wes-io-chat/pkg/chat"
)

// Channel naming for the gateway broadcast backplane.
const (
	ChannelRoomBroadcast = "chat:room:%s:broadcast"

	// PatternRoomBroadcast matches the broadcast channel of every room.
	PatternRoomBroadcast = "chat:room:*:broadcast"
)

// Event types carried on the backplane.
const (
	EventChatMessage = "chat_message"
)

// BroadcastChannel returns the backplane channel for a room.
func BroadcastChannel(roomID string) string {
	return fmt.Sprintf(ChannelRoomBroadcast, roomID)
}

// ChatMessagePayload is the payload of an EventChatMessage.
type ChatMessagePayload struct {
	Message chat.ChatMessage `json:"message"`
}
