package domain

import (
	"time"

	"github.com/weiawesome/wes-io-chat/pkg/chat"
)

// WebSocket message types from client.
const (
	MsgTypeAuth        = "auth"
	MsgTypeJoinRoom    = "join_room"
	MsgTypeLeaveRoom   = "leave_room"
	MsgTypeSendMessage = "send_message"
	MsgTypePing        = "ping"

	// Event names used by the first web client.
	MsgTypeJoinRoomLegacy    = "joinRoom"
	MsgTypeLeaveRoomLegacy   = "leaveRoom"
	MsgTypeSendMessageLegacy = "sendMessage"
)

// WebSocket message types to client.
const (
	MsgTypeAuthResult     = "auth_result"
	MsgTypeRoomJoined     = "room_joined"
	MsgTypeRoomLeft       = "room_left"
	MsgTypeReceiveMessage = "receive_message"
	MsgTypeError          = "error"
	MsgTypePong           = "pong"
)

// Error codes
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeBadRequest   = "BAD_REQUEST"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type RoomMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// SendMessage is what a client sends to post into a room. UserID and
// Username are only honoured for anonymous connections.
type SendMessage struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"roomId"`
	UserID    string     `json:"userId,omitempty"`
	Username  string     `json:"username,omitempty"`
	Text      string     `json:"text"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Server -> Client messages

type AuthResultMessage struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

type RoomJoinedMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type ReceiveMessage struct {
	Type    string           `json:"type"`
	Message chat.ChatMessage `json:"message"`
}

func NewReceiveMessage(msg chat.ChatMessage) *ReceiveMessage {
	return &ReceiveMessage{Type: MsgTypeReceiveMessage, Message: msg}
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}
