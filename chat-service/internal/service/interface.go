package service

import (
	"context"

	"github.com/weiawesome/wes-io-chat/chat-service/internal/domain"
	"github.com/weiawesome/wes-io-chat/chat-service/internal/hub"
)

type ChatService interface {
	HandleAuth(ctx context.Context, client *hub.Client, token string) error
	HandleJoinRoom(ctx context.Context, client *hub.Client, roomID string) error
	HandleLeaveRoom(ctx context.Context, client *hub.Client, roomID string) error
	HandleSendMessage(ctx context.Context, client *hub.Client, msg *domain.SendMessage) error
	HandleDisconnect(ctx context.Context, client *hub.Client)

	// Listen relays backplane events from other instances to local room
	// members until ctx is done.
	Listen(ctx context.Context) error

	// Ready is closed once the first backplane subscription is in place.
	Ready() <-chan struct{}
}
