package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weiawesome/wes-io-chat/chat-service/internal/audit"
	"github.com/weiawesome/wes-io-chat/chat-service/internal/domain"
	"github.com/weiawesome/wes-io-chat/chat-service/internal/hub"
	"github.com/weiawesome/wes-io-chat/pkg/bus"
	"github.com/weiawesome/wes-io-chat/pkg/chat"
	"github.com/weiawesome/wes-io-chat/pkg/jwt"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/metrics"
	"github.com/weiawesome/wes-io-chat/pkg/pubsub"
)

// TokenValidator validates connection access tokens.
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

type Options struct {
	InstanceID     string
	AllowAnonymous bool
	// PublishTimeout bounds the backplane publish.
	PublishTimeout time.Duration
	// ResubscribeMaxDelay caps the wait between backplane resubscriptions.
	ResubscribeMaxDelay time.Duration
}

// SendResult reports the three independent legs of a send.
type SendResult struct {
	Local        int
	BackplaneErr error
	BusErr       error
}

type chatService struct {
	hub       *hub.Hub
	auth      TokenValidator
	publisher bus.Publisher
	backplane pubsub.PubSub
	metrics   *metrics.Gateway
	opts      Options
	ready     chan struct{}
}

// NewChatService wires the gateway. auth may be nil when only anonymous
// connections are accepted.
func NewChatService(
	h *hub.Hub,
	auth TokenValidator,
	publisher bus.Publisher,
	backplane pubsub.PubSub,
	m *metrics.Gateway,
	opts Options,
) ChatService {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.ResubscribeMaxDelay <= 0 {
		opts.ResubscribeMaxDelay = 10 * time.Second
	}
	return &chatService{
		hub:       h,
		auth:      auth,
		publisher: publisher,
		backplane: backplane,
		metrics:   m,
		opts:      opts,
		ready:     make(chan struct{}),
	}
}

func (s *chatService) Ready() <-chan struct{} {
	return s.ready
}

func (s *chatService) HandleAuth(ctx context.Context, c *hub.Client, token string) error {
	if s.auth == nil {
		c.SendMessage(&domain.AuthResultMessage{
			Type:    domain.MsgTypeAuthResult,
			Success: false,
			Message: "Authentication is not configured",
		})
		return errors.New("no token validator configured")
	}

	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		msg := "Invalid token"
		if errors.Is(err, jwt.ErrExpiredToken) {
			msg = "Token has expired"
		}
		c.SendMessage(&domain.AuthResultMessage{
			Type:    domain.MsgTypeAuthResult,
			Success: false,
			Message: msg,
		})
		audit.Log(ctx, audit.ActionAuthFailed, "", "", "client authentication failed")
		return fmt.Errorf("validate token: %w", err)
	}

	c.Session.Authenticate(claims.UserID, claims.Username)
	audit.Log(ctx, audit.ActionAuth, claims.UserID, "", "client authenticated")

	return c.SendMessage(&domain.AuthResultMessage{
		Type:     domain.MsgTypeAuthResult,
		Success:  true,
		UserID:   claims.UserID,
		Username: claims.Username,
	})
}

func (s *chatService) authorized(c *hub.Client) bool {
	if c.Session.IsAuthenticated() || s.opts.AllowAnonymous {
		return true
	}
	c.SendMessage(domain.NewErrorMessage(domain.ErrCodeUnauthorized, "Not authenticated"))
	return false
}

func (s *chatService) HandleJoinRoom(ctx context.Context, c *hub.Client, roomID string) error {
	if !s.authorized(c) {
		return nil
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "roomId is required"))
	}

	if s.hub.Join(c, roomID) {
		userID, _ := c.Session.Identity()
		audit.Log(ctx, audit.ActionJoinRoom, userID, roomID, "client joined room")
	}

	return c.SendMessage(&domain.RoomJoinedMessage{
		Type:   domain.MsgTypeRoomJoined,
		RoomID: roomID,
	})
}

func (s *chatService) HandleLeaveRoom(ctx context.Context, c *hub.Client, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "roomId is required"))
	}

	if s.hub.Leave(c, roomID) {
		userID, _ := c.Session.Identity()
		audit.Log(ctx, audit.ActionLeaveRoom, userID, roomID, "client left room")
	}

	return c.SendMessage(&domain.RoomMessage{
		Type:   domain.MsgTypeRoomLeft,
		RoomID: roomID,
	})
}

func (s *chatService) HandleSendMessage(ctx context.Context, c *hub.Client, in *domain.SendMessage) error {
	if !s.authorized(c) {
		return nil
	}
	roomID := strings.TrimSpace(in.RoomID)
	if roomID == "" {
		return c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "roomId is required"))
	}

	msg := chat.ChatMessage{
		RoomID:    roomID,
		Text:      in.Text,
		Timestamp: time.Now().UTC(),
	}
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		msg.Timestamp = in.Timestamp.UTC()
	}

	if c.Session.IsAuthenticated() {
		msg.UserID, msg.Username = c.Session.Identity()
	} else {
		msg.UserID, msg.Username = in.UserID, in.Username
		if msg.UserID == "" {
			msg.UserID = "anonymous-" + c.ID
		}
		if msg.Username == "" {
			msg.Username = "anonymous"
		}
	}

	s.Send(ctx, msg)
	audit.Log(ctx, audit.ActionSendMessage, msg.UserID, roomID, "message sent")
	return nil
}

// Send delivers msg to local room members, then hands it to the backplane
// and the bus. Neither publish is allowed to affect the other or the local
// delivery; failures are logged and counted only.
func (s *chatService) Send(ctx context.Context, msg chat.ChatMessage) SendResult {
	var res SendResult
	l := log.Ctx(ctx)

	frame, err := json.Marshal(domain.NewReceiveMessage(msg))
	if err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, msg.RoomID).Msg("failed to encode receive frame")
	} else {
		res.Local = s.hub.BroadcastLocal(msg.RoomID, frame)
		if s.metrics != nil {
			s.metrics.Broadcasts.Inc()
		}
	}

	res.BackplaneErr = s.publishBackplane(ctx, msg)
	if res.BackplaneErr != nil {
		if s.metrics != nil {
			s.metrics.BackplaneFailures.Inc()
		}
		l.Warn().Err(res.BackplaneErr).Str(log.FieldRoomID, msg.RoomID).Msg("backplane publish failed, other instances miss this message")
	}

	res.BusErr = s.publishBus(ctx, msg)
	if res.BusErr != nil {
		if s.metrics != nil {
			s.metrics.PublishFailures.Inc()
		}
		l.Warn().Err(res.BusErr).Str(log.FieldRoomID, msg.RoomID).Str(log.FieldRoutingKey, chat.RoutingKey(msg.RoomID)).Msg("publish dropped, message will not be persisted")
	}

	return res
}

func (s *chatService) publishBackplane(ctx context.Context, msg chat.ChatMessage) error {
	if s.backplane == nil {
		return nil
	}
	event, err := pubsub.NewEvent(pubsub.EventChatMessage, msg.RoomID, s.opts.InstanceID, pubsub.ChatMessagePayload{Message: msg})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()
	return s.backplane.Publish(ctx, pubsub.BroadcastChannel(msg.RoomID), event)
}

func (s *chatService) publishBus(ctx context.Context, msg chat.ChatMessage) error {
	if s.publisher == nil {
		return bus.ErrNotConnected
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return s.publisher.Publish(ctx, chat.RoutingKey(msg.RoomID), body)
}

func (s *chatService) HandleDisconnect(ctx context.Context, c *hub.Client) {
	userID, _ := c.Session.Identity()
	audit.Log(ctx, audit.ActionDisconnect, userID, "", "client disconnected")
}

func (s *chatService) Listen(ctx context.Context) error {
	if s.backplane == nil {
		close(s.ready)
		<-ctx.Done()
		return nil
	}
	l := log.L()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.opts.ResubscribeMaxDelay
	bo.MaxElapsedTime = 0

	first := true
	for {
		events, err := s.backplane.SubscribePattern(ctx, pubsub.PatternRoomBroadcast)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := bo.NextBackOff()
			l.Warn().Err(err).Dur(log.FieldDelay, delay).Msg("backplane subscribe failed, retrying")
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		bo.Reset()
		if first {
			close(s.ready)
			first = false
		}
		l.Info().Str("pattern", pubsub.PatternRoomBroadcast).Msg("backplane subscribed")

		for event := range events {
			s.relay(event)
		}

		if ctx.Err() != nil {
			return nil
		}
		delay := bo.NextBackOff()
		l.Warn().Dur(log.FieldDelay, delay).Msg("backplane subscription closed, resubscribing")
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

// relay delivers an event from another instance to local members only. It
// never republishes.
func (s *chatService) relay(event *pubsub.Event) {
	if event.Origin == s.opts.InstanceID || event.Type != pubsub.EventChatMessage {
		return
	}
	l := log.L()

	var payload pubsub.ChatMessagePayload
	if err := event.UnmarshalPayload(&payload); err != nil {
		l.Warn().Err(err).Str(log.FieldRoomID, event.RoomID).Msg("dropping malformed backplane event")
		return
	}
	if payload.Message.RoomID == "" {
		payload.Message.RoomID = event.RoomID
	}

	frame, err := json.Marshal(domain.NewReceiveMessage(payload.Message))
	if err != nil {
		return
	}
	s.hub.BroadcastLocal(payload.Message.RoomID, frame)
	if s.metrics != nil {
		s.metrics.Broadcasts.Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
