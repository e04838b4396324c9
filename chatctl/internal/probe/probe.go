// Package probe runs an end-to-end check of the chat pipeline: two
// websocket clients exchange a message through the gateway, then the
// history API is polled until the message has been persisted.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-chat/pkg/chat"
	"github.com/weiawesome/wes-io-chat/pkg/log"
)

var ErrNotPersisted = errors.New("message did not reach history in time")

type Options struct {
	GatewayURL string // ws://host:3003/chat/ws
	HistoryURL string // http://host:3002
	Room       string
	Token      string // empty connects anonymously
	Timeout    time.Duration
	Poll       time.Duration
}

// Result reports how long each stage of the pipeline took.
type Result struct {
	Text      string
	Delivered time.Duration
	Persisted time.Duration
}

type frame struct {
	Type    string           `json:"type"`
	Success bool             `json:"success"`
	Code    string           `json:"code"`
	Message json.RawMessage  `json:"message"`
	Chat    chat.ChatMessage `json:"-"`
}

func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	l := log.Ctx(ctx)

	sender, err := connect(ctx, opts, "sender")
	if err != nil {
		return nil, err
	}
	defer sender.Close()

	receiver, err := connect(ctx, opts, "receiver")
	if err != nil {
		return nil, err
	}
	defer receiver.Close()

	res := &Result{Text: "probe " + uuid.NewString()}
	start := time.Now()
	if err := sender.WriteJSON(map[string]string{
		"type":     "send_message",
		"roomId":   opts.Room,
		"userId":   "chatctl-probe",
		"username": "probe",
		"text":     res.Text,
	}); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	for name, conn := range map[string]*websocket.Conn{"sender": sender, "receiver": receiver} {
		if err := awaitText(ctx, conn, res.Text); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	res.Delivered = time.Since(start)
	l.Info().Dur("delivered", res.Delivered).Str(log.FieldRoomID, opts.Room).Msg("realtime delivery ok")

	if opts.HistoryURL == "" {
		return res, nil
	}
	if err := pollHistory(ctx, opts, res.Text); err != nil {
		return res, err
	}
	res.Persisted = time.Since(start)
	l.Info().Dur("persisted", res.Persisted).Str(log.FieldRoomID, opts.Room).Msg("message found in history")
	return res, nil
}

// connect dials the gateway, authenticates when a token is set and joins
// the probe room.
func connect(ctx context.Context, opts Options, name string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.GatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: dial %s: %w", name, opts.GatewayURL, err)
	}

	if opts.Token != "" {
		if err := conn.WriteJSON(map[string]string{"type": "auth", "token": opts.Token}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: auth: %w", name, err)
		}
		f, err := await(ctx, conn, "auth_result")
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: auth: %w", name, err)
		}
		if !f.Success {
			conn.Close()
			return nil, fmt.Errorf("%s: auth rejected", name)
		}
	}

	if err := conn.WriteJSON(map[string]string{"type": "join_room", "roomId": opts.Room}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: join: %w", name, err)
	}
	if _, err := await(ctx, conn, "room_joined"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: join: %w", name, err)
	}
	return conn, nil
}

// await reads frames until one of type typ arrives. An error frame fails.
func await(ctx context.Context, conn *websocket.Conn, typ string) (*frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return nil, err
		}
		switch f.Type {
		case typ:
			if typ == "receive_message" {
				if err := json.Unmarshal(f.Message, &f.Chat); err != nil {
					return nil, fmt.Errorf("decode message: %w", err)
				}
			}
			return &f, nil
		case "error":
			var text string
			json.Unmarshal(f.Message, &text)
			return nil, fmt.Errorf("gateway error %s: %s", f.Code, text)
		}
	}
}

func awaitText(ctx context.Context, conn *websocket.Conn, text string) error {
	for {
		f, err := await(ctx, conn, "receive_message")
		if err != nil {
			return err
		}
		if f.Chat.Text == text {
			return nil
		}
	}
}

func pollHistory(ctx context.Context, opts Options, text string) error {
	endpoint := fmt.Sprintf("%s/history/%s", opts.HistoryURL, url.PathEscape(opts.Room))
	ticker := time.NewTicker(opts.Poll)
	defer ticker.Stop()

	for {
		found, err := historyContains(ctx, endpoint, text)
		if err == nil && found {
			return nil
		}
		if err != nil {
			l := log.Ctx(ctx)
			l.Debug().Err(err).Msg("history poll failed")
		}

		select {
		case <-ctx.Done():
			return ErrNotPersisted
		case <-ticker.C:
		}
	}
}

func historyContains(ctx context.Context, endpoint, text string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("history returned %s", resp.Status)
	}

	var msgs []chat.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.Text == text {
			return true, nil
		}
	}
	return false, nil
}
