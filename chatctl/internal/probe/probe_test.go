package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-chat/pkg/chat"
)

// fakePipeline is a single-room gateway that persists every message it
// relays, optionally after a delay.
type fakePipeline struct {
	mu       sync.Mutex
	conns    []*websocket.Conn
	history  []chat.ChatMessage
	persist  bool
	token    string
	upgrader websocket.Upgrader
}

func (p *fakePipeline) gateway(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var in struct {
			Type   string `json:"type"`
			Token  string `json:"token"`
			RoomID string `json:"roomId"`
			Text   string `json:"text"`
		}
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		switch in.Type {
		case "auth":
			p.write(conn, map[string]interface{}{"type": "auth_result", "success": in.Token == p.token})
		case "join_room":
			p.mu.Lock()
			p.conns = append(p.conns, conn)
			p.mu.Unlock()
			p.write(conn, map[string]string{"type": "room_joined", "roomId": in.RoomID})
		case "send_message":
			msg := chat.ChatMessage{RoomID: in.RoomID, Text: in.Text, Timestamp: time.Now().UTC()}
			p.mu.Lock()
			conns := append([]*websocket.Conn(nil), p.conns...)
			p.mu.Unlock()
			for _, c := range conns {
				p.write(c, map[string]interface{}{"type": "receive_message", "message": msg})
			}
			if p.persist {
				go func() {
					time.Sleep(50 * time.Millisecond)
					p.mu.Lock()
					p.history = append(p.history, msg)
					p.mu.Unlock()
				}()
			}
		}
	}
}

func (p *fakePipeline) write(conn *websocket.Conn, v interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.WriteJSON(v)
}

func (p *fakePipeline) historyHandler(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.history
	if msgs == nil {
		msgs = []chat.ChatMessage{}
	}
	json.NewEncoder(w).Encode(msgs)
}

func start(t *testing.T, p *fakePipeline) Options {
	t.Helper()
	gw := httptest.NewServer(http.HandlerFunc(p.gateway))
	t.Cleanup(gw.Close)
	hist := httptest.NewServer(http.HandlerFunc(p.historyHandler))
	t.Cleanup(hist.Close)

	return Options{
		GatewayURL: "ws" + strings.TrimPrefix(gw.URL, "http"),
		HistoryURL: hist.URL,
		Room:       "general",
		Timeout:    2 * time.Second,
		Poll:       20 * time.Millisecond,
	}
}

func TestProbeSucceeds(t *testing.T) {
	opts := start(t, &fakePipeline{persist: true})

	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Text, "probe "))
	assert.Greater(t, res.Persisted, res.Delivered)
}

func TestProbeWithToken(t *testing.T) {
	opts := start(t, &fakePipeline{persist: true, token: "secret-token"})
	opts.Token = "secret-token"

	_, err := Run(context.Background(), opts)
	require.NoError(t, err)

	opts.Token = "wrong"
	_, err = Run(context.Background(), opts)
	assert.ErrorContains(t, err, "auth rejected")
}

func TestProbeReportsMissingHistory(t *testing.T) {
	opts := start(t, &fakePipeline{persist: false})
	opts.Timeout = 300 * time.Millisecond

	res, err := Run(context.Background(), opts)
	assert.ErrorIs(t, err, ErrNotPersisted)
	require.NotNil(t, res)
	assert.Greater(t, res.Delivered, time.Duration(0))
}

func TestProbeRealtimeOnly(t *testing.T) {
	opts := start(t, &fakePipeline{})
	opts.HistoryURL = ""

	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Zero(t, res.Persisted)
}
