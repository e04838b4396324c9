package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-chat/chat-service/internal/config"
	"github.com/weiawesome/wes-io-chat/chat-service/internal/domain"
	"github.com/weiawesome/wes-io-chat/pkg/log"
)

// Client is one websocket connection. Outbound frames go through Send,
// which only the writer goroutine drains; the hub closes it on removal.
type Client struct {
	ID      string
	Hub     *Hub
	Conn    *websocket.Conn
	Send    chan []byte
	Session *domain.Session
	config  config.WebSocketConfig

	// guarded by Hub.mu
	rooms  map[string]struct{}
	closed bool
}

func NewClient(id string, hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	size := cfg.SendBuffer
	if size <= 0 {
		size = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &Client{
		ID:      id,
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, size),
		Session: domain.NewSession(id),
		config:  cfg,
		rooms:   make(map[string]struct{}),
	}
}

// Serve runs the connection until the peer goes away or the hub drops it.
// Frames are handed to onFrame in arrival order; onClose runs once, after
// the client has left every room.
func (c *Client) Serve(onFrame func(*Client, []byte), onClose func(*Client)) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer c.Conn.Close()
		c.writeLoop()
	}()

	c.readLoop(onFrame)

	c.Hub.Unregister(c)
	<-writerDone
	if onClose != nil {
		onClose(c)
	}
}

func (c *Client) readLoop(onFrame func(*Client, []byte)) {
	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	extend := func() { c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait)) }
	extend()
	c.Conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		kind, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l := log.L()
				l.Debug().Err(err).Str(log.FieldClientID, c.ID).Msg("connection dropped")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		onFrame(c, frame)
	}
}

// writeLoop sends queued frames and keepalive pings until Send is closed
// or a write fails. Serve closes the connection afterwards, which also
// unblocks the reader.
func (c *Client) writeLoop() {
	ping := time.NewTicker(c.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case frame, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues a reply for this client only. A client whose buffer
// is full is disconnected.
func (c *Client) SendMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	c.Hub.deliver(c, data)
	return nil
}
