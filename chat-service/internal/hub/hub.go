package hub

import (
	"sync"

	"github.com/weiawesome/wes-io-chat/chat-service/internal/config"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/metrics"
)

// Hub is the room membership of this gateway instance. Other instances are
// reached only through the backplane.
type Hub struct {
	clients map[string]*Client            // clientID -> client
	rooms   map[string]map[string]*Client // roomID -> clientID -> client
	mu      sync.RWMutex
	config  config.WebSocketConfig
	metrics *metrics.Gateway
}

func NewHub(cfg config.WebSocketConfig, m *metrics.Gateway) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		config:  cfg,
		metrics: m,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Connections.Set(float64(n))
	}
	l := log.L()
	l.Debug().Str(log.FieldClientID, client.ID).Msg("client registered")
}

// Unregister removes the client from every room and closes its send
// channel. It produces no broadcast and is safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if client.closed {
		h.mu.Unlock()
		return
	}
	for roomID := range client.rooms {
		h.removeFromRoom(client, roomID)
	}
	delete(h.clients, client.ID)
	client.closed = true
	close(client.Send)
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Connections.Set(float64(n))
	}
	l := log.L()
	l.Debug().Str(log.FieldClientID, client.ID).Msg("client unregistered")
}

// Join adds the client to the room. It reports whether the client was not
// a member yet; joining twice has no further effect.
func (h *Hub) Join(client *Client, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.closed {
		return false
	}
	if _, ok := client.rooms[roomID]; ok {
		return false
	}
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[string]*Client)
	}
	h.rooms[roomID][client.ID] = client
	client.rooms[roomID] = struct{}{}

	l := log.L()
	l.Info().Str(log.FieldClientID, client.ID).Str(log.FieldRoomID, roomID).Msg("client joined room")
	return true
}

// Leave removes the client from one room.
func (h *Hub) Leave(client *Client, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := client.rooms[roomID]; !ok {
		return false
	}
	h.removeFromRoom(client, roomID)

	l := log.L()
	l.Info().Str(log.FieldClientID, client.ID).Str(log.FieldRoomID, roomID).Msg("client left room")
	return true
}

// removeFromRoom must be called with h.mu held.
func (h *Hub) removeFromRoom(client *Client, roomID string) {
	delete(client.rooms, roomID)
	if members, ok := h.rooms[roomID]; ok {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// BroadcastLocal queues data for every local member of the room and returns
// how many members it was queued for. Members whose buffer is full are
// disconnected instead of stalling the room.
func (h *Hub) BroadcastLocal(roomID string, data []byte) int {
	var slow []*Client
	delivered := 0

	h.mu.RLock()
	for _, client := range h.rooms[roomID] {
		select {
		case client.Send <- data:
			delivered++
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.dropSlow(client, roomID)
	}
	return delivered
}

func (h *Hub) deliver(client *Client, data []byte) {
	h.mu.RLock()
	if client.closed {
		h.mu.RUnlock()
		return
	}
	select {
	case client.Send <- data:
		h.mu.RUnlock()
		return
	default:
	}
	h.mu.RUnlock()
	h.dropSlow(client, "")
}

func (h *Hub) dropSlow(client *Client, roomID string) {
	if h.metrics != nil {
		h.metrics.SlowClients.Inc()
	}
	l := log.L()
	l.Warn().Str(log.FieldClientID, client.ID).Str(log.FieldRoomID, roomID).Msg("send buffer full, disconnecting slow client")
	h.Unregister(client)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
