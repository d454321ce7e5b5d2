package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"socialchat/internal/metrics"
)

// allRoom addresses every connection on every instance.
const allRoom = "*"

func UserRoom(userID string) string { return "user:" + userID }

func ConversationRoom(conversationID string) string { return "conv:" + conversationID }

// Relay carries room emits between server instances. Start subscribes and
// then calls deliver for every emit published by any instance, this one
// included.
type Relay interface {
	Publish(ctx context.Context, room string, data []byte) error
	Start(ctx context.Context, deliver func(room string, data []byte)) error
}

// Hub is the connection registry: it tracks which clients are in which
// rooms and fans events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	relay   Relay
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// UseRelay routes emits through relay. It must be called before Start.
func (h *Hub) UseRelay(relay Relay) {
	h.relay = relay
}

// Start subscribes to the relay, if any. Delivery stops when ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	return h.relay.Start(ctx, h.deliverLocal)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.Connections.Inc()
	h.logger.Debug("client connected",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.Int("total", total))
}

// unregister removes c from the registry and every room it joined. It
// reports false if c was already gone.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.Connections.Dec()
	h.logger.Debug("client disconnected",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.Int("remaining", total))
	return true
}

func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// InRoom reports whether c currently receives emits for room.
func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// RoomSize is the number of local connections subscribed to room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit sends event to every connection in room.
func (h *Hub) Emit(room, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.emitRaw(room, data)
}

// EmitToUser sends event to all of a user's connections.
func (h *Hub) EmitToUser(userID, event string, payload any) {
	h.Emit(UserRoom(userID), event, payload)
}

// EmitAll sends event to every connection.
func (h *Hub) EmitAll(event string, payload any) {
	h.Emit(allRoom, event, payload)
}

func (h *Hub) emitRaw(room string, data []byte) {
	if h.relay == nil {
		h.deliverLocal(room, data)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.relay.Publish(ctx, room, data); err != nil {
		// Local sockets still get the event when the relay is down.
		h.logger.Warn("relay publish failed", zap.String("room", room), zap.Error(err))
		h.deliverLocal(room, data)
	}
}

func (h *Hub) deliverLocal(room string, data []byte) {
	h.mu.RLock()
	var targets []*Client
	if room == allRoom {
		targets = make([]*Client, 0, len(h.clients))
		for c := range h.clients {
			targets = append(targets, c)
		}
	} else {
		members := h.rooms[room]
		targets = make([]*Client, 0, len(members))
		for c := range members {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.trySend(data) {
			h.logger.Warn("send buffer full, dropping client",
				zap.String("conn_id", c.id),
				zap.String("user_id", c.userID))
			metrics.DroppedClients.Inc()
			c.closeSend()
		}
	}
}
