package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	"go.uber.org/zap"
)

const sendBuffer = 256

// Client is one authenticated socket. ReadPump and WritePump each run in
// their own goroutine.
type Client struct {
	id      string
	hub     *Hub
	gw      *Gateway
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	limiter *rate.Limiter

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(gw *Gateway, conn *websocket.Conn, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:     uuid.NewString(),
		hub:    gw.hub,
		gw:     gw,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		rooms:  make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if gw.opts.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(gw.opts.RatePerSecond), gw.opts.RateBurst)
	}
	return c
}

func (c *Client) UserID() string { return c.userID }

// trySend queues data without blocking. It reports false when the buffer
// is full; sends to a closed client are dropped silently.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend stops the write pump, which closes the connection.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) emit(event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		c.gw.logger.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.closeSend()
	}
}

// ReadPump reads events until the connection fails, dispatching each one
// before reading the next.
func (c *Client) ReadPump() {
	defer c.gw.disconnect(c)

	opts := c.gw.opts
	c.conn.SetReadLimit(opts.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.gw.logger.Debug("read error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		c.gw.handle(c, message)
	}
}

// WritePump drains the send buffer and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	opts := c.gw.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
