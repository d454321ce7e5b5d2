// Package websocket is the realtime gateway: authenticated sockets, room
// membership and event dispatch.
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"socialchat/internal/apperr"
	"socialchat/internal/db"
	"socialchat/internal/messages"
	"socialchat/internal/metrics"
	"socialchat/internal/models"
)

const (
	ReadScopeRoom = "room"
	ReadScopeAll  = "all"
)

type Verifier interface {
	Verify(token string) (userID string, err error)
}

// Users confirms a verified token still belongs to an existing account.
type Users interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

type Membership interface {
	EnsureMember(ctx context.Context, userID, conversationID string) (*models.ConversationMember, error)
}

type Messages interface {
	Send(ctx context.Context, senderID string, req models.SendMessageRequest) (*models.Message, error)
	MarkRead(ctx context.Context, userID, messageID string) (*models.MessageRead, error)
	React(ctx context.Context, userID, messageID string, reaction models.ReactionType) (*messages.ReactionChange, error)
	Unreact(ctx context.Context, userID, messageID string) (*messages.ReactionChange, error)
}

type Presence interface {
	UserConnected(ctx context.Context, userID string) error
	UserDisconnected(ctx context.Context, userID string) error
	PresenceForViewer(ctx context.Context, targetID, viewerID string) (*models.Presence, error)
}

type Options struct {
	AllowedOrigins  []string
	VerifyJoin      bool
	ReadScope       string
	EventTimeout    time.Duration
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	RatePerSecond   float64
	RateBurst       int
}

func (o Options) withDefaults() Options {
	if o.ReadScope == "" {
		o.ReadScope = ReadScopeRoom
	}
	if o.EventTimeout <= 0 {
		o.EventTimeout = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.RatePerSecond > 0 && o.RateBurst < 1 {
		o.RateBurst = 1
	}
	return o
}

type Gateway struct {
	hub      *Hub
	verifier Verifier
	users    Users
	convs    Membership
	msgs     Messages
	presence Presence
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewGateway(hub *Hub, verifier Verifier, users Users, convs Membership, msgs Messages, presence Presence, opts Options, logger *zap.Logger) *Gateway {
	g := &Gateway{
		hub:      hub,
		verifier: verifier,
		users:    users,
		convs:    convs,
		msgs:     msgs,
		presence: presence,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// TokenFromRequest finds the session token in the query string, the
// Authorization header or the auth_token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// ServeHTTP authenticates before upgrading; a request without a valid token
// never gets a socket.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := g.verifier.Verify(TokenFromRequest(r))
	if err != nil {
		g.logger.Debug("websocket auth rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	lookupCtx, cancelLookup := context.WithTimeout(r.Context(), g.opts.EventTimeout)
	_, err = g.users.GetUserByID(lookupCtx, userID)
	cancelLookup()
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			g.logger.Debug("websocket token for unknown user", zap.String("user_id", userID))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		g.logger.Error("websocket user lookup failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	c := newClient(g, conn, userID)
	g.hub.register(c)
	g.hub.Join(c, UserRoom(userID))

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.EventTimeout)
	if err := g.presence.UserConnected(ctx, userID); err != nil {
		g.logger.Error("presence connect failed", zap.String("user_id", userID), zap.Error(err))
	}
	cancel()

	go c.WritePump()
	go c.ReadPump()
}

func (g *Gateway) disconnect(c *Client) {
	if !g.hub.unregister(c) {
		return
	}
	c.cancel()
	c.closeSend()

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.EventTimeout)
	defer cancel()
	if err := g.presence.UserDisconnected(ctx, c.userID); err != nil {
		g.logger.Error("presence disconnect failed", zap.String("user_id", c.userID), zap.Error(err))
	}
}

func (g *Gateway) handle(c *Client, raw []byte) {
	start := time.Now()

	// Every frame spends a token, malformed or not.
	if c.limiter != nil && !c.limiter.Allow() {
		var in inbound
		_ = json.Unmarshal(raw, &in)
		g.recordEvent(in.Type, string(apperr.KindRateLimited), start)
		g.emitError(c, in.Type, in.Payload, apperr.RateLimited("too many events, slow down"))
		return
	}

	var in inbound
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil || in.Type == "" {
		g.recordEvent("invalid", "invalid_argument", start)
		g.emitError(c, "", nil, apperr.InvalidArgument("malformed event envelope"))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, g.opts.EventTimeout)
	defer cancel()

	err := g.dispatch(ctx, c, in)
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
		g.emitError(c, in.Type, in.Payload, err)
	}
	g.recordEvent(in.Type, result, start)
}

func (g *Gateway) recordEvent(event, result string, start time.Time) {
	switch event {
	case EventJoinConversation, EventLeaveConversation, EventSendMessage, EventMessageRead,
		EventGetPresence, EventReactMessage, EventUnreactMessage:
	default:
		event = "unknown"
	}
	metrics.Events.WithLabelValues(event, result).Inc()
	metrics.EventDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())
}

func (g *Gateway) emitError(c *Client, event string, data json.RawMessage, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		g.logger.Error("websocket event failed",
			zap.String("event", event),
			zap.String("user_id", c.userID),
			zap.Error(err))
	}
	if len(data) == 0 || !json.Valid(data) {
		data = json.RawMessage("null")
	}
	c.emit(EventError, errorEvent{
		Error: errorBody{Message: apperr.PublicMessage(err), Code: apperr.KindOf(err)},
		Event: event,
		Data:  data,
	})
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, in inbound) error {
	switch in.Type {
	case EventJoinConversation:
		return g.onJoin(ctx, c, in.Payload)
	case EventLeaveConversation:
		return g.onLeave(c, in.Payload)
	case EventSendMessage:
		return g.onSend(ctx, c, in.Payload)
	case EventMessageRead:
		return g.onRead(ctx, c, in.Payload)
	case EventGetPresence:
		return g.onGetPresence(ctx, c, in.Payload)
	case EventReactMessage:
		return g.onReact(ctx, c, in.Payload)
	case EventUnreactMessage:
		return g.onUnreact(ctx, c, in.Payload)
	default:
		return apperr.InvalidArgument("unknown event %q", in.Type)
	}
}

func (g *Gateway) onJoin(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p conversationPayload
	if err := decodeStrict(raw, &p); err != nil {
		return err
	}
	if err := requireID("conversationId", p.ConversationID); err != nil {
		return err
	}
	if g.opts.VerifyJoin {
		if _, err := g.convs.EnsureMember(ctx, c.userID, p.ConversationID); err != nil {
			return err
		}
	}
	g.hub.Join(c, ConversationRoom(p.ConversationID))
	c.emit(EventJoined, p)
	return nil
}

func (g *Gateway) onLeave(c *Client, raw json.RawMessage) error {
	var p conversationPayload
	if err := decodeStrict(raw, &p); err != nil {
		return err
	}
	if err := requireID("conversationId", p.ConversationID); err != nil {
		return err
	}
	g.hub.Leave(c, ConversationRoom(p.ConversationID))
	return nil
}

func (g *Gateway) onSend(ctx context.Context, c *Client, raw json.RawMessage) error {
	var req models.SendMessageRequest
	if err := decodeStrict(raw, &req); err != nil {
		return err
	}
	if err := validateSend(&req); err != nil {
		return err
	}
	msg, err := g.msgs.Send(ctx, c.userID, req)
	if err != nil {
		return err
	}
	g.BroadcastMessage(msg)
	return nil
}

func (g *Gateway) onRead(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p messagePayload
	if err := decodeStrict(raw, &p); err != nil {
		return err
	}
	if err := requireID("messageId", p.MessageID); err != nil {
		return err
	}
	read, err := g.msgs.MarkRead(ctx, c.userID, p.MessageID)
	if err != nil {
		return err
	}
	g.BroadcastRead(read)
	return nil
}

func (g *Gateway) onGetPresence(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p presencePayload
	if err := decodeStrict(raw, &p); err != nil {
		return err
	}
	if err := requireID("userId", p.UserID); err != nil {
		return err
	}
	snapshot, err := g.presence.PresenceForViewer(ctx, p.UserID, c.userID)
	if err != nil {
		return err
	}
	c.emit(EventPresenceResponse, presenceResponse{UserID: p.UserID, Presence: snapshot})
	return nil
}

func (g *Gateway) onReact(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p reactPayload
	if err := decodeStrict(raw, &p); err != nil {
		return err
	}
	if err := requireID("messageId", p.MessageID); err != nil {
		return err
	}
	change, err := g.msgs.React(ctx, c.userID, p.MessageID, p.Type)
	if err != nil {
		return err
	}
	g.BroadcastReaction(change)
	return nil
}

func (g *Gateway) onUnreact(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p messagePayload
	if err := decodeStrict(raw, &p); err != nil {
		return err
	}
	if err := requireID("messageId", p.MessageID); err != nil {
		return err
	}
	change, err := g.msgs.Unreact(ctx, c.userID, p.MessageID)
	if err != nil {
		return err
	}
	g.BroadcastReaction(change)
	return nil
}

// BroadcastMessage emits a stored message to its conversation room.
func (g *Gateway) BroadcastMessage(msg *models.Message) {
	g.hub.Emit(ConversationRoom(msg.ConversationID), EventMessage, msg)
}

// BroadcastRead emits a read receipt to the conversation room, or to every
// connection when the read scope is "all".
func (g *Gateway) BroadcastRead(read *models.MessageRead) {
	event := readEvent{MessageID: read.MessageID, UserID: read.UserID, ConversationID: read.ConversationID}
	if g.opts.ReadScope == ReadScopeAll {
		g.hub.EmitAll(EventMessageRead, event)
		return
	}
	g.hub.Emit(ConversationRoom(read.ConversationID), EventMessageRead, event)
}

func (g *Gateway) BroadcastReaction(change *messages.ReactionChange) {
	g.hub.Emit(ConversationRoom(change.ConversationID), EventMessageReaction, change)
}
