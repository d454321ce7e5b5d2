// Package api serves the HTTP surface: auth, friends, conversations,
// message history and presence lookups.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"socialchat/internal/apperr"
	"socialchat/internal/auth"
	"socialchat/internal/conversations"
	"socialchat/internal/db"
	"socialchat/internal/friends"
	"socialchat/internal/messages"
	"socialchat/internal/metrics"
	"socialchat/internal/models"
	"socialchat/internal/presence"
)

const (
	minUsername = 3
	maxUsername = 32
	minPassword = 6
	searchLimit = 20
	cookieName  = "auth_token"
)

type UserStore interface {
	CreateUser(ctx context.Context, username, password, avatar string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]models.UserSummary, error)
	PingContext(ctx context.Context) error
}

// Realtime pushes changes made over HTTP to connected sockets.
type Realtime interface {
	BroadcastMessage(msg *models.Message)
	BroadcastRead(read *models.MessageRead)
	BroadcastReaction(change *messages.ReactionChange)
}

type Deps struct {
	Users          UserStore
	Tokens         *auth.JWT
	TokenTTL       time.Duration
	Conversations  *conversations.Service
	Messages       *messages.Service
	Friends        *friends.Service
	Presence       *presence.Tracker
	Realtime       Realtime
	Gateway        http.Handler
	AllowedOrigins []string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

type Handlers struct {
	users          UserStore
	tokens         *auth.JWT
	tokenTTL       time.Duration
	convs          *conversations.Service
	msgs           *messages.Service
	friends        *friends.Service
	presence       *presence.Tracker
	realtime       Realtime
	gateway        http.Handler
	allowedOrigins []string
	requestTimeout time.Duration
	logger         *zap.Logger
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		users:          d.Users,
		tokens:         d.Tokens,
		tokenTTL:       d.TokenTTL,
		convs:          d.Conversations,
		msgs:           d.Messages,
		friends:        d.Friends,
		presence:       d.Presence,
		realtime:       d.Realtime,
		gateway:        d.Gateway,
		allowedOrigins: d.AllowedOrigins,
		requestTimeout: d.RequestTimeout,
		logger:         d.Logger,
	}
}

// handlerFunc is an endpoint that reports failures as errors; wrap turns
// them into the error envelope.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (h *Handlers) wrap(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			writeError(w, r, h.logger, err)
		}
	})
}

// Routes builds the full HTTP handler.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	public := func(pattern string, fn handlerFunc) {
		mux.Handle(pattern, WithTimeout(h.requestTimeout, h.wrap(fn)))
	}
	protect := func(pattern string, fn handlerFunc) {
		mux.Handle(pattern, WithTimeout(h.requestTimeout, h.WithAuth(h.wrap(fn))))
	}

	// Auth
	public("POST /auth/register", h.HandleRegister)
	public("POST /auth/login", h.HandleLogin)
	public("POST /auth/logout", h.HandleLogout)
	protect("GET /auth/me", h.HandleMe)

	// Users & friends
	protect("GET /users", h.HandleUsers)
	protect("GET /friends", h.HandleListFriends)
	protect("POST /friends/requests", h.HandleSendFriendRequest)
	protect("GET /friends/requests", h.HandleListFriendRequests)
	protect("POST /friends/requests/{id}/accept", h.HandleRespondFriendRequest(true))
	protect("POST /friends/requests/{id}/reject", h.HandleRespondFriendRequest(false))

	// Conversations
	protect("POST /conversations", h.HandleCreateConversation)
	protect("GET /conversations", h.HandleConversations)
	protect("GET /conversations/{id}", h.HandleConversation)
	protect("POST /conversations/{id}/members", h.HandleAddMember)
	protect("PATCH /conversations/{id}/members/{userId}/remove", h.HandleRemoveMember)

	// Messages
	protect("GET /conversations/{id}/messages", h.HandleMessages)
	protect("POST /conversations/{id}/messages", h.HandleSendMessage)
	protect("POST /messages/{id}/read", h.HandleMarkRead)
	protect("DELETE /messages/{id}", h.HandleDeleteMessage)
	protect("POST /messages/{id}/reactions", h.HandleReact)
	protect("DELETE /messages/{id}/reactions", h.HandleUnreact)

	// Presence
	protect("GET /presence/user/{userId}", h.HandlePresence)

	// Ops
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /healthz", h.wrap(h.HandleHealth))
	if h.gateway != nil {
		mux.Handle("GET /ws", h.gateway)
	}

	return LogRequests(h.logger, h.WithCORS(mux))
}

// Auth handlers

func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) error {
	var req models.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	req.Username = strings.TrimSpace(req.Username)
	if n := len(req.Username); n < minUsername || n > maxUsername {
		return apperr.InvalidArgument("username must be %d to %d characters", minUsername, maxUsername)
	}
	if len(req.Password) < minPassword {
		return apperr.InvalidArgument("password must be at least %d characters", minPassword)
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		return apperr.Internal("failed to register", err)
	}
	user, err := h.users.CreateUser(r.Context(), req.Username, hashed, req.Avatar)
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return apperr.Conflict("username already exists")
		}
		return apperr.Internal("failed to register", err)
	}

	return h.startSession(w, http.StatusCreated, user)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) error {
	var req models.LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}

	user, err := h.users.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.Unauthenticated("invalid credentials")
		}
		return apperr.Internal("failed to log in", err)
	}
	if !auth.CheckPassword(user.Password, req.Password) {
		return apperr.Unauthenticated("invalid credentials")
	}

	return h.startSession(w, http.StatusOK, user)
}

func (h *Handlers) startSession(w http.ResponseWriter, status int, user *models.User) error {
	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		return apperr.Internal("failed to create token", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.tokenTTL.Seconds()),
	})

	user.Password = ""
	writeJSON(w, status, models.LoginResponse{Token: token, User: *user})
	return nil
}

func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, userFromContext(r.Context()))
	return nil
}

// User handlers

func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) error {
	me := userFromContext(r.Context())
	users, err := h.users.SearchUsers(r.Context(), strings.TrimSpace(r.URL.Query().Get("search")), searchLimit+1)
	if err != nil {
		return apperr.Internal("failed to get users", err)
	}

	result := make([]models.UserSummary, 0, len(users))
	for _, u := range users {
		if u.ID != me.ID && len(result) < searchLimit {
			result = append(result, u)
		}
	}
	writeJSON(w, http.StatusOK, result)
	return nil
}

func (h *Handlers) HandleListFriends(w http.ResponseWriter, r *http.Request) error {
	list, err := h.friends.ListFriends(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, list)
	return nil
}

func (h *Handlers) HandleSendFriendRequest(w http.ResponseWriter, r *http.Request) error {
	var req models.FriendRequestCreate
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	created, err := h.friends.SendRequest(r.Context(), userFromContext(r.Context()).ID, req.ToUserID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, created)
	return nil
}

func (h *Handlers) HandleListFriendRequests(w http.ResponseWriter, r *http.Request) error {
	reqs, err := h.friends.ListReceived(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, reqs)
	return nil
}

func (h *Handlers) HandleRespondFriendRequest(accept bool) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		if err := h.friends.Respond(r.Context(), userFromContext(r.Context()).ID, r.PathValue("id"), accept); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return nil
	}
}

// Conversation handlers

func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) error {
	var req models.CreateConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	conv, err := h.convs.Create(r.Context(), userFromContext(r.Context()).ID, req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, conv)
	return nil
}

func (h *Handlers) HandleConversations(w http.ResponseWriter, r *http.Request) error {
	convs, err := h.convs.List(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, convs)
	return nil
}

func (h *Handlers) HandleConversation(w http.ResponseWriter, r *http.Request) error {
	conv, err := h.convs.Get(r.Context(), userFromContext(r.Context()).ID, r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, conv)
	return nil
}

func (h *Handlers) HandleAddMember(w http.ResponseWriter, r *http.Request) error {
	var req models.AddMemberRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	if req.UserID == "" {
		return apperr.InvalidArgument("userId is required")
	}
	conv, err := h.convs.AddMember(r.Context(), userFromContext(r.Context()).ID, r.PathValue("id"), req.UserID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, conv)
	return nil
}

func (h *Handlers) HandleRemoveMember(w http.ResponseWriter, r *http.Request) error {
	err := h.convs.RemoveMember(r.Context(), userFromContext(r.Context()).ID, r.PathValue("id"), r.PathValue("userId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

// Message handlers

func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) error {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return apperr.InvalidArgument("limit must be an integer")
		}
		limit = n
	}
	// A zero limit from the query is explicit, not the default.
	if r.URL.Query().Has("limit") && limit == 0 {
		return apperr.InvalidArgument("limit must be at least 1")
	}

	page, err := h.msgs.List(r.Context(), userFromContext(r.Context()).ID, r.PathValue("id"), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, page)
	return nil
}

func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) error {
	var req models.SendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	req.ConversationID = r.PathValue("id")

	msg, err := h.msgs.Send(r.Context(), userFromContext(r.Context()).ID, req)
	if err != nil {
		return err
	}
	if h.realtime != nil {
		h.realtime.BroadcastMessage(msg)
	}
	writeJSON(w, http.StatusCreated, msg)
	return nil
}

func (h *Handlers) HandleMarkRead(w http.ResponseWriter, r *http.Request) error {
	read, err := h.msgs.MarkRead(r.Context(), userFromContext(r.Context()).ID, r.PathValue("id"))
	if err != nil {
		return err
	}
	if h.realtime != nil {
		h.realtime.BroadcastRead(read)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

func (h *Handlers) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) error {
	msg, err := h.msgs.Delete(r.Context(), userFromContext(r.Context()).ID, r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, msg)
	return nil
}

func (h *Handlers) HandleReact(w http.ResponseWriter, r *http.Request) error {
	var req models.ReactRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	change, err := h.msgs.React(r.Context(), userFromContext(r.Context()).ID, r.PathValue("id"), req.Type)
	if err != nil {
		return err
	}
	if h.realtime != nil {
		h.realtime.BroadcastReaction(change)
	}
	writeJSON(w, http.StatusOK, change)
	return nil
}

func (h *Handlers) HandleUnreact(w http.ResponseWriter, r *http.Request) error {
	change, err := h.msgs.Unreact(r.Context(), userFromContext(r.Context()).ID, r.PathValue("id"))
	if err != nil {
		return err
	}
	if h.realtime != nil {
		h.realtime.BroadcastReaction(change)
	}
	writeJSON(w, http.StatusOK, change)
	return nil
}

// Presence & ops

func (h *Handlers) HandlePresence(w http.ResponseWriter, r *http.Request) error {
	p, err := h.presence.PresenceForViewer(r.Context(), r.PathValue("userId"), userFromContext(r.Context()).ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, p)
	return nil
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.users.PingContext(ctx); err != nil {
		return apperr.Internal("database unavailable", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}
