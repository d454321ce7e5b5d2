package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"socialchat/internal/apperr"
	"socialchat/internal/auth"
	"socialchat/internal/conversations"
	"socialchat/internal/db"
	"socialchat/internal/db/dbtest"
	"socialchat/internal/friends"
	"socialchat/internal/messages"
	"socialchat/internal/models"
	"socialchat/internal/presence"
)

type recordingRealtime struct {
	mu        sync.Mutex
	messages  []*models.Message
	reads     []*models.MessageRead
	reactions []*messages.ReactionChange
}

func (r *recordingRealtime) BroadcastMessage(msg *models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingRealtime) BroadcastRead(read *models.MessageRead) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, read)
}

func (r *recordingRealtime) BroadcastReaction(change *messages.ReactionChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reactions = append(r.reactions, change)
}

type apiEnv struct {
	database *db.DB
	realtime *recordingRealtime
	handler  http.Handler
}

type response struct {
	Data  json.RawMessage `json:"data"`
	Error *errorInfo      `json:"error"`
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	database := dbtest.New(t)
	logger := zap.NewNop()
	convs := conversations.NewService(database, logger)
	rt := &recordingRealtime{}

	h := NewHandlers(Deps{
		Users:          database,
		Tokens:         auth.NewJWT("test-secret", time.Hour),
		TokenTTL:       time.Hour,
		Conversations:  convs,
		Messages:       messages.NewService(database, convs, nil, logger),
		Friends:        friends.NewService(database, logger),
		Presence:       presence.NewTracker(presence.NewMemoryCounter(), database, database, logger),
		Realtime:       rt,
		AllowedOrigins: []string{"http://localhost:3000"},
		RequestTimeout: 5 * time.Second,
		Logger:         logger,
	})
	return &apiEnv{database: database, realtime: rt, handler: h.Routes()}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func (e *apiEnv) register(t *testing.T, username string) models.LoginResponse {
	t.Helper()
	status, resp := e.do(t, http.MethodPost, "/auth/register", "", models.RegisterRequest{Username: username, Password: "secret123"})
	require.Equal(t, http.StatusCreated, status)
	var login models.LoginResponse
	require.NoError(t, json.Unmarshal(resp.Data, &login))
	return login
}

func TestRegisterAndLogin(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register(t, "alice")
	assert.NotEmpty(t, alice.Token)
	assert.Equal(t, "alice", alice.User.Username)

	status, resp := env.do(t, http.MethodPost, "/auth/register", "", models.RegisterRequest{Username: "alice", Password: "secret123"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, apperr.KindConflict, resp.Error.Code)
	assert.Equal(t, "/auth/register", resp.Error.Path)
	assert.Equal(t, http.MethodPost, resp.Error.Method)

	status, resp = env.do(t, http.MethodPost, "/auth/login", "", models.LoginRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid credentials", resp.Error.Message)

	status, resp = env.do(t, http.MethodPost, "/auth/login", "", models.LoginRequest{Username: "alice", Password: "secret123"})
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, resp.Error)

	status, resp = env.do(t, http.MethodGet, "/auth/me", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var me models.User
	require.NoError(t, json.Unmarshal(resp.Data, &me))
	assert.Equal(t, alice.User.ID, me.ID)
}

func TestRegisterValidation(t *testing.T) {
	env := newAPIEnv(t)
	tests := []struct {
		name string
		req  models.RegisterRequest
	}{
		{"short username", models.RegisterRequest{Username: "al", Password: "secret123"}},
		{"short password", models.RegisterRequest{Username: "alice", Password: "123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, http.MethodPost, "/auth/register", "", tt.req)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, apperr.KindInvalidArgument, resp.Error.Code)
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newAPIEnv(t)
	status, resp := env.do(t, http.MethodGet, "/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, apperr.KindUnauthenticated, resp.Error.Code)

	status, _ = env.do(t, http.MethodGet, "/conversations", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestConversationMessagingFlow(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	status, resp := env.do(t, http.MethodPost, "/conversations", alice.Token, models.CreateConversationRequest{
		Type:        models.ConversationDirect,
		OtherUserID: bob.User.ID,
	})
	require.Equal(t, http.StatusCreated, status)
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &conv))

	content := "hello"
	status, resp = env.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", alice.Token, models.SendMessageRequest{
		ConversationID: "ignored",
		Type:           models.MessageText,
		Content:        &content,
	})
	require.Equal(t, http.StatusCreated, status)
	var msg models.Message
	require.NoError(t, json.Unmarshal(resp.Data, &msg))
	assert.Equal(t, conv.ID, msg.ConversationID)
	require.Len(t, env.realtime.messages, 1)

	status, resp = env.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages?limit=10", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var page models.MessagePage
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, msg.ID, page.Items[0].ID)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)

	status, _ = env.do(t, http.MethodPost, "/messages/"+msg.ID+"/read", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, env.realtime.reads, 1)
	assert.Equal(t, conv.ID, env.realtime.reads[0].ConversationID)

	status, _ = env.do(t, http.MethodPost, "/messages/"+msg.ID+"/reactions", bob.Token, models.ReactRequest{Type: models.ReactionLove})
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodDelete, "/messages/"+msg.ID+"/reactions", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, env.realtime.reactions, 2)

	status, resp = env.do(t, http.MethodDelete, "/messages/"+msg.ID, bob.Token, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, apperr.KindForbidden, resp.Error.Code)

	status, _ = env.do(t, http.MethodDelete, "/messages/"+msg.ID, alice.Token, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestMessagesRejectsNonMember(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	eve := env.register(t, "eve")

	_, resp := env.do(t, http.MethodPost, "/conversations", alice.Token, models.CreateConversationRequest{
		Type:        models.ConversationDirect,
		OtherUserID: bob.User.ID,
	})
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &conv))

	status, _ := env.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", eve.Token, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = env.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages?limit=abc", alice.Token, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages?limit=0", alice.Token, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestFriendRequestsAndPresence(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	status, resp := env.do(t, http.MethodGet, "/presence/user/"+bob.User.ID, alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "null", string(resp.Data), "presence is hidden from non-friends")

	status, resp = env.do(t, http.MethodPost, "/friends/requests", alice.Token, models.FriendRequestCreate{ToUserID: bob.User.ID})
	require.Equal(t, http.StatusCreated, status)
	var fr models.FriendRequest
	require.NoError(t, json.Unmarshal(resp.Data, &fr))

	status, _ = env.do(t, http.MethodPost, "/friends/requests/"+fr.ID+"/accept", alice.Token, nil)
	assert.Equal(t, http.StatusForbidden, status, "only the recipient can respond")

	status, _ = env.do(t, http.MethodPost, "/friends/requests/"+fr.ID+"/accept", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)

	status, resp = env.do(t, http.MethodGet, "/friends", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var list []models.Friend
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, bob.User.ID, list[0].FriendID)

	status, resp = env.do(t, http.MethodGet, "/presence/user/"+bob.User.ID, alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var p models.Presence
	require.NoError(t, json.Unmarshal(resp.Data, &p))
	assert.Equal(t, bob.User.ID, p.UserID)
	assert.False(t, p.IsOnline)
}

func TestSearchUsersExcludesSelf(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register(t, "alice")
	env.register(t, "alicia")

	status, resp := env.do(t, http.MethodGet, "/users?search=ali", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var users []models.UserSummary
	require.NoError(t, json.Unmarshal(resp.Data, &users))
	require.Len(t, users, 1)
	assert.Equal(t, "alicia", users[0].Username)
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t)
	status, resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(resp.Data))
}

func TestCORSPreflight(t *testing.T) {
	env := newAPIEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/conversations", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSendMessageRejectsEmptyClientMessageID(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	_, resp := env.do(t, http.MethodPost, "/conversations", alice.Token, models.CreateConversationRequest{
		Type:        models.ConversationDirect,
		OtherUserID: bob.User.ID,
	})
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &conv))

	empty := ""
	for _, content := range []string{"first", "second"} {
		body := models.SendMessageRequest{Type: models.MessageText, Content: &content, ClientMessageID: &empty}
		status, resp := env.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", alice.Token, body)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, apperr.KindInvalidArgument, resp.Error.Code)
	}
	assert.Empty(t, env.realtime.messages)
}
