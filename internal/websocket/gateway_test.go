package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"socialchat/internal/auth"
	"socialchat/internal/conversations"
	"socialchat/internal/db"
	"socialchat/internal/db/dbtest"
	"socialchat/internal/messages"
	"socialchat/internal/models"
	"socialchat/internal/presence"
)

const waitTimeout = 3 * time.Second

type testEnv struct {
	database *db.DB
	tokens   *auth.JWT
	convs    *conversations.Service
	hub      *Hub
	server   *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	database := dbtest.New(t)
	logger := zap.NewNop()
	tokens := auth.NewJWT("test-secret", time.Hour)
	convs := conversations.NewService(database, logger)
	msgs := messages.NewService(database, convs, nil, logger)

	hub := NewHub(logger)
	tracker := presence.NewTracker(presence.NewMemoryCounter(), database, database, logger)
	tracker.SetBroadcaster(hub)

	gw := NewGateway(hub, tokens, database, convs, msgs, tracker, opts, logger)
	server := httptest.NewServer(gw)
	t.Cleanup(server.Close)

	return &testEnv{database: database, tokens: tokens, convs: convs, hub: hub, server: server}
}

type event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	events chan event
}

func (e *testEnv) dial(t *testing.T, userID string) *testClient {
	t.Helper()
	token, err := e.tokens.Issue(userID)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()

	c := &testClient{t: t, conn: conn, events: make(chan event, 64)}
	go func() {
		defer close(c.events)
		for {
			var ev event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			c.events <- ev
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) send(eventType string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"type": eventType, "payload": payload}))
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

// expect waits for the next event of type eventType, skipping others.
func (c *testClient) expect(eventType string, into any) {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-c.events:
			require.True(c.t, ok, "connection closed waiting for %s", eventType)
			if ev.Type != eventType {
				continue
			}
			if into != nil {
				require.NoError(c.t, json.Unmarshal(ev.Payload, into))
			}
			return
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

// expectNone asserts no event of type eventType arrives within wait.
func (c *testClient) expectNone(eventType string, wait time.Duration) {
	c.t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			assert.NotEqual(c.t, eventType, ev.Type, "unexpected %s: %s", ev.Type, ev.Payload)
		case <-deadline:
			return
		}
	}
}

func (c *testClient) close() {
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

func TestRejectsMissingOrInvalidToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	url := "ws" + strings.TrimPrefix(env.server.URL, "http")

	for _, target := range []string{url + "/", url + "/?token=garbage"} {
		_, resp, err := websocket.DefaultDialer.Dial(target, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, 0, env.hub.ClientCount())
}

func TestRejectsTokenForUnknownUser(t *testing.T) {
	env := newTestEnv(t, Options{})
	token, err := env.tokens.Issue("0190a0a0-0000-7000-8000-000000000000")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 0, env.hub.ClientCount())
}

func TestAcceptsBearerHeader(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := dbtest.User(t, env.database, "alice")
	token, err := env.tokens.Issue(alice)
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.server.URL, "http"), header)
	require.NoError(t, err)
	resp.Body.Close()
	conn.Close()
}

// Friends A and B: A connects, opens a DIRECT conversation, sends a message
// B receives, B reads it, A disconnects.
func TestEndToEndChatAndPresence(t *testing.T) {
	env := newTestEnv(t, Options{VerifyJoin: true})
	ctx := context.Background()
	a := dbtest.User(t, env.database, "alice")
	b := dbtest.User(t, env.database, "bob")
	dbtest.Friends(t, env.database, a, b)

	bob := env.dial(t, b)
	require.Eventually(t, func() bool { return env.hub.RoomSize(UserRoom(b)) == 1 }, waitTimeout, 10*time.Millisecond)

	alice := env.dial(t, a)
	var online models.Presence
	bob.expect(presence.EventPresence, &online)
	assert.Equal(t, a, online.UserID)
	assert.True(t, online.IsOnline)
	assert.Nil(t, online.LastSeenAt)

	conv, err := env.convs.Create(ctx, a, models.CreateConversationRequest{Type: models.ConversationDirect, OtherUserID: b})
	require.NoError(t, err)
	again, err := env.convs.Create(ctx, a, models.CreateConversationRequest{Type: models.ConversationDirect, OtherUserID: b})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	bob.send(EventJoinConversation, map[string]string{"conversationId": conv.ID})
	bob.expect(EventJoined, nil)
	alice.send(EventJoinConversation, map[string]string{"conversationId": conv.ID})
	alice.expect(EventJoined, nil)

	alice.send(EventSendMessage, map[string]string{"conversationId": conv.ID, "type": "TEXT", "content": "hi"})
	var msg models.Message
	bob.expect(EventMessage, &msg)
	require.NotNil(t, msg.Content)
	assert.Equal(t, "hi", *msg.Content)
	require.Len(t, msg.Reads, 1)
	assert.Equal(t, a, msg.Reads[0].UserID)

	bob.send(EventMessageRead, map[string]string{"messageId": msg.ID})
	var read readEvent
	alice.expect(EventMessageRead, &read)
	assert.Equal(t, b, read.UserID)
	assert.Equal(t, msg.ID, read.MessageID)
	assert.Equal(t, conv.ID, read.ConversationID)

	alice.close()
	var offline models.Presence
	bob.expect(presence.EventPresence, &offline)
	assert.Equal(t, a, offline.UserID)
	assert.False(t, offline.IsOnline)
	assert.NotNil(t, offline.LastSeenAt)
}

func TestPresenceBroadcastOncePerEdgeAcrossDevices(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := dbtest.User(t, env.database, "alice")
	b := dbtest.User(t, env.database, "bob")
	dbtest.Friends(t, env.database, a, b)

	bob := env.dial(t, b)
	require.Eventually(t, func() bool { return env.hub.RoomSize(UserRoom(b)) == 1 }, waitTimeout, 10*time.Millisecond)

	devices := []*testClient{env.dial(t, a), env.dial(t, a), env.dial(t, a)}
	bob.expect(presence.EventPresence, nil)
	require.Eventually(t, func() bool { return env.hub.RoomSize(UserRoom(a)) == 3 }, waitTimeout, 10*time.Millisecond)

	devices[0].close()
	devices[1].close()
	require.Eventually(t, func() bool { return env.hub.RoomSize(UserRoom(a)) == 1 }, waitTimeout, 10*time.Millisecond)
	bob.expectNone(presence.EventPresence, 200*time.Millisecond)

	devices[2].close()
	var offline models.Presence
	bob.expect(presence.EventPresence, &offline)
	assert.False(t, offline.IsOnline)
}

func TestJoinRequiresMembershipWhenVerified(t *testing.T) {
	env := newTestEnv(t, Options{VerifyJoin: true})
	ctx := context.Background()
	a := dbtest.User(t, env.database, "alice")
	b := dbtest.User(t, env.database, "bob")
	e := dbtest.User(t, env.database, "eve")
	conv, err := env.convs.Create(ctx, a, models.CreateConversationRequest{Type: models.ConversationDirect, OtherUserID: b})
	require.NoError(t, err)

	eve := env.dial(t, e)
	eve.send(EventJoinConversation, map[string]string{"conversationId": conv.ID})
	var failure errorEvent
	eve.expect(EventError, &failure)
	assert.Equal(t, "forbidden", string(failure.Error.Code))
	assert.Equal(t, EventJoinConversation, failure.Event)
	assert.JSONEq(t, `{"conversationId":"`+conv.ID+`"}`, string(failure.Data))
	assert.Equal(t, 0, env.hub.RoomSize(ConversationRoom(conv.ID)))
}

func TestJoinIsAdvisoryWhenNotVerified(t *testing.T) {
	env := newTestEnv(t, Options{VerifyJoin: false})
	ctx := context.Background()
	a := dbtest.User(t, env.database, "alice")
	b := dbtest.User(t, env.database, "bob")
	e := dbtest.User(t, env.database, "eve")
	conv, err := env.convs.Create(ctx, a, models.CreateConversationRequest{Type: models.ConversationDirect, OtherUserID: b})
	require.NoError(t, err)

	eve := env.dial(t, e)
	eve.send(EventJoinConversation, map[string]string{"conversationId": conv.ID})
	eve.expect(EventJoined, nil)

	// Joining does not grant sending.
	eve.send(EventSendMessage, map[string]string{"conversationId": conv.ID, "type": "TEXT", "content": "sneaky"})
	var failure errorEvent
	eve.expect(EventError, &failure)
	assert.Equal(t, "forbidden", string(failure.Error.Code))
}

func TestReadReceiptScope(t *testing.T) {
	for _, scope := range []string{ReadScopeRoom, ReadScopeAll} {
		t.Run(scope, func(t *testing.T) {
			env := newTestEnv(t, Options{VerifyJoin: true, ReadScope: scope})
			ctx := context.Background()
			a := dbtest.User(t, env.database, "alice")
			b := dbtest.User(t, env.database, "bob")
			o := dbtest.User(t, env.database, "outsider")
			conv, err := env.convs.Create(ctx, a, models.CreateConversationRequest{Type: models.ConversationDirect, OtherUserID: b})
			require.NoError(t, err)
			content := "read me"
			msg, err := env.database.InsertMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: a, Type: models.MessageText, Content: &content})
			require.NoError(t, err)

			alice := env.dial(t, a)
			alice.send(EventJoinConversation, map[string]string{"conversationId": conv.ID})
			alice.expect(EventJoined, nil)
			outsider := env.dial(t, o)
			bob := env.dial(t, b)
			require.Eventually(t, func() bool { return env.hub.ClientCount() == 3 }, waitTimeout, 10*time.Millisecond)

			bob.send(EventMessageRead, map[string]string{"messageId": msg.ID})
			alice.expect(EventMessageRead, nil)
			if scope == ReadScopeAll {
				outsider.expect(EventMessageRead, nil)
			} else {
				outsider.expectNone(EventMessageRead, 200*time.Millisecond)
			}
		})
	}
}

func TestInvalidPayloadsYieldErrorsAndKeepConnection(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := dbtest.User(t, env.database, "alice")
	b := dbtest.User(t, env.database, "bob")
	conv, err := env.convs.Create(context.Background(), a, models.CreateConversationRequest{
		Type: models.ConversationDirect, OtherUserID: b,
	})
	require.NoError(t, err)
	alice := env.dial(t, a)

	cases := []struct {
		name string
		raw  string
		code string
	}{
		{"not json", `{{`, "invalid_argument"},
		{"unknown event", `{"type":"dance","payload":{}}`, "invalid_argument"},
		{"missing payload", `{"type":"join_conversation"}`, "invalid_argument"},
		{"bad uuid", `{"type":"join_conversation","payload":{"conversationId":"nope"}}`, "invalid_argument"},
		{"unknown field", `{"type":"message_read","payload":{"messageId":"0190a0a0-0000-7000-8000-000000000000","extra":1}}`, "invalid_argument"},
		{"blank client id", `{"type":"send_message","payload":{"conversationId":"` + conv.ID + `","type":"TEXT","content":"x","clientMessageId":" "}}`, "invalid_argument"},
		{"missing message", `{"type":"message_read","payload":{"messageId":"0190a0a0-0000-7000-8000-000000000000"}}`, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			alice.sendRaw(tc.raw)
			var failure errorEvent
			alice.expect(EventError, &failure)
			assert.Equal(t, tc.code, string(failure.Error.Code))
			assert.NotEmpty(t, failure.Error.Message)
		})
	}
	assert.Equal(t, 1, env.hub.ClientCount())
}

func TestGetPresence(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := dbtest.User(t, env.database, "alice")
	b := dbtest.User(t, env.database, "bob")
	s := dbtest.User(t, env.database, "stranger")
	dbtest.Friends(t, env.database, a, b)

	alice := env.dial(t, a)
	alice.send(EventGetPresence, map[string]string{"userId": b})
	var resp presenceResponse
	alice.expect(EventPresenceResponse, &resp)
	assert.Equal(t, b, resp.UserID)
	require.NotNil(t, resp.Presence)
	assert.False(t, resp.Presence.IsOnline)

	alice.send(EventGetPresence, map[string]string{"userId": s})
	var hidden presenceResponse
	alice.expect(EventPresenceResponse, &hidden)
	assert.Nil(t, hidden.Presence)

	alice.send(EventGetPresence, map[string]string{"userId": a})
	var self presenceResponse
	alice.expect(EventPresenceResponse, &self)
	require.NotNil(t, self.Presence)
	assert.True(t, self.Presence.IsOnline)
}

func TestReactionsBroadcastToRoom(t *testing.T) {
	env := newTestEnv(t, Options{VerifyJoin: true})
	ctx := context.Background()
	a := dbtest.User(t, env.database, "alice")
	b := dbtest.User(t, env.database, "bob")
	conv, err := env.convs.Create(ctx, a, models.CreateConversationRequest{Type: models.ConversationDirect, OtherUserID: b})
	require.NoError(t, err)
	content := "react"
	msg, err := env.database.InsertMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: a, Type: models.MessageText, Content: &content})
	require.NoError(t, err)

	alice := env.dial(t, a)
	alice.send(EventJoinConversation, map[string]string{"conversationId": conv.ID})
	alice.expect(EventJoined, nil)
	bob := env.dial(t, b)

	bob.send(EventReactMessage, map[string]string{"messageId": msg.ID, "type": "LOVE"})
	var change messages.ReactionChange
	alice.expect(EventMessageReaction, &change)
	assert.Equal(t, b, change.UserID)
	require.NotNil(t, change.Type)
	assert.Equal(t, models.ReactionLove, *change.Type)

	bob.send(EventUnreactMessage, map[string]string{"messageId": msg.ID})
	var cleared messages.ReactionChange
	alice.expect(EventMessageReaction, &cleared)
	assert.Nil(t, cleared.Type)
}

func TestRateLimitedEvents(t *testing.T) {
	env := newTestEnv(t, Options{RatePerSecond: 0.001, RateBurst: 1})
	a := dbtest.User(t, env.database, "alice")
	alice := env.dial(t, a)

	alice.send(EventGetPresence, map[string]string{"userId": a})
	alice.expect(EventPresenceResponse, nil)

	alice.send(EventGetPresence, map[string]string{"userId": a})
	var failure errorEvent
	alice.expect(EventError, &failure)
	assert.Equal(t, "rate_limited", string(failure.Error.Code))
}

func TestMalformedFramesCountAgainstRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RatePerSecond: 0.001, RateBurst: 2})
	a := dbtest.User(t, env.database, "alice")
	alice := env.dial(t, a)

	alice.sendRaw(`{{`)
	var failure errorEvent
	alice.expect(EventError, &failure)
	assert.Equal(t, "invalid_argument", string(failure.Error.Code))

	alice.sendRaw(`not json either`)
	alice.expect(EventError, &failure)
	assert.Equal(t, "invalid_argument", string(failure.Error.Code))

	alice.sendRaw(`{{`)
	alice.expect(EventError, &failure)
	assert.Equal(t, "rate_limited", string(failure.Error.Code))

	alice.send(EventGetPresence, map[string]string{"userId": a})
	alice.expect(EventError, &failure)
	assert.Equal(t, "rate_limited", string(failure.Error.Code))
	assert.Equal(t, EventGetPresence, failure.Event)
}
