package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fakeClient(userID string, buffer int) *Client {
	return &Client{
		id:     userID + "-conn",
		userID: userID,
		send:   make(chan []byte, buffer),
		rooms:  make(map[string]struct{}),
	}
}

func receive(t *testing.T, c *Client) event {
	t.Helper()
	select {
	case data := <-c.send:
		var ev event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for delivery")
		return event{}
	}
}

func TestHubRoomsAndEmit(t *testing.T) {
	hub := NewHub(zap.NewNop())
	alice := fakeClient("alice", 8)
	bob := fakeClient("bob", 8)
	hub.register(alice)
	hub.register(bob)

	hub.Join(alice, ConversationRoom("c1"))
	hub.Join(bob, ConversationRoom("c1"))
	hub.Join(alice, UserRoom("alice"))
	assert.Equal(t, 2, hub.RoomSize(ConversationRoom("c1")))

	hub.Emit(ConversationRoom("c1"), EventMessage, map[string]string{"id": "m1"})
	assert.Equal(t, EventMessage, receive(t, alice).Type)
	assert.Equal(t, EventMessage, receive(t, bob).Type)

	hub.EmitToUser("alice", "presence", map[string]bool{"isOnline": true})
	assert.Equal(t, "presence", receive(t, alice).Type)
	assert.Empty(t, bob.send)

	hub.Leave(bob, ConversationRoom("c1"))
	assert.False(t, hub.InRoom(bob, ConversationRoom("c1")))

	hub.EmitAll(EventMessageRead, map[string]string{"messageId": "m1"})
	assert.Equal(t, EventMessageRead, receive(t, alice).Type)
	assert.Equal(t, EventMessageRead, receive(t, bob).Type)

	assert.True(t, hub.unregister(alice))
	assert.False(t, hub.unregister(alice))
	assert.Equal(t, 0, hub.RoomSize(ConversationRoom("c1")), "empty rooms are removed")
	assert.Equal(t, 0, hub.RoomSize(UserRoom("alice")))
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHubJoinIgnoresUnregisteredClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ghost := fakeClient("ghost", 1)

	hub.Join(ghost, ConversationRoom("c1"))
	assert.Equal(t, 0, hub.RoomSize(ConversationRoom("c1")))
}

func TestHubDropsSlowConsumer(t *testing.T) {
	hub := NewHub(zap.NewNop())
	slow := fakeClient("slow", 1)
	hub.register(slow)
	hub.Join(slow, UserRoom("slow"))

	hub.EmitToUser("slow", "presence", nil)
	hub.EmitToUser("slow", "presence", nil)

	_, ok := <-slow.send
	assert.True(t, ok, "buffered event is still drained")
	_, ok = <-slow.send
	assert.False(t, ok, "send channel closed after overflow")

	// Emits to a dropped client are discarded without panicking.
	hub.EmitToUser("slow", "presence", nil)
}

func TestRedisRelayDeliversAcrossHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	first := NewHub(zap.NewNop())
	first.UseRelay(NewRedisRelay(client, "test", zap.NewNop()))
	require.NoError(t, first.Start(ctx))
	second := NewHub(zap.NewNop())
	second.UseRelay(NewRedisRelay(client, "test", zap.NewNop()))
	require.NoError(t, second.Start(ctx))

	local := fakeClient("alice", 8)
	first.register(local)
	first.Join(local, ConversationRoom("c1"))
	remote := fakeClient("bob", 8)
	second.register(remote)
	second.Join(remote, ConversationRoom("c1"))

	first.Emit(ConversationRoom("c1"), EventMessage, map[string]string{"content": "hi"})

	assert.Equal(t, EventMessage, receive(t, local).Type)
	ev := receive(t, remote)
	assert.Equal(t, EventMessage, ev.Type)
	assert.JSONEq(t, `{"content":"hi"}`, string(ev.Payload))
}
