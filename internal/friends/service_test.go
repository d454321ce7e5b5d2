package friends

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"socialchat/internal/apperr"
	"socialchat/internal/db/dbtest"
	"socialchat/internal/models"
)

func TestRequestAcceptCreatesSymmetricEdge(t *testing.T) {
	database := dbtest.New(t)
	svc := NewService(database, zap.NewNop())
	ctx := context.Background()
	alice := dbtest.User(t, database, "alice")
	bob := dbtest.User(t, database, "bob")

	req, err := svc.SendRequest(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, models.FriendRequestPending, req.Status)

	received, err := svc.ListReceived(ctx, bob)
	require.NoError(t, err)
	require.Len(t, received, 1)
	require.NotNil(t, received[0].FromUser)
	assert.Equal(t, "alice", received[0].FromUser.Username)

	err = svc.Respond(ctx, alice, req.ID, true)
	assert.True(t, apperr.Is(err, apperr.KindForbidden), "sender cannot accept")

	require.NoError(t, svc.Respond(ctx, bob, req.ID, true))

	for _, pair := range [][2]string{{alice, bob}, {bob, alice}} {
		ok, err := svc.AreFriends(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, ok)
	}

	friends, err := svc.ListFriends(ctx, bob)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, alice, friends[0].FriendID)

	err = svc.Respond(ctx, bob, req.ID, true)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument), "already resolved")

	_, err = svc.SendRequest(ctx, bob, alice)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument), "already friends")
}

func TestSendRequestValidation(t *testing.T) {
	database := dbtest.New(t)
	svc := NewService(database, zap.NewNop())
	ctx := context.Background()
	alice := dbtest.User(t, database, "alice")
	bob := dbtest.User(t, database, "bob")

	_, err := svc.SendRequest(ctx, alice, alice)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))

	_, err = svc.SendRequest(ctx, alice, "0190a0a0-0000-7000-8000-000000000000")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = svc.SendRequest(ctx, alice, bob)
	require.NoError(t, err)
	_, err = svc.SendRequest(ctx, alice, bob)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument), "duplicate pending")
}

func TestRejectLeavesNoEdge(t *testing.T) {
	database := dbtest.New(t)
	svc := NewService(database, zap.NewNop())
	ctx := context.Background()
	alice := dbtest.User(t, database, "alice")
	bob := dbtest.User(t, database, "bob")

	req, err := svc.SendRequest(ctx, alice, bob)
	require.NoError(t, err)
	require.NoError(t, svc.Respond(ctx, bob, req.ID, false))

	ok, err := svc.AreFriends(ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, ok)

	received, err := svc.ListReceived(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, received)

	err = svc.Respond(ctx, bob, "0190a0a0-0000-7000-8000-000000000000", true)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
