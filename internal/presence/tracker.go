// Package presence derives online/offline state from connection counts and
// pushes the transitions to a user's friends.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"socialchat/internal/apperr"
	"socialchat/internal/db"
	"socialchat/internal/metrics"
	"socialchat/internal/models"
)

// EventPresence is the outbound event carrying a friend's new state.
const EventPresence = "presence"

// Broadcaster delivers an event to every connection of a user.
type Broadcaster interface {
	EmitToUser(userID, event string, payload any)
}

type FriendGraph interface {
	FriendIDs(ctx context.Context, userID string) ([]string, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
}

// StatusStore persists the durable projection of presence on the user row.
type StatusStore interface {
	SetUserOnline(ctx context.Context, id string) error
	SetUserOffline(ctx context.Context, id string, lastSeen time.Time) error
	GetPresence(ctx context.Context, id string) (*models.Presence, error)
}

type Tracker struct {
	counter Counter
	status  StatusStore
	friends FriendGraph
	out     Broadcaster
	logger  *zap.Logger
	locks   *keyedMutex
	now     func() time.Time
}

func NewTracker(counter Counter, status StatusStore, friends FriendGraph, logger *zap.Logger) *Tracker {
	return &Tracker{
		counter: counter,
		status:  status,
		friends: friends,
		logger:  logger,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

// SetBroadcaster attaches the outbound side. The hub and the tracker refer
// to each other, so one of them is wired after construction.
func (t *Tracker) SetBroadcaster(b Broadcaster) {
	t.out = b
}

// UserConnected counts a new connection. The first connection marks the
// user online and notifies their friends.
func (t *Tracker) UserConnected(ctx context.Context, userID string) error {
	unlock := t.locks.Lock(userID)
	defer unlock()

	n, err := t.counter.Incr(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to count connection: %w", err)
	}
	if n != 1 {
		return nil
	}

	if err := t.status.SetUserOnline(ctx, userID); err != nil {
		return fmt.Errorf("failed to persist online state: %w", err)
	}
	metrics.OnlineUsers.Inc()
	t.broadcast(ctx, models.Presence{UserID: userID, IsOnline: true})
	return nil
}

// UserDisconnected releases a connection. When none remain the user is
// marked offline with lastSeenAt set and friends are notified.
func (t *Tracker) UserDisconnected(ctx context.Context, userID string) error {
	unlock := t.locks.Lock(userID)
	defer unlock()

	n, err := t.counter.Decr(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to release connection: %w", err)
	}
	if n > 0 {
		return nil
	}

	lastSeen := t.now().UTC()
	if err := t.status.SetUserOffline(ctx, userID, lastSeen); err != nil {
		return fmt.Errorf("failed to persist offline state: %w", err)
	}
	if n == 0 {
		metrics.OnlineUsers.Dec()
	}
	t.broadcast(ctx, models.Presence{UserID: userID, IsOnline: false, LastSeenAt: &lastSeen})
	return nil
}

func (t *Tracker) broadcast(ctx context.Context, p models.Presence) {
	state := "offline"
	if p.IsOnline {
		state = "online"
	}
	friendIDs, err := t.friends.FriendIDs(ctx, p.UserID)
	if err != nil {
		t.logger.Error("failed to load friends for presence", zap.String("user_id", p.UserID), zap.Error(err))
		return
	}
	t.logger.Debug("presence changed",
		zap.String("user_id", p.UserID),
		zap.String("state", state),
		zap.Int("friends", len(friendIDs)))

	metrics.PresenceBroadcasts.WithLabelValues(state).Inc()
	if t.out == nil {
		return
	}
	for _, id := range friendIDs {
		t.out.EmitToUser(id, EventPresence, p)
	}
}

// PresenceForViewer returns target's snapshot as seen by viewer. Users see
// themselves unconditionally; anyone else sees only friends, and a nil
// snapshot otherwise.
func (t *Tracker) PresenceForViewer(ctx context.Context, targetID, viewerID string) (*models.Presence, error) {
	if targetID != viewerID {
		ok, err := t.friends.AreFriends(ctx, viewerID, targetID)
		if err != nil {
			return nil, apperr.Internal("failed to check friendship", err)
		}
		if !ok {
			return nil, nil
		}
	}

	p, err := t.status.GetPresence(ctx, targetID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Internal("failed to get presence", err)
	}
	return p, nil
}

// keyedMutex hands out one mutex per key and frees it once no goroutine
// holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
