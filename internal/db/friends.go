package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"socialchat/internal/models"
)

// sortPair orders two user ids the way the friends table stores them.
func sortPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func (db *DB) AreFriends(ctx context.Context, a, b string) (bool, error) {
	u1, u2 := sortPair(a, b)
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM friends WHERE user_id1 = ? AND user_id2 = ?", u1, u2,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check friendship: %w", err)
	}
	return n > 0, nil
}

// FriendIDs returns the ids of everyone sharing a friend edge with userID.
func (db *DB) FriendIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT CASE WHEN user_id1 = ? THEN user_id2 ELSE user_id1 END
		FROM friends
		WHERE user_id1 = ? OR user_id2 = ?
	`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query friends: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan friend id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) ListFriends(ctx context.Context, userID string) ([]models.Friend, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT u.id, u.username, u.avatar
		FROM friends f
		JOIN users u ON u.id = CASE WHEN f.user_id1 = ? THEN f.user_id2 ELSE f.user_id1 END
		WHERE f.user_id1 = ? OR f.user_id2 = ?
		ORDER BY u.username COLLATE NOCASE
	`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	defer rows.Close()

	friends := []models.Friend{}
	for rows.Next() {
		var f models.Friend
		if err := rows.Scan(&f.FriendID, &f.Username, &f.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan friend: %w", err)
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

// AddFriend creates the edge between a and b; an existing edge is kept.
func (db *DB) AddFriend(ctx context.Context, a, b string) error {
	return addFriend(ctx, db, a, b, time.Now())
}

func addFriend(ctx context.Context, q querier, a, b string, at time.Time) error {
	u1, u2 := sortPair(a, b)
	_, err := q.ExecContext(ctx,
		"INSERT OR IGNORE INTO friends (user_id1, user_id2, created_at) VALUES (?, ?, ?)",
		u1, u2, toNanos(at),
	)
	if err != nil {
		return fmt.Errorf("failed to add friend edge: %w", err)
	}
	return nil
}

func (db *DB) CreateFriendRequest(ctx context.Context, fromUserID, toUserID string) (*models.FriendRequest, error) {
	req := &models.FriendRequest{
		ID:         newID(),
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Status:     models.FriendRequestPending,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO friend_requests (id, from_user_id, to_user_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, req.ID, req.FromUserID, req.ToUserID, req.Status, toNanos(req.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create friend request: %w", err)
	}
	return req, nil
}

func (db *DB) GetFriendRequest(ctx context.Context, id string) (*models.FriendRequest, error) {
	var (
		req     models.FriendRequest
		created int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, from_user_id, to_user_id, status, created_at
		FROM friend_requests WHERE id = ?
	`, id).Scan(&req.ID, &req.FromUserID, &req.ToUserID, &req.Status, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get friend request: %w", err)
	}
	req.CreatedAt = fromNanos(created)
	return &req, nil
}

func (db *DB) PendingRequestExists(ctx context.Context, fromUserID, toUserID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM friend_requests
		WHERE from_user_id = ? AND to_user_id = ? AND status = ?
	`, fromUserID, toUserID, models.FriendRequestPending).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending request: %w", err)
	}
	return n > 0, nil
}

func (db *DB) ListReceivedRequests(ctx context.Context, userID string) ([]models.FriendRequest, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.id, r.from_user_id, r.to_user_id, r.status, r.created_at,
			u.id, u.username, u.avatar
		FROM friend_requests r
		JOIN users u ON u.id = r.from_user_id
		WHERE r.to_user_id = ? AND r.status = ?
		ORDER BY r.created_at DESC
	`, userID, models.FriendRequestPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list friend requests: %w", err)
	}
	defer rows.Close()

	requests := []models.FriendRequest{}
	for rows.Next() {
		var (
			req     models.FriendRequest
			from    models.UserSummary
			created int64
		)
		if err := rows.Scan(&req.ID, &req.FromUserID, &req.ToUserID, &req.Status, &created,
			&from.ID, &from.Username, &from.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan friend request: %w", err)
		}
		req.CreatedAt = fromNanos(created)
		req.FromUser = &from
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// ResolveFriendRequest sets the request status; accepting also creates the
// friend edge in the same transaction.
func (db *DB) ResolveFriendRequest(ctx context.Context, req *models.FriendRequest, accept bool) error {
	status := models.FriendRequestRejected
	if accept {
		status = models.FriendRequestAccepted
	}
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE friend_requests SET status = ? WHERE id = ?", status, req.ID,
		); err != nil {
			return fmt.Errorf("failed to update friend request: %w", err)
		}
		if !accept {
			return nil
		}
		return addFriend(ctx, tx, req.FromUserID, req.ToUserID, time.Now())
	})
}
