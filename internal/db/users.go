package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"socialchat/internal/models"
)

const userColumns = `id, username, password, avatar, is_online, last_seen_at, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var (
		u        models.User
		lastSeen sql.NullInt64
		created  int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Avatar, &u.IsOnline, &lastSeen, &created); err != nil {
		return nil, err
	}
	u.LastSeenAt = nullTime(lastSeen)
	u.CreatedAt = fromNanos(created)
	return &u, nil
}

func (db *DB) CreateUser(ctx context.Context, username, password, avatar string) (*models.User, error) {
	user := &models.User{
		ID:        newID(),
		Username:  username,
		Password:  password,
		Avatar:    avatar,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.ExecContext(ctx,
		"INSERT INTO users (id, username, password, avatar, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Username, user.Password, user.Avatar, toNanos(user.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database error looking up user %s: %w", username, err)
	}
	return user, nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database error looking up user %s: %w", id, err)
	}
	return user, nil
}

// UsersExist reports which of ids have a user row.
func (db *DB) UsersExist(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id FROM users WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to check users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

// SearchUsers searches for users by username with case-insensitive partial
// matching. An empty query lists users alphabetically.
func (db *DB) SearchUsers(ctx context.Context, query string, limit int) ([]models.UserSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, username, avatar
		FROM users
		WHERE username LIKE ? COLLATE NOCASE
		ORDER BY
			CASE
				WHEN username LIKE ? COLLATE NOCASE THEN 1  -- Exact match
				WHEN username LIKE ? COLLATE NOCASE THEN 2  -- Starts with
				ELSE 3                                      -- Contains
			END,
			username COLLATE NOCASE
		LIMIT ?
	`, "%"+query+"%", query, query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	users := []models.UserSummary{}
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.ID, &u.Username, &u.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

func (db *DB) SetUserOnline(ctx context.Context, id string) error {
	return db.setPresence(ctx, id, true, sql.NullInt64{})
}

func (db *DB) SetUserOffline(ctx context.Context, id string, lastSeen time.Time) error {
	return db.setPresence(ctx, id, false, sql.NullInt64{Int64: toNanos(lastSeen), Valid: true})
}

func (db *DB) setPresence(ctx context.Context, id string, online bool, lastSeen sql.NullInt64) error {
	query := "UPDATE users SET is_online = ? WHERE id = ?"
	args := []any{online, id}
	if lastSeen.Valid {
		query = "UPDATE users SET is_online = ?, last_seen_at = ? WHERE id = ?"
		args = []any{online, lastSeen.Int64, id}
	}
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update presence for %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) GetPresence(ctx context.Context, id string) (*models.Presence, error) {
	var (
		p        models.Presence
		lastSeen sql.NullInt64
	)
	err := db.QueryRowContext(ctx,
		"SELECT id, is_online, last_seen_at FROM users WHERE id = ?", id,
	).Scan(&p.UserID, &p.IsOnline, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read presence for %s: %w", id, err)
	}
	p.LastSeenAt = nullTime(lastSeen)
	return &p, nil
}
