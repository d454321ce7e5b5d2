package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"socialchat/internal/models"
)

const conversationColumns = `c.id, c.type, c.title, c.owner_id, c.created_at, c.updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	var (
		conv             models.Conversation
		title, owner     sql.NullString
		created, updated int64
	)
	if err := row.Scan(&conv.ID, &conv.Type, &title, &owner, &created, &updated); err != nil {
		return nil, err
	}
	conv.Title = nullString(title)
	conv.OwnerID = nullString(owner)
	conv.CreatedAt = fromNanos(created)
	conv.UpdatedAt = fromNanos(updated)
	return &conv, nil
}

// directKey identifies the unordered user pair of a DIRECT conversation.
func directKey(a, b string) string {
	u1, u2 := sortPair(a, b)
	return u1 + ":" + u2
}

// FindDirectConversation returns the DIRECT conversation for the pair, or
// nil when none exists.
func (db *DB) FindDirectConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.type = ? AND c.direct_key = ?
	`, models.ConversationDirect, directKey(a, b))
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query existing conversation: %w", err)
	}
	if conv.Members, err = db.ConversationMembers(ctx, conv.ID); err != nil {
		return nil, err
	}
	return conv, nil
}

// CreateDirectConversation inserts the pair's conversation with both users
// as MEMBER. ErrDuplicate means another writer created it first.
func (db *DB) CreateDirectConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        newID(),
		Type:      models.ConversationDirect,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, type, direct_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, conv.ID, conv.Type, directKey(a, b), toNanos(now), toNanos(now))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		for _, userID := range []string{a, b} {
			if err := insertMember(ctx, tx, conv.ID, userID, models.RoleMember, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.GetConversation(ctx, conv.ID)
}

// CreateGroupConversation inserts a GROUP with ownerID as OWNER and
// memberIDs as MEMBER. Callers dedupe memberIDs.
func (db *DB) CreateGroupConversation(ctx context.Context, ownerID, title string, memberIDs []string) (*models.Conversation, error) {
	now := time.Now().UTC()
	id := newID()
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, type, title, owner_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, models.ConversationGroup, title, ownerID, toNanos(now), toNanos(now))
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		if err := insertMember(ctx, tx, id, ownerID, models.RoleOwner, now); err != nil {
			return err
		}
		for _, userID := range memberIDs {
			if err := insertMember(ctx, tx, id, userID, models.RoleMember, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.GetConversation(ctx, id)
}

func insertMember(ctx context.Context, q querier, conversationID, userID string, role models.MemberRole, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_members (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, userID, role, toNanos(at))
	if err != nil {
		return fmt.Errorf("failed to add participant %s: %w", userID, err)
	}
	return nil
}

// GetConversation loads a conversation with its members.
func (db *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	if conv.Members, err = db.ConversationMembers(ctx, id); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListUserConversations returns the user's conversations, most recently
// updated first, each with members and its latest message.
func (db *DB) ListUserConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_members cm ON c.id = cm.conversation_id
		WHERE cm.user_id = ?
		ORDER BY c.updated_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	conversations := []models.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, *conv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	for i := range conversations {
		conv := &conversations[i]
		if conv.Members, err = db.ConversationMembers(ctx, conv.ID); err != nil {
			return nil, err
		}
		if conv.LastMessage, err = db.LastMessage(ctx, conv.ID); err != nil {
			return nil, err
		}
	}
	return conversations, nil
}

func (db *DB) ConversationMembers(ctx context.Context, conversationID string) ([]models.ConversationMember, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT cm.conversation_id, cm.user_id, cm.role, cm.joined_at, u.username, u.avatar
		FROM conversation_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.conversation_id = ?
		ORDER BY cm.joined_at, cm.user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}
	defer rows.Close()

	var members []models.ConversationMember
	for rows.Next() {
		var (
			m      models.ConversationMember
			u      models.UserSummary
			joined int64
		)
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role, &joined, &u.Username, &u.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		u.ID = m.UserID
		m.JoinedAt = fromNanos(joined)
		m.User = &u
		members = append(members, m)
	}
	return members, rows.Err()
}

// GetMember returns the membership row or ErrNotFound.
func (db *DB) GetMember(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error) {
	var (
		m      models.ConversationMember
		joined int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, role, joined_at
		FROM conversation_members
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&m.ConversationID, &m.UserID, &m.Role, &joined)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	m.JoinedAt = fromNanos(joined)
	return &m, nil
}

func (db *DB) AddMember(ctx context.Context, conversationID, userID string, role models.MemberRole) error {
	return insertMember(ctx, db, conversationID, userID, role, time.Now())
}

func (db *DB) RemoveMember(ctx context.Context, conversationID, userID string) error {
	_, err := db.ExecContext(ctx,
		"DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

// MemberIDs returns all participant ids for a conversation.
func (db *DB) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT user_id FROM conversation_members WHERE conversation_id = ?", conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
