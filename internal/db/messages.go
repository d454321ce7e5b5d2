package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"socialchat/internal/models"
)

// Cursor is the (createdAt, id) sort key of the last message a client saw.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.type, m.content, m.media_url,
	m.reply_to_message_id, m.client_message_id, m.created_at, m.deleted_at, u.username, u.avatar`

const messageFrom = `FROM messages m JOIN users u ON u.id = m.sender_id`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		msg                       models.Message
		sender                    models.UserSummary
		content, media, reply, cm sql.NullString
		created                   int64
		deleted                   sql.NullInt64
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Type, &content, &media,
		&reply, &cm, &created, &deleted, &sender.Username, &sender.Avatar); err != nil {
		return nil, err
	}
	sender.ID = msg.SenderID
	msg.Sender = &sender
	msg.ReplyToMessageID = nullString(reply)
	msg.ClientMessageID = nullString(cm)
	msg.CreatedAt = fromNanos(created)
	msg.DeletedAt = nullTime(deleted)
	// Deleted messages stay in history as tombstones.
	if msg.DeletedAt == nil {
		msg.Content = nullString(content)
		msg.MediaURL = nullString(media)
	}
	return &msg, nil
}

// InsertMessage stores msg, the sender's own read receipt and the
// conversation's updated_at bump as one transaction. ErrDuplicate reports a
// clash on (conversation, sender, client message id).
func (db *DB) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	msg.ID = newID()
	msg.CreatedAt = time.Now().UTC()
	created := toNanos(msg.CreatedAt)

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, type, content, media_url,
				reply_to_message_id, client_message_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, msg.SenderID, msg.Type, msg.Content, msg.MediaURL,
			msg.ReplyToMessageID, msg.ClientMessageID, created)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to save message: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)",
			msg.ID, msg.SenderID, created,
		); err != nil {
			return fmt.Errorf("failed to save self read receipt: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?",
			created, msg.ConversationID,
		); err != nil {
			return fmt.Errorf("failed to bump conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.GetMessage(ctx, msg.ID)
}

// GetMessage loads one message with sender, reads and reactions.
func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` `+messageFrom+` WHERE m.id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	msgs := []models.Message{*msg}
	if err := db.attachReceipts(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// FindMessageByClientID looks up a previous send by its client-supplied id.
func (db *DB) FindMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*models.Message, error) {
	var id string
	err := db.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE conversation_id = ? AND sender_id = ? AND client_message_id = ?
	`, conversationID, senderID, clientID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up client message id: %w", err)
	}
	return db.GetMessage(ctx, id)
}

// LastMessage returns the newest message of a conversation, or nil.
func (db *DB) LastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	msgs, err := db.ListMessages(ctx, conversationID, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// ListMessages returns up to limit messages ordered by (created_at, id)
// descending, strictly older than before when it is set.
func (db *DB) ListMessages(ctx context.Context, conversationID string, before *Cursor, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` ` + messageFrom + ` WHERE m.conversation_id = ?`
	args := []any{conversationID}
	if before != nil {
		c := toNanos(before.CreatedAt)
		query += ` AND (m.created_at < ? OR (m.created_at = ? AND m.id < ?))`
		args = append(args, c, c, before.ID)
	}
	query += ` ORDER BY m.created_at DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	msgs := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	if err := db.attachReceipts(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// attachReceipts fills Reads and Reactions for msgs in two queries.
func (db *DB) attachReceipts(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]int, len(msgs))
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
		ids[i] = m.ID
	}
	in := placeholders(len(ids))

	rows, err := db.QueryContext(ctx,
		`SELECT message_id, user_id, read_at FROM message_reads WHERE message_id IN (`+in+`) ORDER BY read_at`,
		stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("failed to query reads: %w", err)
	}
	for rows.Next() {
		var (
			r  models.MessageRead
			at int64
		)
		if err := rows.Scan(&r.MessageID, &r.UserID, &at); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan read: %w", err)
		}
		r.ReadAt = fromNanos(at)
		i := index[r.MessageID]
		msgs[i].Reads = append(msgs[i].Reads, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = db.QueryContext(ctx,
		`SELECT message_id, user_id, type, created_at FROM message_reactions WHERE message_id IN (`+in+`) ORDER BY created_at`,
		stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("failed to query reactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r  models.MessageReaction
			at int64
		)
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Type, &at); err != nil {
			return fmt.Errorf("failed to scan reaction: %w", err)
		}
		r.CreatedAt = fromNanos(at)
		i := index[r.MessageID]
		msgs[i].Reactions = append(msgs[i].Reactions, r)
	}
	return rows.Err()
}

// UpsertRead records that userID read messageID. read_at never moves
// backwards.
func (db *DB) UpsertRead(ctx context.Context, messageID, userID string, at time.Time) (*models.MessageRead, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = MAX(read_at, excluded.read_at)
	`, messageID, userID, toNanos(at))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert read receipt: %w", err)
	}

	var readAt int64
	if err := db.QueryRowContext(ctx,
		"SELECT read_at FROM message_reads WHERE message_id = ? AND user_id = ?", messageID, userID,
	).Scan(&readAt); err != nil {
		return nil, fmt.Errorf("failed to read back receipt: %w", err)
	}
	return &models.MessageRead{MessageID: messageID, UserID: userID, ReadAt: fromNanos(readAt)}, nil
}

// SoftDeleteMessage marks a message deleted; already deleted rows keep
// their first deletion time.
func (db *DB) SoftDeleteMessage(ctx context.Context, id string, at time.Time) error {
	_, err := db.ExecContext(ctx,
		"UPDATE messages SET deleted_at = COALESCE(deleted_at, ?) WHERE id = ?", toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// UpsertReaction sets userID's reaction on a message, replacing any
// previous one.
func (db *DB) UpsertReaction(ctx context.Context, messageID, userID string, reaction models.ReactionType, at time.Time) (*models.MessageReaction, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO message_reactions (message_id, user_id, type, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, user_id) DO UPDATE SET type = excluded.type, created_at = excluded.created_at
	`, messageID, userID, reaction, toNanos(at))
	if err != nil {
		return nil, fmt.Errorf("failed to save reaction: %w", err)
	}
	return &models.MessageReaction{MessageID: messageID, UserID: userID, Type: reaction, CreatedAt: at.UTC()}, nil
}

// DeleteReaction removes userID's reaction and reports whether one existed.
func (db *DB) DeleteReaction(ctx context.Context, messageID, userID string) (bool, error) {
	result, err := db.ExecContext(ctx,
		"DELETE FROM message_reactions WHERE message_id = ? AND user_id = ?", messageID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete reaction: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}
