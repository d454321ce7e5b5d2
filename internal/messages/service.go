// Package messages stores chat messages, read receipts and reactions, and
// serves history with keyset pagination over (createdAt, id).
package messages

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"socialchat/internal/apperr"
	"socialchat/internal/db"
	"socialchat/internal/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	MaxClientMessageID = 128
)

// Store is the message persistence. *db.DB implements it.
type Store interface {
	InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	FindMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string, before *db.Cursor, limit int) ([]models.Message, error)
	UpsertRead(ctx context.Context, messageID, userID string, at time.Time) (*models.MessageRead, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) error
	UpsertReaction(ctx context.Context, messageID, userID string, reaction models.ReactionType, at time.Time) (*models.MessageReaction, error)
	DeleteReaction(ctx context.Context, messageID, userID string) (bool, error)
}

// Gate is the membership check, implemented by conversations.Service.
type Gate interface {
	EnsureMember(ctx context.Context, userID, conversationID string) (*models.ConversationMember, error)
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
}

// Notifier records and pushes new-message notifications for recipients.
type Notifier interface {
	MessageCreated(ctx context.Context, msg *models.Message, recipientIDs []string) error
}

// ReactionChange describes a reaction being set or cleared. Type is nil
// when the reaction was removed.
type ReactionChange struct {
	ConversationID string               `json:"conversationId"`
	MessageID      string               `json:"messageId"`
	UserID         string               `json:"userId"`
	Type           *models.ReactionType `json:"type"`
}

type Service struct {
	store    Store
	gate     Gate
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store Store, gate Gate, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		gate:     gate,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) Send(ctx context.Context, senderID string, req models.SendMessageRequest) (*models.Message, error) {
	if _, err := s.gate.EnsureMember(ctx, senderID, req.ConversationID); err != nil {
		return nil, err
	}
	if err := validatePayload(&req); err != nil {
		return nil, err
	}

	if req.ClientMessageID != nil {
		existing, err := s.store.FindMessageByClientID(ctx, req.ConversationID, senderID, *req.ClientMessageID)
		if err == nil {
			s.logger.Debug("duplicate send replayed",
				zap.String("message_id", existing.ID),
				zap.String("client_message_id", *req.ClientMessageID))
			return existing, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, apperr.Internal("failed to save message", err)
		}
	}

	if req.ReplyToMessageID != nil {
		parent, err := s.store.GetMessage(ctx, *req.ReplyToMessageID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, apperr.Internal("failed to check reply target", err)
		}
		if parent == nil || parent.ConversationID != req.ConversationID {
			return nil, apperr.InvalidArgument("invalid replyToMessageId")
		}
	}

	msg, err := s.store.InsertMessage(ctx, &models.Message{
		ConversationID:   req.ConversationID,
		SenderID:         senderID,
		Type:             req.Type,
		Content:          req.Content,
		MediaURL:         req.MediaURL,
		ReplyToMessageID: req.ReplyToMessageID,
		ClientMessageID:  req.ClientMessageID,
	})
	if errors.Is(err, db.ErrDuplicate) && req.ClientMessageID != nil {
		// A concurrent retry with the same client id won the insert.
		return s.store.FindMessageByClientID(ctx, req.ConversationID, senderID, *req.ClientMessageID)
	}
	if err != nil {
		return nil, apperr.Internal("failed to save message", err)
	}

	s.logger.Debug("message saved",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", msg.ConversationID),
		zap.String("sender_id", senderID))

	s.notify(ctx, msg)
	return msg, nil
}

// validatePayload checks the message shape and normalizes clientMessageId
// in place so every transport dedupes on the same key.
func validatePayload(req *models.SendMessageRequest) error {
	if !req.Type.Valid() {
		return apperr.InvalidArgument("unsupported message type %q", req.Type)
	}
	if req.Type == models.MessageText && (req.Content == nil || strings.TrimSpace(*req.Content) == "") {
		return apperr.InvalidArgument("content is required for TEXT")
	}
	if req.Type.NeedsMedia() && (req.MediaURL == nil || strings.TrimSpace(*req.MediaURL) == "") {
		return apperr.InvalidArgument("mediaUrl is required for %s messages", req.Type)
	}
	if req.ClientMessageID != nil {
		id := strings.TrimSpace(*req.ClientMessageID)
		if id == "" || len(id) > MaxClientMessageID {
			return apperr.InvalidArgument("clientMessageId must be 1 to %d characters", MaxClientMessageID)
		}
		req.ClientMessageID = &id
	}
	return nil
}

// notify hands the message to the notification sink. A failing sink never
// fails the send; the message is already committed.
func (s *Service) notify(ctx context.Context, msg *models.Message) {
	if s.notifier == nil {
		return
	}
	members, err := s.gate.MemberIDs(ctx, msg.ConversationID)
	if err != nil {
		s.logger.Warn("failed to resolve notification recipients", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	recipients := make([]string, 0, len(members))
	for _, id := range members {
		if id != msg.SenderID {
			recipients = append(recipients, id)
		}
	}
	if err := s.notifier.MessageCreated(ctx, msg, recipients); err != nil {
		s.logger.Warn("failed to publish message notification", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// List returns one page of history, newest first. cursor is the id of the
// oldest message of the previous page.
func (s *Service) List(ctx context.Context, userID, conversationID, cursor string, limit int) (*models.MessagePage, error) {
	if _, err := s.gate.EnsureMember(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	if limit < 1 {
		return nil, apperr.InvalidArgument("limit must be at least 1")
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var before *db.Cursor
	if cursor != "" {
		anchor, err := s.store.GetMessage(ctx, cursor)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, apperr.Internal("failed to resolve cursor", err)
		}
		if anchor == nil || anchor.ConversationID != conversationID {
			return nil, apperr.NotFound("cursor message not found")
		}
		before = &db.Cursor{CreatedAt: anchor.CreatedAt, ID: anchor.ID}
	}

	items, err := s.store.ListMessages(ctx, conversationID, before, limit)
	if err != nil {
		return nil, apperr.Internal("failed to fetch messages", err)
	}

	page := &models.MessagePage{Items: items, HasMore: len(items) == limit}
	if page.HasMore {
		last := items[len(items)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

// MarkRead records a read receipt for userID. The receipt's readAt never
// moves backwards on re-acknowledgment.
func (s *Service) MarkRead(ctx context.Context, userID, messageID string) (*models.MessageRead, error) {
	msg, err := s.member(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	read, err := s.store.UpsertRead(ctx, messageID, userID, s.now())
	if err != nil {
		return nil, apperr.Internal("failed to mark message read", err)
	}
	read.ConversationID = msg.ConversationID
	return read, nil
}

// Delete soft-deletes a message. Only its sender may delete it.
func (s *Service) Delete(ctx context.Context, userID, messageID string) (*models.Message, error) {
	msg, err := s.member(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, apperr.Forbidden("only the sender can delete a message")
	}
	if err := s.store.SoftDeleteMessage(ctx, messageID, s.now()); err != nil {
		return nil, apperr.Internal("failed to delete message", err)
	}
	deleted, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, apperr.Internal("failed to reload message", err)
	}
	return deleted, nil
}

func (s *Service) React(ctx context.Context, userID, messageID string, reaction models.ReactionType) (*ReactionChange, error) {
	if !reaction.Valid() {
		return nil, apperr.InvalidArgument("unsupported reaction type %q", reaction)
	}
	msg, err := s.member(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.DeletedAt != nil {
		return nil, apperr.InvalidArgument("cannot react to a deleted message")
	}
	if _, err := s.store.UpsertReaction(ctx, messageID, userID, reaction, s.now()); err != nil {
		return nil, apperr.Internal("failed to save reaction", err)
	}
	return &ReactionChange{ConversationID: msg.ConversationID, MessageID: messageID, UserID: userID, Type: &reaction}, nil
}

func (s *Service) Unreact(ctx context.Context, userID, messageID string) (*ReactionChange, error) {
	msg, err := s.member(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.DeleteReaction(ctx, messageID, userID); err != nil {
		return nil, apperr.Internal("failed to remove reaction", err)
	}
	return &ReactionChange{ConversationID: msg.ConversationID, MessageID: messageID, UserID: userID}, nil
}

// member resolves the message and passes userID through the membership gate
// of its conversation.
func (s *Service) member(ctx context.Context, userID, messageID string) (*models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, apperr.Internal("failed to get message", err)
	}
	if _, err := s.gate.EnsureMember(ctx, userID, msg.ConversationID); err != nil {
		return nil, err
	}
	return msg, nil
}
