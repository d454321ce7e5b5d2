// Package conversations owns conversation and membership records and the
// membership gate every message operation passes through.
package conversations

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"socialchat/internal/apperr"
	"socialchat/internal/db"
	"socialchat/internal/models"
)

// Store is the persistence the directory needs. *db.DB implements it.
type Store interface {
	UsersExist(ctx context.Context, ids []string) (map[string]bool, error)
	FindDirectConversation(ctx context.Context, a, b string) (*models.Conversation, error)
	CreateDirectConversation(ctx context.Context, a, b string) (*models.Conversation, error)
	CreateGroupConversation(ctx context.Context, ownerID, title string, memberIDs []string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListUserConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	GetMember(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error)
	AddMember(ctx context.Context, conversationID, userID string, role models.MemberRole) error
	RemoveMember(ctx context.Context, conversationID, userID string) error
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
}

type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func (s *Service) Create(ctx context.Context, requesterID string, req models.CreateConversationRequest) (*models.Conversation, error) {
	switch req.Type {
	case models.ConversationDirect:
		return s.createDirect(ctx, requesterID, req.OtherUserID)
	case models.ConversationGroup:
		return s.createGroup(ctx, requesterID, req.Title, req.MemberIDs)
	default:
		return nil, apperr.InvalidArgument("unsupported conversation type %q", req.Type)
	}
}

func (s *Service) createDirect(ctx context.Context, requesterID, otherUserID string) (*models.Conversation, error) {
	if otherUserID == "" {
		return nil, apperr.InvalidArgument("otherUserId is required for DIRECT")
	}
	if otherUserID == requesterID {
		return nil, apperr.InvalidArgument("cannot create direct conversation with yourself")
	}

	existing, err := s.store.FindDirectConversation(ctx, requesterID, otherUserID)
	if err != nil {
		return nil, apperr.Internal("failed to check existing conversation", err)
	}
	if existing != nil {
		return existing, nil
	}

	if err := s.requireUsers(ctx, []string{otherUserID}); err != nil {
		return nil, err
	}

	conv, err := s.store.CreateDirectConversation(ctx, requesterID, otherUserID)
	if errors.Is(err, db.ErrDuplicate) {
		// Lost the race for this pair; the winner's row is the conversation.
		conv, err = s.store.FindDirectConversation(ctx, requesterID, otherUserID)
		if err == nil && conv == nil {
			err = errors.New("direct conversation vanished after duplicate insert")
		}
	}
	if err != nil {
		return nil, apperr.Internal("failed to create conversation", err)
	}

	s.logger.Info("direct conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", requesterID),
		zap.String("other_user_id", otherUserID))
	return conv, nil
}

func (s *Service) createGroup(ctx context.Context, requesterID, title string, memberIDs []string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.InvalidArgument("title is required for GROUP")
	}

	seen := map[string]bool{requesterID: true}
	unique := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	if err := s.requireUsers(ctx, unique); err != nil {
		return nil, err
	}

	conv, err := s.store.CreateGroupConversation(ctx, requesterID, title, unique)
	if err != nil {
		return nil, apperr.Internal("failed to create conversation", err)
	}

	s.logger.Info("group conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("owner_id", requesterID),
		zap.Int("members", len(unique)+1))
	return conv, nil
}

func (s *Service) requireUsers(ctx context.Context, ids []string) error {
	found, err := s.store.UsersExist(ctx, ids)
	if err != nil {
		return apperr.Internal("failed to check users", err)
	}
	for _, id := range ids {
		if !found[id] {
			return apperr.NotFound("user %s not found", id)
		}
	}
	return nil
}

func (s *Service) List(ctx context.Context, userID string) ([]models.Conversation, error) {
	convs, err := s.store.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to fetch conversations", err)
	}
	return convs, nil
}

func (s *Service) Get(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !hasMember(conv, userID) {
		return nil, apperr.Forbidden("you are not a member of this conversation")
	}
	return conv, nil
}

func (s *Service) AddMember(ctx context.Context, ownerID, conversationID, memberID string) (*models.Conversation, error) {
	conv, err := s.loadOwnedGroup(ctx, ownerID, conversationID, "add")
	if err != nil {
		return nil, err
	}
	if hasMember(conv, memberID) {
		return conv, nil
	}
	if err := s.requireUsers(ctx, []string{memberID}); err != nil {
		return nil, err
	}

	if err := s.store.AddMember(ctx, conversationID, memberID, models.RoleMember); err != nil {
		return nil, apperr.Internal("failed to add member", err)
	}
	s.logger.Info("member added",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", memberID))
	return s.load(ctx, conversationID)
}

func (s *Service) RemoveMember(ctx context.Context, ownerID, conversationID, memberID string) error {
	if _, err := s.loadOwnedGroup(ctx, ownerID, conversationID, "remove"); err != nil {
		return err
	}
	if memberID == ownerID {
		return apperr.InvalidArgument("owner cannot be removed")
	}

	if err := s.store.RemoveMember(ctx, conversationID, memberID); err != nil {
		return apperr.Internal("failed to remove member", err)
	}
	s.logger.Info("member removed",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", memberID))
	return nil
}

// EnsureMember is the membership gate. It fails with Forbidden when userID
// has no membership row in the conversation.
func (s *Service) EnsureMember(ctx context.Context, userID, conversationID string) (*models.ConversationMember, error) {
	member, err := s.store.GetMember(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.Forbidden("you are not a member of this conversation")
		}
		return nil, apperr.Internal("failed to check membership", err)
	}
	return member, nil
}

// MemberIDs lists the user ids of a conversation's members.
func (s *Service) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := s.store.MemberIDs(ctx, conversationID)
	if err != nil {
		return nil, apperr.Internal("failed to get participants", err)
	}
	return ids, nil
}

func (s *Service) load(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, apperr.Internal("failed to fetch conversation", err)
	}
	return conv, nil
}

func (s *Service) loadOwnedGroup(ctx context.Context, ownerID, conversationID, verb string) (*models.Conversation, error) {
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type != models.ConversationGroup {
		return nil, apperr.InvalidArgument("only GROUP conversations can %s members", verb)
	}
	if conv.OwnerID == nil || *conv.OwnerID != ownerID {
		return nil, apperr.Forbidden("only the owner can %s members", verb)
	}
	return conv, nil
}

func hasMember(conv *models.Conversation, userID string) bool {
	for _, m := range conv.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
