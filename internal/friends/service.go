// Package friends manages friend requests and the symmetric friend graph
// that presence fans out over.
package friends

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"socialchat/internal/apperr"
	"socialchat/internal/db"
	"socialchat/internal/models"
)

type Store interface {
	UsersExist(ctx context.Context, ids []string) (map[string]bool, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
	ListFriends(ctx context.Context, userID string) ([]models.Friend, error)
	CreateFriendRequest(ctx context.Context, fromUserID, toUserID string) (*models.FriendRequest, error)
	GetFriendRequest(ctx context.Context, id string) (*models.FriendRequest, error)
	PendingRequestExists(ctx context.Context, fromUserID, toUserID string) (bool, error)
	ListReceivedRequests(ctx context.Context, userID string) ([]models.FriendRequest, error)
	ResolveFriendRequest(ctx context.Context, req *models.FriendRequest, accept bool) error
}

type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func (s *Service) SendRequest(ctx context.Context, fromUserID, toUserID string) (*models.FriendRequest, error) {
	if toUserID == "" {
		return nil, apperr.InvalidArgument("toUserId is required")
	}
	if fromUserID == toUserID {
		return nil, apperr.InvalidArgument("cannot send friend request to yourself")
	}

	found, err := s.store.UsersExist(ctx, []string{toUserID})
	if err != nil {
		return nil, apperr.Internal("failed to check user", err)
	}
	if !found[toUserID] {
		return nil, apperr.NotFound("user not found")
	}

	friends, err := s.store.AreFriends(ctx, fromUserID, toUserID)
	if err != nil {
		return nil, apperr.Internal("failed to check friendship", err)
	}
	if friends {
		return nil, apperr.InvalidArgument("already friends")
	}

	pending, err := s.store.PendingRequestExists(ctx, fromUserID, toUserID)
	if err != nil {
		return nil, apperr.Internal("failed to check pending requests", err)
	}
	if pending {
		return nil, apperr.InvalidArgument("friend request already sent")
	}

	req, err := s.store.CreateFriendRequest(ctx, fromUserID, toUserID)
	if err != nil {
		return nil, apperr.Internal("failed to create friend request", err)
	}
	s.logger.Info("friend request sent",
		zap.String("request_id", req.ID),
		zap.String("from_user_id", fromUserID),
		zap.String("to_user_id", toUserID))
	return req, nil
}

func (s *Service) ListReceived(ctx context.Context, userID string) ([]models.FriendRequest, error) {
	reqs, err := s.store.ListReceivedRequests(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to fetch friend requests", err)
	}
	return reqs, nil
}

// Respond accepts or rejects a pending request addressed to userID.
func (s *Service) Respond(ctx context.Context, userID, requestID string, accept bool) error {
	req, err := s.store.GetFriendRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.NotFound("request not found")
		}
		return apperr.Internal("failed to get friend request", err)
	}
	if req.ToUserID != userID {
		return apperr.Forbidden("request is not addressed to you")
	}
	if req.Status != models.FriendRequestPending {
		return apperr.InvalidArgument("request is not pending")
	}

	if err := s.store.ResolveFriendRequest(ctx, req, accept); err != nil {
		return apperr.Internal("failed to respond to friend request", err)
	}
	s.logger.Info("friend request resolved",
		zap.String("request_id", req.ID),
		zap.Bool("accepted", accept))
	return nil
}

func (s *Service) ListFriends(ctx context.Context, userID string) ([]models.Friend, error) {
	friends, err := s.store.ListFriends(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to fetch friends", err)
	}
	return friends, nil
}

func (s *Service) AreFriends(ctx context.Context, a, b string) (bool, error) {
	ok, err := s.store.AreFriends(ctx, a, b)
	if err != nil {
		return false, apperr.Internal("failed to check friendship", err)
	}
	return ok, nil
}
