package models

import "time"

type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

type MemberRole string

const (
	RoleOwner  MemberRole = "OWNER"
	RoleMember MemberRole = "MEMBER"
)

type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
	MessageFile  MessageType = "FILE"
	MessageVideo MessageType = "VIDEO"
	MessageAudio MessageType = "AUDIO"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageVideo, MessageAudio:
		return true
	}
	return false
}

// NeedsMedia reports whether messages of type t must carry a media locator.
func (t MessageType) NeedsMedia() bool {
	switch t {
	case MessageImage, MessageFile, MessageVideo, MessageAudio:
		return true
	}
	return false
}

type ReactionType string

const (
	ReactionLike  ReactionType = "LIKE"
	ReactionLove  ReactionType = "LOVE"
	ReactionHaha  ReactionType = "HAHA"
	ReactionWow   ReactionType = "WOW"
	ReactionSad   ReactionType = "SAD"
	ReactionAngry ReactionType = "ANGRY"
)

func (t ReactionType) Valid() bool {
	switch t {
	case ReactionLike, ReactionLove, ReactionHaha, ReactionWow, ReactionSad, ReactionAngry:
		return true
	}
	return false
}

type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "PENDING"
	FriendRequestAccepted FriendRequestStatus = "ACCEPTED"
	FriendRequestRejected FriendRequestStatus = "REJECTED"
)

type User struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Password   string     `json:"-"`
	Avatar     string     `json:"avatar"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// UserSummary is the public projection of a user embedded in other records.
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type FriendRequest struct {
	ID         string              `json:"id"`
	FromUserID string              `json:"fromUserId"`
	ToUserID   string              `json:"toUserId"`
	Status     FriendRequestStatus `json:"status"`
	CreatedAt  time.Time           `json:"createdAt"`
	FromUser   *UserSummary        `json:"fromUser,omitempty"`
}

type Friend struct {
	FriendID string `json:"friendId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type Conversation struct {
	ID          string               `json:"id"`
	Type        ConversationType     `json:"type"`
	Title       *string              `json:"title"`
	OwnerID     *string              `json:"ownerId"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
	Members     []ConversationMember `json:"members,omitempty"`
	LastMessage *Message             `json:"lastMessage,omitempty"`
}

type ConversationMember struct {
	ConversationID string       `json:"conversationId"`
	UserID         string       `json:"userId"`
	Role           MemberRole   `json:"role"`
	JoinedAt       time.Time    `json:"joinedAt"`
	User           *UserSummary `json:"user,omitempty"`
}

type Message struct {
	ID               string            `json:"id"`
	ConversationID   string            `json:"conversationId"`
	SenderID         string            `json:"senderId"`
	Type             MessageType       `json:"type"`
	Content          *string           `json:"content"`
	MediaURL         *string           `json:"mediaUrl"`
	ReplyToMessageID *string           `json:"replyToMessageId"`
	ClientMessageID  *string           `json:"clientMessageId,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	DeletedAt        *time.Time        `json:"deletedAt"`
	Sender           *UserSummary      `json:"sender,omitempty"`
	Reads            []MessageRead     `json:"reads,omitempty"`
	Reactions        []MessageReaction `json:"reactions,omitempty"`
}

type MessageRead struct {
	MessageID      string    `json:"messageId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
	ConversationID string    `json:"conversationId,omitempty"`
}

type MessageReaction struct {
	MessageID      string       `json:"messageId"`
	UserID         string       `json:"userId"`
	Type           ReactionType `json:"type"`
	CreatedAt      time.Time    `json:"createdAt"`
	ConversationID string       `json:"conversationId,omitempty"`
}

// Presence is the durable projection of a user's online state.
type Presence struct {
	UserID     string     `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt"`
}

// MessagePage is one page of reverse-chronological history.
type MessagePage struct {
	Items      []Message `json:"items"`
	NextCursor *string   `json:"nextCursor"`
	HasMore    bool      `json:"hasMore"`
}

// Request/Response structures
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Avatar   string `json:"avatar"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type CreateConversationRequest struct {
	Type        ConversationType `json:"type"`
	Title       string           `json:"title,omitempty"`
	OtherUserID string           `json:"otherUserId,omitempty"`
	MemberIDs   []string         `json:"memberIds,omitempty"`
}

type SendMessageRequest struct {
	ConversationID   string      `json:"conversationId"`
	Type             MessageType `json:"type"`
	Content          *string     `json:"content,omitempty"`
	MediaURL         *string     `json:"mediaUrl,omitempty"`
	ReplyToMessageID *string     `json:"replyToMessageId,omitempty"`
	ClientMessageID  *string     `json:"clientMessageId,omitempty"`
}

type FriendRequestCreate struct {
	ToUserID string `json:"toUserId"`
}

type AddMemberRequest struct {
	UserID string `json:"userId"`
}

type ReactRequest struct {
	Type ReactionType `json:"type"`
}

type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
