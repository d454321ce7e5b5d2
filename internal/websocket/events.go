package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"socialchat/internal/apperr"
	"socialchat/internal/models"
)

// Inbound events.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventMessageRead       = "message_read"
	EventGetPresence       = "get_presence"
	EventReactMessage      = "react_message"
	EventUnreactMessage    = "unreact_message"
)

// Outbound events. message_read is both inbound and outbound.
const (
	EventMessage          = "message"
	EventPresenceResponse = "presence_response"
	EventMessageReaction  = "message_reaction"
	EventError            = "ws_error"
	EventJoined           = "joined"
)

// inbound is the envelope as read off the socket.
type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type messagePayload struct {
	MessageID string `json:"messageId"`
}

type presencePayload struct {
	UserID string `json:"userId"`
}

type reactPayload struct {
	MessageID string              `json:"messageId"`
	Type      models.ReactionType `json:"type"`
}

type presenceResponse struct {
	UserID   string           `json:"userId"`
	Presence *models.Presence `json:"presence"`
}

type readEvent struct {
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type errorBody struct {
	Message string      `json:"message"`
	Code    apperr.Kind `json:"code"`
}

type errorEvent struct {
	Error errorBody       `json:"error"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// decodeStrict unmarshals a payload rejecting unknown fields and trailing
// data.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return apperr.InvalidArgument("payload is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.InvalidArgument("invalid payload: %v", err)
	}
	if dec.More() {
		return apperr.InvalidArgument("invalid payload: trailing data")
	}
	return nil
}

func requireID(field, value string) error {
	if value == "" {
		return apperr.InvalidArgument("%s is required", field)
	}
	if _, err := uuid.Parse(value); err != nil {
		return apperr.InvalidArgument("%s must be a UUID", field)
	}
	return nil
}

func optionalID(field string, value *string) error {
	if value == nil {
		return nil
	}
	return requireID(field, *value)
}

func validateSend(req *models.SendMessageRequest) error {
	if err := requireID("conversationId", req.ConversationID); err != nil {
		return err
	}
	if req.Type == "" {
		return apperr.InvalidArgument("type is required")
	}
	if err := optionalID("replyToMessageId", req.ReplyToMessageID); err != nil {
		return err
	}
	return nil
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(models.WebSocketMessage{Type: event, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	return data, nil
}
