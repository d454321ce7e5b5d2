// Package events publishes message notifications for downstream
// consumers such as push delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"socialchat/internal/metrics"
	"socialchat/internal/models"
)

const (
	TypeMessageCreated = "message.created"

	previewRunes = 80
)

// MessageCreated is the record written for every new chat message.
type MessageCreated struct {
	Type           string             `json:"type"`
	MessageID      string             `json:"messageId"`
	ConversationID string             `json:"conversationId"`
	SenderID       string             `json:"senderId"`
	RecipientIDs   []string           `json:"recipientIds"`
	MessageType    models.MessageType `json:"messageType"`
	Preview        string             `json:"preview,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	w      messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher writes to topic asynchronously; delivery outcomes are
// counted and logged from the writer's completion callback.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	p := &KafkaPublisher{logger: logger}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   p.completed,
	}
	return p
}

func (p *KafkaPublisher) completed(messages []kafka.Message, err error) {
	if err != nil {
		metrics.NotificationsPublished.WithLabelValues("error").Add(float64(len(messages)))
		p.logger.Warn("kafka delivery failed", zap.Int("messages", len(messages)), zap.Error(err))
		return
	}
	metrics.NotificationsPublished.WithLabelValues("ok").Add(float64(len(messages)))
}

// MessageCreated keys records by conversation so one conversation's
// notifications stay ordered within a partition.
func (p *KafkaPublisher) MessageCreated(ctx context.Context, msg *models.Message, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	value, err := json.Marshal(newMessageCreated(msg, recipientIDs))
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ConversationID),
		Value: value,
		Time:  msg.CreatedAt,
	})
	if err != nil {
		// Rejected before queueing, so the completion callback never sees it.
		metrics.NotificationsPublished.WithLabelValues("rejected").Inc()
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

func newMessageCreated(msg *models.Message, recipientIDs []string) MessageCreated {
	event := MessageCreated{
		Type:           TypeMessageCreated,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		RecipientIDs:   recipientIDs,
		MessageType:    msg.Type,
		CreatedAt:      msg.CreatedAt,
	}
	if msg.Content != nil {
		event.Preview = preview(*msg.Content)
	}
	return event
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes]) + "…"
}

// Noop discards notifications. It is used when no broker is configured.
type Noop struct{}

func (Noop) MessageCreated(context.Context, *models.Message, []string) error { return nil }
