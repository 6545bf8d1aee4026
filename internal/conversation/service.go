// ABOUTME: Conversation room service for history paging and message posting.
// ABOUTME: All room messages flow through here so persistence precedes fan-out.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hexalink/hexalink/internal/protocol"
	"github.com/hexalink/hexalink/internal/store"
)

// DefaultPageSize is the number of messages returned per history page and
// per load-more request.
const DefaultPageSize = 20

// Service owns conversation rooms: it pages history out of the store and
// persists new messages before broadcasting them to room subscribers.
type Service struct {
	store       store.Store
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// NewService creates the room service.
func NewService(st store.Store, broadcaster *Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversation"),
	}
}

// Broadcaster exposes the underlying room broadcaster for subscription.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// EnsureConversation returns the conversation with the given ID, creating it
// if it does not exist yet. Registration references conversations that may
// not have been set up ahead of time.
func (s *Service) EnsureConversation(ctx context.Context, id, title, createdBy string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	conv = &store.Conversation{
		ID:        id,
		Title:     title,
		Type:      "agent_control",
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation %s: %w", id, err)
	}
	s.logger.Info("conversation created", "conversation_id", id, "created_by", createdBy)
	return conv, nil
}

// History returns one page of a conversation's messages, newest first.
// Page numbering starts at 1.
func (s *Service) History(ctx context.Context, conversationID string, page int) ([]*store.Message, error) {
	if page < 1 {
		page = 1
	}
	return s.store.ListMessagesPage(ctx, conversationID, page, DefaultPageSize)
}

// HistoryBefore returns up to DefaultPageSize messages created strictly
// before the cursor, for backfilling older history on scroll.
func (s *Service) HistoryBefore(ctx context.Context, conversationID string, before time.Time) ([]*store.Message, error) {
	return s.store.ListMessagesBefore(ctx, conversationID, before, false, DefaultPageSize)
}

// PostMessage persists a message and then broadcasts it to the room. The
// message is saved first; subscribers only ever see durable messages. A
// missing ID or timestamp is filled in.
func (s *Service) PostMessage(ctx context.Context, msg *store.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("saving message: %w", err)
	}

	env, err := protocol.NewEnvelope(protocol.EventMessageStream, MessagePayload(msg))
	if err != nil {
		return fmt.Errorf("encoding message event: %w", err)
	}
	s.broadcaster.Publish(msg.ConversationID, env, "")

	s.logger.Debug("message posted",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"role", msg.Role,
		"type", msg.Type,
	)
	return nil
}

// PublishStatus broadcasts an agent status change to the agent's
// conversation room. Status changes are ephemeral room events; the durable
// record lives in the agents table.
func (s *Service) PublishStatus(conversationID, agentID, status string, lastSeen time.Time) {
	env, err := protocol.NewEnvelope(protocol.EventAgentStatus, &protocol.StatusUpdate{
		AgentID:  agentID,
		Status:   status,
		LastSeen: lastSeen.UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Error("encoding status event", "error", err)
		return
	}
	s.broadcaster.Publish(conversationID, env, "")
}

// MessageView is the wire shape of one room message.
type MessageView struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	TaskID         string `json:"task_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// MessagePayload converts a stored message to its wire shape.
func MessagePayload(msg *store.Message) *MessageView {
	return &MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Type:           msg.Type,
		TaskID:         msg.TaskID,
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// MessagePayloads converts a history slice to wire shapes.
func MessagePayloads(msgs []*store.Message) []*MessageView {
	views := make([]*MessageView, len(msgs))
	for i, msg := range msgs {
		views[i] = MessagePayload(msg)
	}
	return views
}
