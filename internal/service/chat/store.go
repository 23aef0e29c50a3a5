// Package chat persists conversations, their messages and the model
// configurations used to answer them.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhouzirui/localchat/backend/internal/model/chat"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrModelConfigNotFound  = errors.New("model config not found")
	ErrInvalidMessage       = errors.New("invalid message")
)

// Store is the persistence boundary used by the turn orchestrator and the
// HTTP handlers.
type Store interface {
	// SaveMessage stores m, assigning an id and timestamp when absent. The
	// conversation must exist.
	SaveMessage(ctx context.Context, m chat.Message) (chat.Message, error)
	// GetMessages returns the conversation history oldest first.
	GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error

	CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	// ListConversations returns conversations most recently updated first.
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	// UpdateConversation replaces title and model binding and bumps UpdatedAt.
	UpdateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error)
	// DeleteConversation removes the conversation and its messages.
	DeleteConversation(ctx context.Context, id string) error

	GetModelConfig(ctx context.Context, id string) (chat.ModelConfig, error)
	ListModelConfigs(ctx context.Context) ([]chat.ModelConfig, error)
	// SaveModelConfig validates and upserts cfg, assigning an id when absent.
	SaveModelConfig(ctx context.Context, cfg chat.ModelConfig) (chat.ModelConfig, error)
	DeleteModelConfig(ctx context.Context, id string) error
}

func validateMessage(m chat.Message) error {
	if m.ConversationID == "" {
		return ErrConversationNotFound
	}
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	return nil
}
