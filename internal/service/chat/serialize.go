package chat

import (
	"context"
	"sync"

	"github.com/zhouzirui/localchat/backend/internal/model/chat"
)

type serialized struct {
	mu    sync.Mutex
	inner Store
}

// Serialize returns a Store that forwards to inner one call at a time.
// Backends without their own coarse lock (MongoStore) are wrapped with it so
// every store behaves like the memory store under concurrent turns.
func Serialize(inner Store) Store {
	if s, ok := inner.(*serialized); ok {
		return s
	}
	return &serialized{inner: inner}
}

func (s *serialized) SaveMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.SaveMessage(ctx, m)
}

func (s *serialized) GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.GetMessages(ctx, conversationID)
}

func (s *serialized) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.DeleteMessage(ctx, messageID)
}

func (s *serialized) CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.CreateConversation(ctx, c)
}

func (s *serialized) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.GetConversation(ctx, id)
}

func (s *serialized) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ListConversations(ctx)
}

func (s *serialized) UpdateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.UpdateConversation(ctx, c)
}

func (s *serialized) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.DeleteConversation(ctx, id)
}

func (s *serialized) GetModelConfig(ctx context.Context, id string) (chat.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.GetModelConfig(ctx, id)
}

func (s *serialized) ListModelConfigs(ctx context.Context) ([]chat.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ListModelConfigs(ctx)
}

func (s *serialized) SaveModelConfig(ctx context.Context, cfg chat.ModelConfig) (chat.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.SaveModelConfig(ctx, cfg)
}

func (s *serialized) DeleteModelConfig(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.DeleteModelConfig(ctx, id)
}
