package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/localchat/backend/internal/model/chat"
)

// MemoryStore keeps everything in process memory. All access goes through a
// single mutex.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
	owners        map[string]string // message id -> conversation id
	models        map[string]chat.ModelConfig
	modelOrder    []string
}

// NewMemoryStore bootstraps an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
		owners:        make(map[string]string),
		models:        make(map[string]chat.ModelConfig),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) SaveMessage(_ context.Context, m chat.Message) (chat.Message, error) {
	if err := validateMessage(m); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[m.ConversationID]; !ok {
		return chat.Message{}, ErrConversationNotFound
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m = m.Clone()

	history := s.messages[m.ConversationID]
	if owner, ok := s.owners[m.ID]; ok && owner == m.ConversationID {
		for i := range history {
			if history[i].ID == m.ID {
				history[i] = m
				return m.Clone(), nil
			}
		}
	}
	s.messages[m.ConversationID] = append(history, m)
	s.owners[m.ID] = m.ConversationID
	return m.Clone(), nil
}

func (s *MemoryStore) GetMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	history := s.messages[conversationID]
	copied := make([]chat.Message, len(history))
	for i, m := range history {
		copied[i] = m.Clone()
	}
	return copied, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID, ok := s.owners[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	history := s.messages[conversationID]
	for i := range history {
		if history[i].ID == messageID {
			s.messages[conversationID] = append(history[:i:i], history[i+1:]...)
			break
		}
	}
	delete(s.owners, messageID)
	return nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, c chat.Conversation) (chat.Conversation, error) {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Title == "" {
		c.Title = chat.DefaultTitle
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	s.mu.Lock()
	s.conversations[c.ID] = c
	s.messages[c.ID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return c, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]chat.Conversation, error) {
	s.mu.Lock()
	out := make([]chat.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, c chat.Conversation) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[c.ID]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	if c.Title != "" {
		existing.Title = c.Title
	}
	existing.ModelConfigID = c.ModelConfigID
	existing.UpdatedAt = time.Now().UTC()
	s.conversations[c.ID] = existing
	return existing, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return ErrConversationNotFound
	}
	for _, m := range s.messages[id] {
		delete(s.owners, m.ID)
	}
	delete(s.messages, id)
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) GetModelConfig(_ context.Context, id string) (chat.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.models[id]
	if !ok {
		return chat.ModelConfig{}, ErrModelConfigNotFound
	}
	return cfg, nil
}

func (s *MemoryStore) ListModelConfigs(_ context.Context) ([]chat.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.ModelConfig, 0, len(s.modelOrder))
	for _, id := range s.modelOrder {
		out = append(out, s.models[id])
	}
	return out, nil
}

func (s *MemoryStore) SaveModelConfig(_ context.Context, cfg chat.ModelConfig) (chat.ModelConfig, error) {
	if err := cfg.Validate(); err != nil {
		return chat.ModelConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[cfg.ID]; !ok {
		s.modelOrder = append(s.modelOrder, cfg.ID)
	}
	s.models[cfg.ID] = cfg
	return cfg, nil
}

func (s *MemoryStore) DeleteModelConfig(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return ErrModelConfigNotFound
	}
	delete(s.models, id)
	for i, existing := range s.modelOrder {
		if existing == id {
			s.modelOrder = append(s.modelOrder[:i:i], s.modelOrder[i+1:]...)
			break
		}
	}
	return nil
}
