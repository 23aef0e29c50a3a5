// Package mongostore is a MongoDB backed chat.Store.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	model "github.com/zhouzirui/localchat/backend/internal/model/chat"
	chat "github.com/zhouzirui/localchat/backend/internal/service/chat"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	modelConfigsCollection  = "model_configs"
	defaultOpTimeout        = 5 * time.Second
)

// Options configures the store.
type Options struct {
	Client   *mongo.Client
	Database string
	// Timeout bounds each operation. Defaults to 5s.
	Timeout time.Duration
}

// Store implements chat.Store on three collections.
type Store struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	models        *mongo.Collection
	timeout       time.Duration
}

var _ chat.Store = (*Store)(nil)

type conversationDocument struct {
	ID            string    `bson:"_id"`
	Title         string    `bson:"title"`
	ModelConfigID string    `bson:"model_config_id"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type messageDocument struct {
	ID             string            `bson:"_id"`
	ConversationID string            `bson:"conversation_id"`
	Role           string            `bson:"role"`
	Content        string            `bson:"content"`
	CreatedAt      time.Time         `bson:"created_at"`
	Seq            int64             `bson:"seq"`
	Metadata       map[string]string `bson:"metadata,omitempty"`
}

// lastSeq orders messages whose created_at collide at BSON's millisecond
// precision.
var lastSeq atomic.Int64

// nextSeq is strictly increasing within the process and follows the wall
// clock across restarts.
func nextSeq() int64 {
	for {
		prev := lastSeq.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if lastSeq.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// messageOrder is the history order: creation time, then insertion order.
func messageOrder() bson.D {
	return bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}
}

type modelConfigDocument struct {
	ID           string `bson:"_id"`
	Name         string `bson:"name"`
	Provider     string `bson:"provider"`
	APIURL       string `bson:"api_url"`
	APIKeyRef    string `bson:"api_key_ref,omitempty"`
	Model        string `bson:"model,omitempty"`
	SystemPrompt string `bson:"system_prompt,omitempty"`
	Position     int64  `bson:"position"`
}

// New returns a store and makes sure the indexes it relies on exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
		models:        db.Collection(modelConfigsCollection),
		timeout:       timeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: append(bson.D{{Key: "conversation_id", Value: 1}}, messageOrder()...),
	}); err != nil {
		return fmt.Errorf("mongodb create message index: %w", err)
	}
	if _, err := s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("mongodb create conversation index: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) SaveMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.ConversationID == "" {
		return model.Message{}, chat.ErrConversationNotFound
	}
	if !m.Role.Valid() {
		return model.Message{}, fmt.Errorf("%w: unknown role %q", chat.ErrInvalidMessage, m.Role)
	}
	if _, err := s.GetConversation(ctx, m.ConversationID); err != nil {
		return model.Message{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	// seq is fixed on insert so re-saving a message keeps its place.
	update := bson.M{
		"$set": bson.M{
			"conversation_id": m.ConversationID,
			"role":            string(m.Role),
			"content":         m.Content,
			"created_at":      m.CreatedAt,
			"metadata":        m.Metadata,
		},
		"$setOnInsert": bson.M{"seq": nextSeq()},
	}
	if _, err := s.messages.UpdateOne(ctx, bson.M{"_id": m.ID}, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return model.Message{}, fmt.Errorf("mongodb save message %q: %w", m.ID, err)
	}
	return m.Clone(), nil
}

func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(messageOrder())
	cursor, err := s.messages.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list messages: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list messages decode: %w", err)
	}
	out := make([]model.Message, len(docs))
	for i, doc := range docs {
		out[i] = model.Message{
			ID:             doc.ID,
			ConversationID: doc.ConversationID,
			Role:           model.Role(doc.Role),
			Content:        doc.Content,
			CreatedAt:      doc.CreatedAt.UTC(),
			Metadata:       doc.Metadata,
		}
	}
	return out, nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.messages.DeleteOne(ctx, bson.M{"_id": messageID})
	if err != nil {
		return fmt.Errorf("mongodb delete message %q: %w", messageID, err)
	}
	if res.DeletedCount == 0 {
		return chat.ErrMessageNotFound
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, c model.Conversation) (model.Conversation, error) {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Title == "" {
		c.Title = model.DefaultTitle
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.conversations.InsertOne(ctx, toConversationDocument(c)); err != nil {
		return model.Conversation{}, fmt.Errorf("mongodb create conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc conversationDocument
	if err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Conversation{}, chat.ErrConversationNotFound
		}
		return model.Conversation{}, fmt.Errorf("mongodb get conversation %q: %w", id, err)
	}
	return doc.toConversation(), nil
}

func (s *Store) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := s.conversations.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list conversations: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []conversationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list conversations decode: %w", err)
	}
	out := make([]model.Conversation, len(docs))
	for i, doc := range docs {
		out[i] = doc.toConversation()
	}
	return out, nil
}

func (s *Store) UpdateConversation(ctx context.Context, c model.Conversation) (model.Conversation, error) {
	set := bson.M{
		"model_config_id": c.ModelConfigID,
		"updated_at":      time.Now().UTC(),
	}
	if c.Title != "" {
		set["title"] = c.Title
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.conversations.UpdateOne(opCtx, bson.M{"_id": c.ID}, bson.M{"$set": set})
	if err != nil {
		return model.Conversation{}, fmt.Errorf("mongodb update conversation %q: %w", c.ID, err)
	}
	if res.MatchedCount == 0 {
		return model.Conversation{}, chat.ErrConversationNotFound
	}
	return s.GetConversation(ctx, c.ID)
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.conversations.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete conversation %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return chat.ErrConversationNotFound
	}
	if _, err := s.messages.DeleteMany(ctx, bson.M{"conversation_id": id}); err != nil {
		return fmt.Errorf("mongodb delete messages of %q: %w", id, err)
	}
	return nil
}

func (s *Store) GetModelConfig(ctx context.Context, id string) (model.ModelConfig, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc modelConfigDocument
	if err := s.models.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.ModelConfig{}, chat.ErrModelConfigNotFound
		}
		return model.ModelConfig{}, fmt.Errorf("mongodb get model config %q: %w", id, err)
	}
	return doc.toModelConfig(), nil
}

func (s *Store) ListModelConfigs(ctx context.Context) ([]model.ModelConfig, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "position", Value: 1}})
	cursor, err := s.models.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list model configs: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []modelConfigDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list model configs decode: %w", err)
	}
	out := make([]model.ModelConfig, len(docs))
	for i, doc := range docs {
		out[i] = doc.toModelConfig()
	}
	return out, nil
}

func (s *Store) SaveModelConfig(ctx context.Context, cfg model.ModelConfig) (model.ModelConfig, error) {
	if err := cfg.Validate(); err != nil {
		return model.ModelConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"name":          cfg.Name,
			"provider":      cfg.Provider,
			"api_url":       cfg.APIURL,
			"api_key_ref":   cfg.APIKeyRef,
			"model":         cfg.Model,
			"system_prompt": cfg.SystemPrompt,
		},
		"$setOnInsert": bson.M{
			"position": time.Now().UnixNano(),
		},
	}
	if _, err := s.models.UpdateOne(ctx, bson.M{"_id": cfg.ID}, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return model.ModelConfig{}, fmt.Errorf("mongodb save model config %q: %w", cfg.ID, err)
	}
	return cfg, nil
}

func (s *Store) DeleteModelConfig(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.models.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete model config %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return chat.ErrModelConfigNotFound
	}
	return nil
}

func toConversationDocument(c model.Conversation) conversationDocument {
	return conversationDocument{
		ID:            c.ID,
		Title:         c.Title,
		ModelConfigID: c.ModelConfigID,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (d conversationDocument) toConversation() model.Conversation {
	return model.Conversation{
		ID:            d.ID,
		Title:         d.Title,
		ModelConfigID: d.ModelConfigID,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

func (d modelConfigDocument) toModelConfig() model.ModelConfig {
	return model.ModelConfig{
		ID:           d.ID,
		Name:         d.Name,
		Provider:     d.Provider,
		APIURL:       d.APIURL,
		APIKeyRef:    d.APIKeyRef,
		Model:        d.Model,
		SystemPrompt: d.SystemPrompt,
	}
}
