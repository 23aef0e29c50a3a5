// Package ark opens streams through the Volcengine Ark chat model from
// eino-ext and adapts eino's StreamReader to delta.Stream.
package ark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	arkmodel "github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	"github.com/zhouzirui/localchat/backend/internal/service/provider"
	"github.com/zhouzirui/localchat/backend/internal/stream/delta"
)

// ModelFactory builds a chat model for one request.
type ModelFactory func(ctx context.Context, cfg *arkmodel.ChatModelConfig) (model.BaseChatModel, error)

// NewArkModel is the default factory.
func NewArkModel(ctx context.Context, cfg *arkmodel.ChatModelConfig) (model.BaseChatModel, error) {
	cm, err := arkmodel.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// Provider implements provider.Provider for the ark variant.
type Provider struct {
	newModel ModelFactory
}

// New returns a provider. A nil factory uses NewArkModel.
func New(factory ModelFactory) *Provider {
	if factory == nil {
		factory = NewArkModel
	}
	return &Provider{newModel: factory}
}

// OpenStream starts a streaming generation.
func (p *Provider) OpenStream(ctx context.Context, req provider.Request) (delta.Stream, error) {
	if strings.TrimSpace(req.Config.Model) == "" {
		return nil, initError(provider.ErrMissingModel)
	}

	cm, err := p.newModel(ctx, &arkmodel.ChatModelConfig{
		BaseURL: req.Config.APIURL,
		APIKey:  req.Credential,
		Model:   req.Config.Model,
	})
	if err != nil {
		return nil, initError(fmt.Errorf("create ark chat model: %w", err))
	}

	reader, err := cm.Stream(ctx, toSchemaMessages(req.Messages))
	if err != nil {
		return nil, initError(err)
	}
	return newStream(reader), nil
}

func initError(err error) error {
	return &provider.TransportInitError{Provider: chat.ProviderArk, Err: err}
}

func toSchemaMessages(history []chat.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case chat.RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}

// stream adapts a schema.StreamReader. The reader's io.EOF becomes an End
// event carrying the last finish reason seen.
type stream struct {
	reader       *schema.StreamReader[*schema.Message]
	finishReason string
	ended        bool
	closeOnce    sync.Once
}

func newStream(reader *schema.StreamReader[*schema.Message]) *stream {
	return &stream{reader: reader}
}

func (s *stream) Recv() (delta.Event, error) {
	if s.ended {
		return delta.Event{}, io.EOF
	}

	for {
		msg, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			s.ended = true
			ev := delta.End()
			ev.FinishReason = s.finishReason
			return ev, nil
		}
		if err != nil {
			s.ended = true
			return delta.Failure(err), nil
		}
		if msg == nil {
			continue
		}
		if msg.ResponseMeta != nil && msg.ResponseMeta.FinishReason != "" {
			s.finishReason = msg.ResponseMeta.FinishReason
		}
		if msg.Content == "" {
			continue
		}
		ev := delta.Content(msg.Content)
		ev.Role = string(msg.Role)
		return ev, nil
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(s.reader.Close)
	return nil
}
