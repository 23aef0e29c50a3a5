package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/localchat/backend/internal/events"
	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	"github.com/zhouzirui/localchat/backend/internal/stream/delta"
)

// ErrSessionReused is returned when Run is given a session that already ran.
var ErrSessionReused = errors.New("session already ran")

// MessageSaver persists the finished assistant message.
type MessageSaver interface {
	SaveMessage(ctx context.Context, m chat.Message) (chat.Message, error)
}

// CancelChecker is consulted before every delta is processed.
type CancelChecker interface {
	CheckAndClear(id string) bool
}

// Options wires a Controller.
type Options struct {
	Store    MessageSaver
	Emitter  events.Emitter
	Registry CancelChecker
	Logger   *slog.Logger
}

// Controller runs sessions. It holds no per-session state and may run many
// sessions concurrently.
type Controller struct {
	store    MessageSaver
	emitter  events.Emitter
	registry CancelChecker
	logger   *slog.Logger

	outcomes metric.Int64Counter
	chunks   metric.Int64Counter
}

// Result summarises a finished session.
type Result struct {
	MessageID      string
	ConversationID string
	Outcome        Outcome
	Content        string
	// Persisted is false when the content was empty, the session aborted or
	// the save failed.
	Persisted bool
	Err       error
}

// NewController returns a controller.
func NewController(opts Options) *Controller {
	l := opts.Logger
	if l == nil {
		l = logger
	}
	c := &Controller{
		store:    opts.Store,
		emitter:  opts.Emitter,
		registry: opts.Registry,
		logger:   l,
	}

	var err error
	c.outcomes, err = meter.Int64Counter("localchat.session.outcomes",
		metric.WithDescription("Finished streaming sessions by outcome."))
	if err != nil {
		l.Warn("session outcome counter unavailable", "error", err)
		c.outcomes, _ = noop.NewMeterProvider().Meter(scopeName).Int64Counter("localchat.session.outcomes")
	}
	c.chunks, err = meter.Int64Counter("localchat.session.chunks",
		metric.WithDescription("Content fragments forwarded to listeners."))
	if err != nil {
		l.Warn("session chunk counter unavailable", "error", err)
		c.chunks, _ = noop.NewMeterProvider().Meter(scopeName).Int64Counter("localchat.session.chunks")
	}
	return c
}

// Run consumes stream until it ends, errors or the session is cancelled,
// then persists whatever content arrived and announces the end. The stream
// is always closed before Run returns.
func (c *Controller) Run(ctx context.Context, s *Session, stream delta.Stream) Result {
	ctx, span := tracer.Start(ctx, "stream session", trace.WithAttributes(
		attribute.String("session.message_id", s.MessageID),
		attribute.String("session.conversation_id", s.ConversationID),
		attribute.String("session.model", s.Model),
	))
	defer span.End()

	if s.outcome.Terminal() {
		_ = stream.Close()
		return Result{MessageID: s.MessageID, ConversationID: s.ConversationID, Outcome: s.outcome, Err: ErrSessionReused}
	}

	if err := c.emitter.Emit(ctx, events.StreamStarted(s.ConversationID, s.MessageID)); err != nil {
		_ = stream.Close()
		s.finish(Aborted, err)
		c.logger.Error("stream start notification failed, aborting session",
			"messageId", s.MessageID, "conversationId", s.ConversationID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "start notification failed")
		c.record(ctx, s)
		return c.result(s, false)
	}

	c.consume(ctx, s, stream)
	return c.finalize(ctx, span, s, stream)
}

func (c *Controller) consume(ctx context.Context, s *Session, stream delta.Stream) {
	for {
		ev, err := stream.Recv()

		if c.registry.CheckAndClear(s.MessageID) || ctx.Err() != nil {
			s.finish(Cancelled, nil)
			return
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(Completed, nil)
			} else {
				s.finish(Errored, err)
			}
			return
		}

		switch ev.Kind {
		case delta.KindContent:
			if ev.Content == "" {
				continue
			}
			s.append(ev.Content)
			if err := c.emitter.Emit(ctx, events.MessageChunk(s.ConversationID, s.MessageID, ev.Content)); err != nil {
				c.logger.Warn("chunk notification failed", "messageId", s.MessageID, "error", err)
			}
			c.chunks.Add(ctx, 1)
		case delta.KindEnd:
			s.finishReason = ev.FinishReason
			s.finish(Completed, nil)
			return
		case delta.KindError:
			s.finish(Errored, ev.Err)
			return
		}
	}
}

func (c *Controller) finalize(ctx context.Context, span trace.Span, s *Session, stream delta.Stream) Result {
	if err := stream.Close(); err != nil {
		c.logger.Debug("closing stream", "messageId", s.MessageID, "error", err)
	}

	// The turn may have been cancelled; what was received is still saved
	// and announced.
	ctx = context.WithoutCancel(ctx)

	if s.err != nil {
		span.RecordError(s.err)
		span.SetStatus(codes.Error, s.err.Error())
		c.logger.Warn("stream ended with error", "messageId", s.MessageID, "error", s.err)
	}

	persisted := false
	if s.received {
		msg := chat.Message{
			ID:             s.MessageID,
			ConversationID: s.ConversationID,
			Role:           chat.RoleAssistant,
			Content:        s.Content(),
			CreatedAt:      time.Now().UTC(),
			Metadata:       s.metadata(),
		}
		if _, err := c.store.SaveMessage(ctx, msg); err != nil {
			c.logger.Error("persisting assistant message failed",
				"messageId", s.MessageID, "conversationId", s.ConversationID, "error", err)
			span.RecordError(err)
		} else {
			persisted = true
		}
	}

	if err := c.emitter.Emit(ctx, events.StreamFinished(s.ConversationID, s.MessageID, string(s.outcome))); err != nil {
		c.logger.Error("stream finished notification failed", "messageId", s.MessageID, "error", err)
	}

	// A stop request that raced with the natural end must not linger.
	c.registry.CheckAndClear(s.MessageID)

	span.SetAttributes(
		attribute.String("session.outcome", string(s.outcome)),
		attribute.Int("session.content_length", len(s.Content())),
	)
	c.record(ctx, s)
	c.logger.Info("stream session finished",
		"messageId", s.MessageID, "conversationId", s.ConversationID,
		"outcome", string(s.outcome), "persisted", persisted)
	return c.result(s, persisted)
}

func (c *Controller) record(ctx context.Context, s *Session) {
	c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(s.outcome))))
}

func (c *Controller) result(s *Session, persisted bool) Result {
	return Result{
		MessageID:      s.MessageID,
		ConversationID: s.ConversationID,
		Outcome:        s.outcome,
		Content:        s.Content(),
		Persisted:      persisted,
		Err:            s.err,
	}
}

func (s *Session) metadata() map[string]string {
	meta := map[string]string{chat.MetaOutcome: string(s.outcome)}
	if s.Model != "" {
		meta[chat.MetaModel] = s.Model
	}
	if s.finishReason != "" {
		meta[chat.MetaFinishReason] = s.finishReason
	}
	if s.err != nil {
		meta[chat.MetaError] = s.err.Error()
	}
	return meta
}
