// Package turn starts assistant turns: it does the synchronous setup a
// caller must see fail, then hands the stream to a supervised task.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zhouzirui/localchat/backend/internal/events"
	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	"github.com/zhouzirui/localchat/backend/internal/service/cancel"
	chatstore "github.com/zhouzirui/localchat/backend/internal/service/chat"
	"github.com/zhouzirui/localchat/backend/internal/service/provider"
	"github.com/zhouzirui/localchat/backend/internal/service/session"
)

var (
	ErrEmptyMessage        = errors.New("message content cannot be empty")
	ErrNothingToRegenerate = errors.New("conversation does not end with a user message")
)

// SetupError is returned synchronously when a turn could not be prepared.
// No session exists when it is returned.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("turn setup: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// CredentialSource resolves the secret for a model config.
type CredentialSource interface {
	Credential(cfg chat.ModelConfig) (string, error)
}

// Options wires an Orchestrator.
type Options struct {
	Store       chatstore.Store
	Credentials CredentialSource
	Provider    provider.Provider
	Emitter     events.Emitter
	Registry    *cancel.Registry
	Logger      *slog.Logger
	// HistoryLimit caps the prior messages sent upstream. 0 sends all.
	HistoryLimit int
}

// Orchestrator implements send, regenerate and cancel.
type Orchestrator struct {
	store        chatstore.Store
	credentials  CredentialSource
	provider     provider.Provider
	registry     *cancel.Registry
	controller   *session.Controller
	supervisor   *Supervisor
	logger       *slog.Logger
	historyLimit int
}

// New returns an orchestrator. A nil Registry gets a private one.
func New(opts Options) *Orchestrator {
	l := opts.Logger
	if l == nil {
		l = logger
	}
	registry := opts.Registry
	if registry == nil {
		registry = cancel.NewRegistry()
	}
	return &Orchestrator{
		store:       opts.Store,
		credentials: opts.Credentials,
		provider:    opts.Provider,
		registry:    registry,
		controller: session.NewController(session.Options{
			Store:    opts.Store,
			Emitter:  opts.Emitter,
			Registry: registry,
			Logger:   l,
		}),
		supervisor:   NewSupervisor(WithReleaseHook(func(messageID string) { registry.CheckAndClear(messageID) })),
		logger:       l,
		historyLimit: opts.HistoryLimit,
	}
}

// Supervisor exposes the task handles.
func (o *Orchestrator) Supervisor() *Supervisor {
	return o.supervisor
}

// Send persists the user's text and starts the assistant turn in the
// background. The returned message is the stored user message.
func (o *Orchestrator) Send(ctx context.Context, conversationID, text string) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, &SetupError{Op: "validate message", Err: ErrEmptyMessage}
	}

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return chat.Message{}, &SetupError{Op: "load conversation", Err: err}
	}
	history, err := o.store.GetMessages(ctx, conversationID)
	if err != nil {
		return chat.Message{}, &SetupError{Op: "load history", Err: err}
	}

	userMsg, err := o.store.SaveMessage(ctx, chat.Message{
		ConversationID: conversationID,
		Role:           chat.RoleUser,
		Content:        text,
	})
	if err != nil {
		return chat.Message{}, &SetupError{Op: "save user message", Err: err}
	}

	if conv.Title == chat.DefaultTitle && !hasUserMessage(history) {
		conv = o.autoTitle(ctx, conv, text)
	}

	req, err := o.prepare(ctx, conv, append(history, userMsg))
	if err != nil {
		return chat.Message{}, err
	}
	if _, err := o.start(conv, req); err != nil {
		return chat.Message{}, &SetupError{Op: "start turn", Err: err}
	}
	return userMsg, nil
}

// Regenerate drops the trailing assistant message, if any, and answers the
// last user message again.
func (o *Orchestrator) Regenerate(ctx context.Context, conversationID string) error {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return &SetupError{Op: "load conversation", Err: err}
	}
	history, err := o.store.GetMessages(ctx, conversationID)
	if err != nil {
		return &SetupError{Op: "load history", Err: err}
	}

	var stale *chat.Message
	if n := len(history); n > 0 && history[n-1].Role == chat.RoleAssistant {
		stale = &history[n-1]
		history = history[:n-1]
	}
	if n := len(history); n == 0 || history[n-1].Role != chat.RoleUser {
		return &SetupError{Op: "regenerate", Err: ErrNothingToRegenerate}
	}

	// The old reply survives any setup failure.
	req, err := o.prepare(ctx, conv, history)
	if err != nil {
		return err
	}
	if stale != nil {
		if err := o.store.DeleteMessage(ctx, stale.ID); err != nil {
			return &SetupError{Op: "discard last reply", Err: err}
		}
	}
	if _, err := o.start(conv, req); err != nil {
		return &SetupError{Op: "start turn", Err: err}
	}
	return nil
}

// Cancel asks the running turn that owns messageID to stop. Unknown and
// finished ids are ignored. It reports whether a running turn was marked.
func (o *Orchestrator) Cancel(messageID string) bool {
	return o.supervisor.whileLive(messageID, o.registry.Mark)
}

// Shutdown cancels running turns and waits for them to finalize.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.supervisor.Shutdown(ctx)
}

func (o *Orchestrator) prepare(ctx context.Context, conv chat.Conversation, history []chat.Message) (provider.Request, error) {
	cfg, err := o.store.GetModelConfig(ctx, conv.ModelConfigID)
	if err != nil {
		return provider.Request{}, &SetupError{Op: "load model config", Err: err}
	}
	credential, err := o.credentials.Credential(cfg)
	if err != nil {
		return provider.Request{}, &SetupError{Op: "resolve credential", Err: err}
	}
	return provider.Request{
		Config:     cfg,
		Credential: credential,
		Messages:   buildMessages(cfg, history, o.historyLimit),
	}, nil
}

func (o *Orchestrator) start(conv chat.Conversation, req provider.Request) (*Task, error) {
	return o.supervisor.Go(conv.ID, func(ctx context.Context, t *Task) (session.Result, error) {
		return o.run(ctx, t, req)
	})
}

func (o *Orchestrator) run(ctx context.Context, t *Task, req provider.Request) (session.Result, error) {
	stream, err := o.provider.OpenStream(ctx, req)
	if err != nil {
		o.logger.Error("opening completion stream failed",
			"conversationId", t.ConversationID(), "provider", req.Config.Provider, "error", err)
		return session.Result{}, err
	}

	s := session.New(t.ConversationID(), req.Config.Model)
	t.bind(s.MessageID)
	res := o.controller.Run(ctx, s, stream)

	if res.Persisted {
		o.touch(context.WithoutCancel(ctx), t.ConversationID())
	}
	return res, nil
}

// autoTitle names a fresh conversation after its first message. It reloads
// first so a concurrent model switch is not written back.
func (o *Orchestrator) autoTitle(ctx context.Context, conv chat.Conversation, text string) chat.Conversation {
	latest, err := o.store.GetConversation(ctx, conv.ID)
	if err != nil {
		o.logger.Warn("auto title failed", "conversationId", conv.ID, "error", err)
		return conv
	}
	if latest.Title != chat.DefaultTitle {
		return latest
	}
	latest.Title = titleFrom(text)
	updated, err := o.store.UpdateConversation(ctx, latest)
	if err != nil {
		o.logger.Warn("auto title failed", "conversationId", conv.ID, "error", err)
		return latest
	}
	return updated
}

// touch bumps the conversation's UpdatedAt so it sorts first.
func (o *Orchestrator) touch(ctx context.Context, conversationID string) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		o.logger.Warn("reloading conversation after turn failed", "conversationId", conversationID, "error", err)
		return
	}
	if _, err := o.store.UpdateConversation(ctx, conv); err != nil {
		o.logger.Warn("updating conversation after turn failed", "conversationId", conversationID, "error", err)
	}
}

func hasUserMessage(history []chat.Message) bool {
	for _, m := range history {
		if m.Role == chat.RoleUser {
			return true
		}
	}
	return false
}
