// Package events carries streaming lifecycle notifications from turns to
// whoever is listening: browser feeds, Redis subscribers, test recorders.
package events

import (
	"context"
	"errors"
	"time"
)

// Type names a lifecycle notification.
type Type string

const (
	TypeStreamStarted  Type = "stream_started"
	TypeMessageChunk   Type = "message_chunk"
	TypeStreamFinished Type = "stream_finished"
)

// Event is one lifecycle notification. Delta is only set on message_chunk
// and Outcome only on stream_finished.
type Event struct {
	Type           Type      `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	MessageID      string    `json:"messageId"`
	Delta          string    `json:"delta,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// StreamStarted announces a new assistant message id for a conversation.
func StreamStarted(conversationID, messageID string) Event {
	return Event{Type: TypeStreamStarted, ConversationID: conversationID, MessageID: messageID, Timestamp: time.Now().UTC()}
}

// MessageChunk carries one content fragment.
func MessageChunk(conversationID, messageID, delta string) Event {
	return Event{Type: TypeMessageChunk, ConversationID: conversationID, MessageID: messageID, Delta: delta, Timestamp: time.Now().UTC()}
}

// StreamFinished is emitted exactly once per started stream.
func StreamFinished(conversationID, messageID, outcome string) Event {
	return Event{Type: TypeStreamFinished, ConversationID: conversationID, MessageID: messageID, Outcome: outcome, Timestamp: time.Now().UTC()}
}

// Emitter delivers events. Implementations must not block on slow
// consumers.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event Event) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type multi []Emitter

// Multi fans an event out to every emitter. Delivery succeeds when at least
// one emitter accepted the event; the error is returned only when all of
// them failed.
func Multi(emitters ...Emitter) Emitter {
	out := make(multi, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (m multi) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if len(m) > 0 && len(errs) == len(m) {
		return errors.Join(errs...)
	}
	return nil
}
