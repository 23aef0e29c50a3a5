// Package delta turns decoded chat-completion payloads into content deltas.
package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DoneSentinel marks the end of an OpenAI-compatible stream.
const DoneSentinel = "[DONE]"

// Kind tags an Event.
type Kind int

const (
	KindContent Kind = iota + 1
	KindEnd
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindEnd:
		return "end"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one interpreted payload. Content is set for KindContent and Err
// for KindError. FinishReason is carried on whichever event saw it.
type Event struct {
	Kind         Kind
	Content      string
	Role         string
	FinishReason string
	Err          error
}

// Content builds a content event.
func Content(fragment string) Event { return Event{Kind: KindContent, Content: fragment} }

// End builds a terminal event.
func End() Event { return Event{Kind: KindEnd} }

// Failure builds an error event.
func Failure(err error) Event { return Event{Kind: KindError, Err: err} }

var errSchemaMismatch = errors.New("payload does not match chat completion chunk schema")

// ChunkParseError reports a payload that is neither a completion chunk nor a
// recognized control frame.
type ChunkParseError struct {
	Payload string
	Err     error
}

func (e *ChunkParseError) Error() string {
	return fmt.Sprintf("parse stream chunk: %v (payload: %s)", e.Err, e.Payload)
}

func (e *ChunkParseError) Unwrap() error { return e.Err }

type chunk struct {
	ID      string    `json:"id"`
	Object  string    `json:"object"`
	Created int64     `json:"created"`
	Model   string    `json:"model"`
	Choices *[]choice `json:"choices"`
}

type choice struct {
	Index        int         `json:"index"`
	Delta        *chunkDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type chunkDelta struct {
	Role    *string `json:"role"`
	Content *string `json:"content"`
}

// Extractor classifies payloads. The zero value is not usable; use
// NewExtractor.
type Extractor struct {
	controlTypes map[string]struct{}
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithControlTypes replaces the set of "type" discriminators treated as
// ignorable keep-alive frames.
func WithControlTypes(types ...string) Option {
	return func(e *Extractor) {
		e.controlTypes = make(map[string]struct{}, len(types))
		for _, t := range types {
			e.controlTypes[t] = struct{}{}
		}
	}
}

// NewExtractor returns an extractor that ignores "ping" and "heartbeat"
// control frames unless configured otherwise.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{}
	WithControlTypes("ping", "heartbeat")(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract interprets one payload. The boolean is false when the payload
// carries nothing for the consumer (role-only chunks, usage-only chunks,
// control frames).
func (e *Extractor) Extract(payload string) (Event, bool) {
	data := strings.TrimSpace(payload)
	if data == DoneSentinel {
		return End(), true
	}

	ev, ok, schemaErr := parseChunk(data)
	if schemaErr == nil {
		return ev, ok
	}

	var generic any
	if err := json.Unmarshal([]byte(data), &generic); err != nil {
		return Failure(&ChunkParseError{Payload: data, Err: schemaErr}), true
	}
	if e.isControl(generic) {
		return Event{}, false
	}
	return Failure(&ChunkParseError{Payload: data, Err: schemaErr}), true
}

func (e *Extractor) isControl(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	kind, ok := obj["type"].(string)
	if !ok {
		return false
	}
	_, ok = e.controlTypes[kind]
	return ok
}

func parseChunk(data string) (Event, bool, error) {
	var c chunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return Event{}, false, err
	}
	if c.Choices == nil {
		return Event{}, false, fmt.Errorf("%w: missing choices", errSchemaMismatch)
	}
	if len(*c.Choices) == 0 {
		return Event{}, false, nil
	}

	first := (*c.Choices)[0]
	if first.Delta == nil {
		return Event{}, false, fmt.Errorf("%w: missing choices[0].delta", errSchemaMismatch)
	}

	ev := Event{Kind: KindContent}
	if first.Delta.Role != nil {
		ev.Role = *first.Delta.Role
	}
	if first.FinishReason != nil {
		ev.FinishReason = *first.FinishReason
	}
	if first.Delta.Content == nil {
		return ev, false, nil
	}
	ev.Content = *first.Delta.Content
	return ev, true, nil
}
