package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

const defaultSubscriberBuffer = 256

// ErrHubClosed is returned by Emit after Close.
var ErrHubClosed = errors.New("event hub closed")

// Subscription receives events from a Hub. Its channel is closed when the
// subscriber unsubscribes, falls too far behind, or the hub shuts down.
type Subscription struct {
	hub    *Hub
	ch     chan Event
	filter func(Event) bool
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// HubOptions configures a Hub.
type HubOptions struct {
	// Buffer is the per-subscriber queue length. Subscribers whose queue
	// fills up are dropped rather than slowing down the turn.
	Buffer int
	Logger *slog.Logger
}

// Hub fans events out to in-process subscribers (SSE and WebSocket feeds).
// Emit never blocks.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	buffer int
	logger *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(opts HubOptions) *Hub {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	l := opts.Logger
	if l == nil {
		l = logger
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		logger: l,
	}
}

// ForConversation matches events that belong to one conversation.
func ForConversation(conversationID string) func(Event) bool {
	return func(e Event) bool {
		return e.ConversationID == conversationID
	}
}

// Subscribe registers a subscriber. A nil filter receives every event.
func (h *Hub) Subscribe(filter func(Event) bool) *Subscription {
	sub := &Subscription{hub: h, ch: make(chan Event, h.buffer), filter: filter}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Emit queues the event for every matching subscriber.
func (h *Hub) Emit(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}

	for sub := range h.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("dropping slow event subscriber", "messageId", event.MessageID, "type", string(event.Type))
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
	}
	h.subs = nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}
