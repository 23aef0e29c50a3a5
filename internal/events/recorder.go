package events

import (
	"context"
	"sync"
)

// Recorder keeps every emitted event in memory. It can be told to fail
// specific event types to exercise delivery failures.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	fail   map[Type]error
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{fail: make(map[Type]error)}
}

// FailOn makes Emit return err for events of type t without recording them.
func (r *Recorder) FailOn(t Type, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[t] = err
}

// Emit records the event.
func (r *Recorder) Emit(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[event.Type]; err != nil {
		return err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForMessage returns the recorded events for one message id.
func (r *Recorder) ForMessage(messageID string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.MessageID == messageID {
			out = append(out, e)
		}
	}
	return out
}

// Chunks returns the deltas recorded for one message id, in order.
func (r *Recorder) Chunks(messageID string) []string {
	var out []string
	for _, e := range r.ForMessage(messageID) {
		if e.Type == TypeMessageChunk {
			out = append(out, e.Delta)
		}
	}
	return out
}

// Count returns how many events of type t were recorded for messageID.
func (r *Recorder) Count(messageID string, t Type) int {
	n := 0
	for _, e := range r.ForMessage(messageID) {
		if e.Type == t {
			n++
		}
	}
	return n
}
