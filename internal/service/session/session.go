// Package session drives one streaming assistant turn from the first delta
// to the persisted message.
package session

import (
	"strings"

	"github.com/google/uuid"
)

// Outcome is the state a session ended in.
type Outcome string

const (
	Pending   Outcome = "pending"
	Completed Outcome = "completed"
	Cancelled Outcome = "cancelled"
	Errored   Outcome = "errored"
	// Aborted means the start notification could not be delivered. Nothing
	// is persisted and no finish notification follows.
	Aborted Outcome = "aborted"
)

// Terminal reports whether o is a final state.
func (o Outcome) Terminal() bool {
	return o != Pending && o != ""
}

// Session is the in-memory state of one turn. The message id is fixed at
// construction and used for every notification and for the persisted
// message.
type Session struct {
	MessageID      string
	ConversationID string
	// Model is recorded in the persisted metadata.
	Model string

	content      strings.Builder
	received     bool
	outcome      Outcome
	finishReason string
	err          error
}

// New allocates a session with a fresh message id.
func New(conversationID, model string) *Session {
	return &Session{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		Model:          model,
		outcome:        Pending,
	}
}

// Content returns everything accumulated so far.
func (s *Session) Content() string {
	return s.content.String()
}

// Received reports whether any content fragment arrived.
func (s *Session) Received() bool {
	return s.received
}

// Outcome returns the current state.
func (s *Session) Outcome() Outcome {
	return s.outcome
}

// Err returns the error that ended an Errored or Aborted session.
func (s *Session) Err() error {
	return s.err
}

func (s *Session) append(fragment string) {
	s.content.WriteString(fragment)
	s.received = true
}

func (s *Session) finish(outcome Outcome, err error) {
	s.outcome = outcome
	s.err = err
}
