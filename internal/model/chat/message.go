package chat

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Metadata keys written on assistant messages produced by a streaming turn.
const (
	MetaOutcome      = "outcome"
	MetaModel        = "model"
	MetaFinishReason = "finish_reason"
	MetaError        = "error"
)

// Message is one persisted turn of a conversation. Assistant content is
// frozen once the message is saved.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	CreatedAt      time.Time         `json:"createdAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Metadata != nil {
		meta := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		m.Metadata = meta
	}
	return m
}
