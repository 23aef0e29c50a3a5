package chat

import "time"

// DefaultTitle is assigned to conversations until the first user message
// gives them a better one.
const DefaultTitle = "New Chat"

// Conversation groups messages and pins the model used to answer them.
type Conversation struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	ModelConfigID string    `json:"modelConfigId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
