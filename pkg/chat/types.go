package chat

import "encoding/json"

// Role constants for the Message.Role and Turn.Role fields.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one persisted unit of a conversation.
type Message struct {
	ID              string `json:"id"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Role            string `json:"role"` // One of RoleSystem, RoleUser, RoleAssistant.
	Text            string `json:"text"`
	Name            string `json:"name,omitempty"`
}

// Turn is a role-tagged prompt entry sent to the remote model.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Result is a completed (or, during streaming, partial) assistant reply.
type Result struct {
	Message

	// Delta is the most recent streamed fragment only, never cumulative.
	Delta string `json:"delta,omitempty"`

	// Detail is the raw response payload the reply was last updated from.
	Detail json.RawMessage `json:"detail,omitempty"`
}
