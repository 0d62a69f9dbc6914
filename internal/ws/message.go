package ws

import (
	"time"

	"github.com/HerbHall/azurechat/pkg/chat"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageChatDelta MessageType = "chat.delta"
	MessageChatDone  MessageType = "chat.done"
	MessageChatError MessageType = "chat.error"
)

// Message is the envelope for all server-to-client WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// ChatDeltaData is the payload for chat.delta messages.
type ChatDeltaData struct {
	ID              string `json:"id"`
	ParentMessageID string `json:"parentMessageId"`
	Delta           string `json:"delta"`
	Text            string `json:"text"`
}

// ChatDoneData is the payload for chat.done messages.
type ChatDoneData struct {
	Message chat.Message `json:"message"`
}

// ChatErrorData is the payload for chat.error messages.
type ChatErrorData struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}
