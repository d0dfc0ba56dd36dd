package chat

import "time"

// Conversation is a durable chat scope. Membership lives in the
// participants table; the hub's room subscriptions are a volatile
// overlay on top of it and are never persisted.
type Conversation struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name,omitempty"`
	IsGroup       bool       `json:"isGroup"`
	LastMessage   string     `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Message is the authoritative, store-owned record. ID and
// ConversationID are immutable once persisted; IsRead only ever
// transitions false -> true.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Sender is the denormalized author identity carried on new_message
// fan-out so receivers don't need a user lookup.
type Sender struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Message types accepted by the durable write. Only text is exercised
// by the messaging core; the rest exist for the wider product surface.
var validMessageTypes = map[string]bool{
	"text":  true,
	"image": true,
	"gift":  true,
	"tip":   true,
	"ppv":   true,
}
