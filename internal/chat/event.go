package chat

// Event types on the real-time channel.
const (
	EventAuth        = "auth"
	EventAuthSuccess = "auth_success"
	EventJoin        = "join_conversation"
	EventLeave       = "leave_conversation"
	EventMarkRead    = "mark_read"
	EventTyping      = "typing"
	EventNewMessage  = "new_message"
	EventUserTyping  = "user_typing"
	EventMessageRead = "message_read"
	EventError       = "error"
)

// InboundEvent is the envelope for every client->server frame. Type
// selects which of the remaining fields are meaningful.
type InboundEvent struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	ConversationID int64  `json:"conversationId,omitempty"`
	IsTyping       bool   `json:"isTyping,omitempty"`
}

// AuthSuccessEvent acknowledges authentication and lists every
// conversation the connection was auto-joined to.
type AuthSuccessEvent struct {
	Type                string  `json:"type"`
	ConversationsJoined []int64 `json:"conversationsJoined"`
}

// ErrorEvent reports a non-fatal protocol error; the channel stays open.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewMessageEvent fans out a persisted message to the room. TempID
// echoes the client-generated id of the originating send, so the
// sender can reconcile its optimistic copy without content matching.
type NewMessageEvent struct {
	Type           string   `json:"type"`
	ConversationID int64    `json:"conversationId"`
	Message        *Message `json:"message"`
	Sender         *Sender  `json:"sender"`
	TempID         string   `json:"tempId,omitempty"`
}

// UserTypingEvent relays a typing transition to everyone else in the room.
type UserTypingEvent struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageReadEvent tells the room that UserID has read the conversation.
type MessageReadEvent struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
}
