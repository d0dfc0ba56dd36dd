// Package client implements the client-side half of the messaging
// protocol: the local message cache with optimistic sends reconciled
// by temp id, the typing debouncer, and the transport plumbing.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"vibechat/internal/chat"
)

var ErrEmptyMessage = errors.New("message content is empty")

// MessageWriter is the durable write, request/response, outside the
// real-time channel.
type MessageWriter interface {
	CreateMessage(ctx context.Context, conversationID int64, content, messageType, tempID string) (*chat.Message, error)
}

// PendingSend correlates an optimistic message with its in-flight
// durable write. Reconciliation is keyed by TempID only, never by
// content or timestamps.
type PendingSend struct {
	TempID         string
	ConversationID int64
}

// CachedMessage is one entry in the local view of a conversation:
// either an authoritative store-owned message, or an optimistic
// client-only shadow (Pending true, TempID set) awaiting reconciliation.
type CachedMessage struct {
	chat.Message
	TempID  string `json:"tempId,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// Session is the per-client protocol state. It is exclusively owned by
// one client; the mutex only guards against the reader goroutine and
// the sender racing each other.
type Session struct {
	userID int64
	writer MessageWriter

	mu            sync.Mutex
	seq           int64
	messages      map[int64][]CachedMessage
	pending       map[string]PendingSend
	conversations map[int64]*chat.Conversation
	typing        map[int64]map[int64]bool
	joined        []int64

	// OnError, when set, receives server error events and send failures.
	OnError func(message string)
}

func NewSession(userID int64, writer MessageWriter) *Session {
	return &Session{
		userID:        userID,
		writer:        writer,
		messages:      make(map[int64][]CachedMessage),
		pending:       make(map[string]PendingSend),
		conversations: make(map[int64]*chat.Conversation),
		typing:        make(map[int64]map[int64]bool),
	}
}

// Send runs the optimistic send pipeline: reject blank content before
// any I/O, insert the optimistic copy synchronously, then issue the
// durable write. On failure the optimistic copy is removed and the
// error returned; nothing is ever shown as sent for a failed write.
func (s *Session) Send(ctx context.Context, conversationID int64, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}

	s.mu.Lock()
	s.seq++
	tempID := fmt.Sprintf("temp-%d-%d", time.Now().UnixMilli(), s.seq)
	s.messages[conversationID] = append(s.messages[conversationID], CachedMessage{
		Message: chat.Message{
			ConversationID: conversationID,
			SenderID:       s.userID,
			Content:        content,
			MessageType:    "text",
			CreatedAt:      time.Now(),
		},
		TempID:  tempID,
		Pending: true,
	})
	s.pending[tempID] = PendingSend{TempID: tempID, ConversationID: conversationID}
	s.mu.Unlock()

	if _, err := s.writer.CreateMessage(ctx, conversationID, content, "text", tempID); err != nil {
		s.removePending(tempID)
		if s.OnError != nil {
			s.OnError("failed to send message")
		}
		return "", fmt.Errorf("send message: %w", err)
	}

	// The authoritative copy arrives via new_message fan-out (or the
	// next message poll); drop the optimistic one now.
	s.removePending(tempID)
	return tempID, nil
}

// HandleEvent dispatches one server->client frame into the session state.
func (s *Session) HandleEvent(raw []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	switch head.Type {
	case chat.EventNewMessage:
		var ev chat.NewMessageEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		s.applyNewMessage(&ev)

	case chat.EventUserTyping:
		var ev chat.UserTypingEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		s.applyUserTyping(&ev)

	case chat.EventMessageRead:
		var ev chat.MessageReadEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		s.applyMessageRead(&ev)

	case chat.EventAuthSuccess:
		var ev chat.AuthSuccessEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		s.mu.Lock()
		s.joined = ev.ConversationsJoined
		s.mu.Unlock()

	case chat.EventError:
		var ev chat.ErrorEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		if s.OnError != nil {
			s.OnError(ev.Message)
		}
	}
	return nil
}

// applyNewMessage reconciles the fan-out copy against any optimistic
// shadow (by temp id) and updates the conversation preview in place.
// Receiving the same event twice is harmless: the authoritative id is
// deduplicated.
func (s *Session) applyNewMessage(ev *chat.NewMessageEvent) {
	if ev.Message == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.TempID != "" {
		delete(s.pending, ev.TempID)
		s.removeMessageLocked(ev.ConversationID, func(m *CachedMessage) bool {
			return m.Pending && m.TempID == ev.TempID
		})
	}

	for i := range s.messages[ev.ConversationID] {
		m := &s.messages[ev.ConversationID][i]
		if !m.Pending && m.ID == ev.Message.ID {
			return // duplicate fan-out
		}
	}
	s.messages[ev.ConversationID] = append(s.messages[ev.ConversationID], CachedMessage{Message: *ev.Message})

	if conv, ok := s.conversations[ev.ConversationID]; ok {
		conv.LastMessage = ev.Message.Content
		t := ev.Message.CreatedAt
		conv.LastMessageAt = &t
	}
}

func (s *Session) applyUserTyping(ev *chat.UserTypingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.typing[ev.ConversationID]
	if ev.IsTyping {
		if set == nil {
			set = make(map[int64]bool)
			s.typing[ev.ConversationID] = set
		}
		set[ev.UserID] = true
	} else if set != nil {
		delete(set, ev.UserID)
	}
}

// applyMessageRead marks this user's own messages in the conversation
// read. The transition is monotonic; typing:false-style reversal does
// not exist for read flags.
func (s *Session) applyMessageRead(ev *chat.MessageReadEvent) {
	if ev.UserID == s.userID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages[ev.ConversationID] {
		m := &s.messages[ev.ConversationID][i]
		if m.SenderID == s.userID {
			m.IsRead = true
		}
	}
}

// SeedConversations loads the conversation list from the REST API.
func (s *Session) SeedConversations(conversations []chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range conversations {
		c := conversations[i]
		s.conversations[c.ID] = &c
	}
}

// SeedMessages replaces the authoritative portion of a conversation's
// cache with a fresh poll result, preserving pending optimistic copies.
func (s *Session) SeedMessages(conversationID int64, messages []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var merged []CachedMessage
	for _, m := range messages {
		merged = append(merged, CachedMessage{Message: m})
	}
	for _, m := range s.messages[conversationID] {
		if m.Pending {
			merged = append(merged, m)
		}
	}
	s.messages[conversationID] = merged
}

// Messages returns a copy of the conversation's local view, pending
// copies included, in insertion order.
func (s *Session) Messages(conversationID int64) []CachedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CachedMessage, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	return out
}

// Conversations returns the conversation list, most recently active first.
func (s *Session) Conversations() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case ti == nil && tj == nil:
			return out[i].ID > out[j].ID
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	return out
}

// TypingUsers returns the ids of users currently typing in a conversation.
func (s *Session) TypingUsers(conversationID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.typing[conversationID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClearTyping drops the typing view for a conversation (used on
// conversation switch).
func (s *Session) ClearTyping(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.typing, conversationID)
}

// JoinedConversations returns the ids acknowledged by auth_success.
func (s *Session) JoinedConversations() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.joined))
	copy(out, s.joined)
	return out
}

// PendingSends returns the in-flight optimistic sends, for inspection.
func (s *Session) PendingSends() []PendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingSend, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	return out
}

func (s *Session) removePending(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[tempID]
	if !ok {
		return
	}
	delete(s.pending, tempID)
	s.removeMessageLocked(p.ConversationID, func(m *CachedMessage) bool {
		return m.Pending && m.TempID == tempID
	})
}

func (s *Session) removeMessageLocked(conversationID int64, match func(*CachedMessage) bool) {
	msgs := s.messages[conversationID]
	filtered := msgs[:0]
	for i := range msgs {
		if !match(&msgs[i]) {
			filtered = append(filtered, msgs[i])
		}
	}
	s.messages[conversationID] = filtered
}
