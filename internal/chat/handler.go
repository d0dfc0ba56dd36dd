package chat

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"vibechat/internal/metrics"
	"vibechat/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, restrict to configured origins.
		return true
	},
}

// MessageStore is what the REST surface needs from persistence.
type MessageStore interface {
	CreateMessage(ctx context.Context, conversationID, senderID int64, content, messageType string) (*Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]Message, error)
	ListConversations(ctx context.Context, userID int64) ([]Conversation, error)
	IsMember(ctx context.Context, conversationID, userID int64) (bool, error)
	DirectPeer(ctx context.Context, conversationID, userID int64) (int64, bool, error)
	BlockedBetween(ctx context.Context, userA, userB int64) (bool, error)
	FindOrCreateDirect(ctx context.Context, userA, userB int64) (*Conversation, error)
	CreateGroup(ctx context.Context, name string, memberIDs []int64) (*Conversation, error)
	Block(ctx context.Context, blockerID, blockedID int64) error
	Unblock(ctx context.Context, blockerID, blockedID int64) error
}

type Handler struct {
	hub    *Hub
	store  MessageStore
	limits *senderLimiter
}

func NewHandler(hub *Hub, store MessageStore) *Handler {
	return &Handler{
		hub:    hub,
		store:  store,
		limits: newSenderLimiter(rate.Limit(5), 10),
	}
}

// ServeWs upgrades the connection and starts the pumps. The route is
// public: identity is established by the in-band auth event, and the
// hub rejects everything else until it arrives.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade: %v", err)
		return
	}

	client := newClient(h.hub, conn)
	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}

type createMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	TempID      string `json:"tempId"`
}

// CreateMessage is the durable write: persist first, then fan out the
// authoritative copy over the real-time channel. A failed persist
// means nothing was sent; there is no server-side retry.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, err := conversationIDParam(r)
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		http.Error(w, "message content is required", http.StatusBadRequest)
		return
	}
	messageType := req.MessageType
	if messageType == "" {
		messageType = "text"
	}
	if !validMessageTypes[messageType] {
		http.Error(w, "unsupported message type", http.StatusBadRequest)
		return
	}

	member, err := h.store.IsMember(r.Context(), conversationID, userID)
	if err != nil {
		http.Error(w, "membership check failed", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "not a member of this conversation", http.StatusForbidden)
		return
	}

	if peerID, direct, err := h.store.DirectPeer(r.Context(), conversationID, userID); err == nil && direct {
		if blocked, berr := h.store.BlockedBetween(r.Context(), userID, peerID); berr == nil && blocked {
			http.Error(w, "conversation unavailable", http.StatusForbidden)
			return
		}
	}

	if !h.limits.allow(userID) {
		http.Error(w, "too many messages", http.StatusTooManyRequests)
		return
	}

	msg, err := h.store.CreateMessage(r.Context(), conversationID, userID, content, messageType)
	if err != nil {
		log.Printf("create message: %v", err)
		http.Error(w, "failed to send message", http.StatusInternalServerError)
		return
	}
	metrics.MessagesPersisted.Inc()

	h.hub.BroadcastMessage(r.Context(), msg, &Sender{ID: userID, Username: username}, req.TempID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(msg)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, err := conversationIDParam(r)
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	member, err := h.store.IsMember(r.Context(), conversationID, userID)
	if err != nil {
		http.Error(w, "membership check failed", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "not a member of this conversation", http.StatusForbidden)
		return
	}

	messages, err := h.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		http.Error(w, "failed to load messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conversations, err := h.store.ListConversations(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to load conversations", http.StatusInternalServerError)
		return
	}
	if conversations == nil {
		conversations = []Conversation{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conversations)
}

type createConversationRequest struct {
	TargetID  int64   `json:"targetId"`
	Name      string  `json:"name"`
	MemberIDs []int64 `json:"memberIds"`
}

// CreateConversation finds or creates a direct conversation with
// targetId, or creates a named group when memberIds is given.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var conv *Conversation
	var err error
	switch {
	case len(req.MemberIDs) > 0:
		if strings.TrimSpace(req.Name) == "" {
			http.Error(w, "group name is required", http.StatusBadRequest)
			return
		}
		members := append([]int64{userID}, req.MemberIDs...)
		if len(members) < 2 {
			http.Error(w, "group needs at least two members", http.StatusBadRequest)
			return
		}
		conv, err = h.store.CreateGroup(r.Context(), strings.TrimSpace(req.Name), members)

	case req.TargetID > 0:
		if req.TargetID == userID {
			http.Error(w, "cannot start a conversation with yourself", http.StatusBadRequest)
			return
		}
		blocked, berr := h.store.BlockedBetween(r.Context(), userID, req.TargetID)
		if berr == nil && blocked {
			http.Error(w, "conversation unavailable", http.StatusForbidden)
			return
		}
		conv, err = h.store.FindOrCreateDirect(r.Context(), userID, req.TargetID)

	default:
		http.Error(w, "targetId or memberIds is required", http.StatusBadRequest)
		return
	}

	if err != nil {
		log.Printf("create conversation: %v", err)
		http.Error(w, "failed to create conversation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(conv)
}

func (h *Handler) BlockUser(w http.ResponseWriter, r *http.Request) {
	h.updateBlock(w, r, h.store.Block)
}

func (h *Handler) UnblockUser(w http.ResponseWriter, r *http.Request) {
	h.updateBlock(w, r, h.store.Unblock)
}

func (h *Handler) updateBlock(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, int64) error) {
	userID, _, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	targetID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || targetID == userID {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), userID, targetID); err != nil {
		http.Error(w, "failed to update block", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func conversationIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
}

// senderLimiter rate-limits the durable write path per user.
type senderLimiter struct {
	mu      sync.Mutex
	perUser map[int64]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newSenderLimiter(limit rate.Limit, burst int) *senderLimiter {
	return &senderLimiter{perUser: make(map[int64]*rate.Limiter), limit: limit, burst: burst}
}

func (l *senderLimiter) allow(userID int64) bool {
	l.mu.Lock()
	lim, ok := l.perUser[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.perUser[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
