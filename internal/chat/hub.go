package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"vibechat/internal/metrics"
)

// MembershipStore is what the messaging core needs from persistence.
// Durable membership decides what a connection may subscribe to; the
// hub never mutates it.
type MembershipStore interface {
	ConversationIDs(ctx context.Context, userID int64) ([]int64, error)
	IsMember(ctx context.Context, conversationID, userID int64) (bool, error)
	DirectPeer(ctx context.Context, conversationID, userID int64) (int64, bool, error)
	BlockedBetween(ctx context.Context, userA, userB int64) (bool, error)
	MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error)
}

// TokenValidator checks the credential carried by the auth handshake.
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

type action struct {
	client *Client
	fn     func()
}

// Hub owns all volatile routing state: which connections exist, which
// rooms they subscribe to, and who is mid-type where. Connections do
// their own store lookups on their read goroutines and hand the hub
// closures that only mutate the registry, so a slow database call on
// one connection never stalls routing for the rest. Every map mutation
// happens on the single Run goroutine; none of the maps need locking.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	actions    chan action

	clients map[*Client]bool
	rooms   map[int64]map[*Client]bool
	typing  map[int64]map[*Client]bool

	broker    Broker
	store     MembershipStore
	validator TokenValidator
}

func NewHub(broker Broker, store MembershipStore, validator TokenValidator) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		actions:    make(chan action, 64),
		clients:    make(map[*Client]bool),
		rooms:      make(map[int64]map[*Client]bool),
		typing:     make(map[int64]map[*Client]bool),
		broker:     broker,
		store:      store,
		validator:  validator,
	}
}

// Run processes registrations, queued registry actions, and broker
// deliveries until ctx is cancelled. It is the only goroutine that
// touches the hub's maps.
func (h *Hub) Run(ctx context.Context) error {
	events, err := h.broker.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-h.register:
			h.clients[c] = true
			metrics.ConnectionsActive.Inc()

		case c := <-h.unregister:
			h.disconnect(c)

		case a := <-h.actions:
			// Actions queued by a connection that has since been torn
			// down are dropped; its volatile state is already gone.
			if h.clients[a.client] {
				a.fn()
			}

		case ev, ok := <-events:
			if !ok {
				return errors.New("broker subscription closed")
			}
			h.route(ev)
		}
	}
}

// enqueue hands a registry mutation to the Run goroutine. Actions from
// one connection execute in submission order, preserving the
// per-connection event ordering guarantee.
func (h *Hub) enqueue(c *Client, fn func()) {
	select {
	case h.actions <- action{client: c, fn: fn}:
	case <-c.done:
	}
}

// disconnect tears down all volatile state for a connection. Any
// lingering typing state is cleared with a synthetic stop-typing event
// so peers never see a disconnected user as typing.
func (h *Hub) disconnect(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	metrics.ConnectionsActive.Dec()

	for id, room := range h.rooms {
		if room[c] {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, id)
			}
		}
	}
	for id := range h.typing {
		h.clearTyping(c, id)
	}
	close(c.done)
}

func (h *Hub) subscribe(c *Client, conversationID int64) {
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[*Client]bool)
		h.rooms[conversationID] = room
	}
	room[c] = true
}

func (h *Hub) unsubscribe(c *Client, conversationID int64) {
	if room := h.rooms[conversationID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	h.clearTyping(c, conversationID)
}

// setTyping applies a typing transition for a subscribed connection
// and relays it to the rest of the room. Redundant transitions and
// transitions for rooms the connection never joined are dropped.
func (h *Hub) setTyping(c *Client, conversationID int64, isTyping bool) {
	if h.rooms[conversationID] == nil || !h.rooms[conversationID][c] {
		return
	}

	set := h.typing[conversationID]
	if isTyping == (set != nil && set[c]) {
		return // no transition, nothing to relay
	}

	if isTyping {
		if set == nil {
			set = make(map[*Client]bool)
			h.typing[conversationID] = set
		}
		set[c] = true
	} else {
		delete(set, c)
		if len(set) == 0 {
			delete(h.typing, conversationID)
		}
	}

	h.publish(context.Background(), conversationID, c.userID, EventUserTyping, UserTypingEvent{
		Type:           EventUserTyping,
		ConversationID: conversationID,
		UserID:         c.userID,
		IsTyping:       isTyping,
	})
}

// clearTyping force-idles a connection's typing state in one
// conversation, emitting typing:false on its behalf when it was set.
func (h *Hub) clearTyping(c *Client, conversationID int64) {
	set := h.typing[conversationID]
	if set == nil || !set[c] {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.typing, conversationID)
	}
	h.publish(context.Background(), conversationID, c.userID, EventUserTyping, UserTypingEvent{
		Type:           EventUserTyping,
		ConversationID: conversationID,
		UserID:         c.userID,
		IsTyping:       false,
	})
}

// route delivers a room event to every local subscriber. Sends are
// non-blocking: a subscriber with a full buffer is torn down rather
// than allowed to stall the rest of the room.
func (h *Hub) route(ev *RoomEvent) {
	for c := range h.rooms[ev.ConversationID] {
		if ev.ExcludeUserID != 0 && c.userID == ev.ExcludeUserID {
			continue
		}
		select {
		case c.send <- ev.Payload:
			metrics.EventsDelivered.Inc()
		default:
			h.disconnect(c)
		}
	}
}

// publish hands a room event to the broker; it comes back through the
// subscription (on every instance) and is routed locally there. Safe
// to call from any goroutine: it touches only the broker.
func (h *Hub) publish(ctx context.Context, conversationID, excludeUserID int64, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("hub: encode %s event: %v", eventType, err)
		return
	}
	ev := &RoomEvent{ConversationID: conversationID, ExcludeUserID: excludeUserID, Payload: raw}
	if err := h.broker.Publish(ctx, ev); err != nil {
		log.Printf("hub: publish %s event: %v", eventType, err)
		return
	}
	metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

// BroadcastMessage fans out a freshly persisted message to the room.
// Called from the durable write handler, after the store accepted the
// message. The sender's connections receive it too; their optimistic
// copy is reconciled away by temp id.
func (h *Hub) BroadcastMessage(ctx context.Context, msg *Message, sender *Sender, tempID string) {
	h.publish(ctx, msg.ConversationID, 0, EventNewMessage, NewMessageEvent{
		Type:           EventNewMessage,
		ConversationID: msg.ConversationID,
		Message:        msg,
		Sender:         sender,
		TempID:         tempID,
	})
}
