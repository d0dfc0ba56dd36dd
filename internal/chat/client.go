package chat

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // time allowed to write a message to the peer
	pongWait       = 60 * time.Second    // time allowed to read the next pong from the peer
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096                // maximum inbound frame size
)

// Client is the middleman between one websocket connection and the
// hub. Each connection is its own actor: the read goroutine
// authenticates, runs store lookups, and processes frames strictly in
// arrival order, handing the hub only registry mutations. Identity
// fields are written once by the read goroutine during auth and never
// change afterwards; the hub observes them only through subscriptions
// queued after that write.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	// Closed by the hub when the connection's volatile state is gone.
	done chan struct{}

	userID        int64
	username      string
	authenticated bool
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// readPump reads frames from the websocket and processes them one at a
// time, preserving the connection's send order.
func (c *Client) readPump() {
	defer func() {
		c.teardown()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws read: %v", err)
			}
			break
		}
		c.handleFrame(message)
	}
}

func (c *Client) teardown() {
	select {
	case c.hub.unregister <- c:
	case <-c.done:
	}
}

// handleFrame dispatches a single inbound frame. Malformed frames and
// frames sent before a successful auth get an error event back; the
// connection stays up.
func (c *Client) handleFrame(data []byte) {
	var ev InboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.sendError("malformed event")
		return
	}
	if !c.authenticated && ev.Type != EventAuth {
		c.sendError("not authenticated")
		return
	}

	switch ev.Type {
	case EventAuth:
		c.handleAuth(ev.Token)
	case EventJoin:
		c.handleJoin(ev.ConversationID)
	case EventLeave:
		c.hub.enqueue(c, func() { c.hub.unsubscribe(c, ev.ConversationID) })
	case EventTyping:
		c.hub.enqueue(c, func() { c.hub.setTyping(c, ev.ConversationID, ev.IsTyping) })
	case EventMarkRead:
		c.handleMarkRead(ev.ConversationID)
	default:
		c.sendError("unknown event type")
	}
}

// handleAuth validates the token, pins the connection's identity, and
// auto-joins every conversation the user is a durable member of. The
// identity is write-once: a second auth on the same connection is
// rejected so subscriptions can never outlive the identity that earned
// them.
func (c *Client) handleAuth(token string) {
	if c.authenticated {
		c.sendError("already authenticated")
		return
	}

	userID, username, err := c.hub.validator.ValidateToken(token)
	if err != nil {
		c.sendError("authentication failed")
		return
	}

	ids, err := c.hub.store.ConversationIDs(context.Background(), userID)
	if err != nil {
		log.Printf("auth: load conversations for user %d: %v", userID, err)
		c.sendError("authentication failed")
		return
	}

	c.userID = userID
	c.username = username
	c.authenticated = true

	// auth_success is sent from the hub goroutine so that by the time
	// the client sees it, the subscriptions are live.
	c.hub.enqueue(c, func() {
		for _, id := range ids {
			c.hub.subscribe(c, id)
		}
		c.sendEvent(AuthSuccessEvent{
			Type:                EventAuthSuccess,
			ConversationsJoined: ids,
		})
	})
}

func (c *Client) handleJoin(conversationID int64) {
	member, err := c.hub.store.IsMember(context.Background(), conversationID, c.userID)
	if err != nil {
		log.Printf("join: membership check conv %d user %d: %v", conversationID, c.userID, err)
		c.sendError("join failed")
		return
	}
	if !member {
		c.sendError("not a member of this conversation")
		return
	}

	if peerID, direct, err := c.hub.store.DirectPeer(context.Background(), conversationID, c.userID); err == nil && direct {
		if blocked, berr := c.hub.store.BlockedBetween(context.Background(), c.userID, peerID); berr == nil && blocked {
			c.sendError("conversation unavailable")
			return
		}
	}

	c.hub.enqueue(c, func() { c.hub.subscribe(c, conversationID) })
}

// handleMarkRead flips unread flags durably, then fans a receipt out
// to the room. Nothing is emitted when no flag actually transitioned.
func (c *Client) handleMarkRead(conversationID int64) {
	member, err := c.hub.store.IsMember(context.Background(), conversationID, c.userID)
	if err != nil || !member {
		if err != nil {
			log.Printf("mark_read: membership check conv %d user %d: %v", conversationID, c.userID, err)
		}
		c.sendError("not a member of this conversation")
		return
	}

	updated, err := c.hub.store.MarkRead(context.Background(), conversationID, c.userID)
	if err != nil {
		log.Printf("mark_read: conv %d user %d: %v", conversationID, c.userID, err)
		c.sendError("mark read failed")
		return
	}
	if updated == 0 {
		return
	}

	// Queued like the registry actions so receipts keep their place in
	// this connection's event order.
	c.hub.enqueue(c, func() {
		c.hub.publish(context.Background(), conversationID, c.userID, EventMessageRead, MessageReadEvent{
			Type:           EventMessageRead,
			ConversationID: conversationID,
			UserID:         c.userID,
		})
	})
}

func (c *Client) sendError(message string) {
	c.sendEvent(ErrorEvent{Type: EventError, Message: message})
}

// sendEvent queues an outbound event for the write pump. The send
// channel is never closed, so this is safe from the read goroutine and
// the hub goroutine alike. A full buffer drops the event rather than
// blocking; route evicts laggards on the next room delivery.
func (c *Client) sendEvent(payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ws: encode outbound event: %v", err)
		return
	}
	select {
	case c.send <- raw:
	case <-c.done:
	default:
	}
}

// writePump pumps frames from the hub to the websocket connection and
// keeps the connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain whatever else is queued into the same write.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
