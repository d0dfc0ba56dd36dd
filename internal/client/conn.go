package client

import (
	"bytes"
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"vibechat/internal/chat"
)

// Conn wraps one websocket connection to the server. Event writes are
// serialized; reads belong to the Listen loop.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

// Authenticate sends the in-band auth handshake. It must be the first
// event on the connection; the server rejects everything else until
// auth_success has been emitted.
func (c *Conn) Authenticate(token string) error {
	return c.send(chat.InboundEvent{Type: chat.EventAuth, Token: token})
}

func (c *Conn) Join(conversationID int64) error {
	return c.send(chat.InboundEvent{Type: chat.EventJoin, ConversationID: conversationID})
}

func (c *Conn) Leave(conversationID int64) error {
	return c.send(chat.InboundEvent{Type: chat.EventLeave, ConversationID: conversationID})
}

func (c *Conn) Typing(conversationID int64, isTyping bool) error {
	return c.send(chat.InboundEvent{Type: chat.EventTyping, ConversationID: conversationID, IsTyping: isTyping})
}

func (c *Conn) MarkRead(conversationID int64) error {
	return c.send(chat.InboundEvent{Type: chat.EventMarkRead, ConversationID: conversationID})
}

// Listen reads frames until the connection drops, feeding each event
// into the session. The server batches queued events into one frame
// separated by newlines, so frames are split before dispatch.
func (c *Conn) Listen(ctx context.Context, session *Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		for _, raw := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(raw)) == 0 {
				continue
			}
			if err := session.HandleEvent(raw); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

func (c *Conn) send(ev chat.InboundEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(ev)
}
