package chat

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// RoomEvent is one fan-out unit: an encoded channel event addressed to
// every subscriber of a conversation, minus an optional excluded user.
type RoomEvent struct {
	ConversationID int64           `json:"conversationId"`
	ExcludeUserID  int64           `json:"excludeUserId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// Broker carries room events between server instances. The hub
// publishes every room event here and routes whatever comes back, so
// delivery works the same with one instance or many.
type Broker interface {
	Publish(ctx context.Context, ev *RoomEvent) error
	Subscribe(ctx context.Context) (<-chan *RoomEvent, error)
}

// RedisBroker fans events across instances over a single pub/sub channel.
type RedisBroker struct {
	rdb     *redis.Client
	channel string
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, channel: "chat-events"}
}

func (b *RedisBroker) Publish(ctx context.Context, ev *RoomEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan *RoomEvent, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	out := make(chan *RoomEvent, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				ev := &RoomEvent{}
				if err := json.Unmarshal([]byte(msg.Payload), ev); err != nil {
					log.Printf("broker: dropping malformed event: %v", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
