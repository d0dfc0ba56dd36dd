package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

// loopbackBroker delivers published events straight back to the
// subscription, standing in for Redis pub/sub.
type loopbackBroker struct {
	events chan *RoomEvent
}

func newLoopbackBroker() *loopbackBroker {
	return &loopbackBroker{events: make(chan *RoomEvent, 64)}
}

func (b *loopbackBroker) Publish(_ context.Context, ev *RoomEvent) error {
	b.events <- ev
	return nil
}

func (b *loopbackBroker) Subscribe(_ context.Context) (<-chan *RoomEvent, error) {
	return b.events, nil
}

type stubStore struct {
	conversationsByUser map[int64][]int64
	membersByConv       map[int64][]int64
	directPeerByConv    map[int64]map[int64]int64
	blockedPairs        map[[2]int64]bool
	unreadCount         int64
	markReadCalls       int
	markReadBlock       chan struct{}
}

func (s *stubStore) ConversationIDs(_ context.Context, userID int64) ([]int64, error) {
	return s.conversationsByUser[userID], nil
}

func (s *stubStore) IsMember(_ context.Context, conversationID, userID int64) (bool, error) {
	for _, id := range s.membersByConv[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStore) DirectPeer(_ context.Context, conversationID, userID int64) (int64, bool, error) {
	peers := s.directPeerByConv[conversationID]
	if peers == nil {
		return 0, false, nil
	}
	peer, ok := peers[userID]
	return peer, ok, nil
}

func (s *stubStore) BlockedBetween(_ context.Context, userA, userB int64) (bool, error) {
	return s.blockedPairs[[2]int64{userA, userB}] || s.blockedPairs[[2]int64{userB, userA}], nil
}

func (s *stubStore) MarkRead(_ context.Context, conversationID, readerID int64) (int64, error) {
	if s.markReadBlock != nil {
		<-s.markReadBlock
	}
	s.markReadCalls++
	return s.unreadCount, nil
}

type stubValidator struct{}

func (stubValidator) ValidateToken(token string) (int64, string, error) {
	var id int64
	if _, err := fmt.Sscanf(token, "tok-%d", &id); err != nil {
		return 0, "", fmt.Errorf("bad token")
	}
	return id, fmt.Sprintf("user%d", id), nil
}

func newTestHub(t *testing.T, store MembershipStore) *Hub {
	t.Helper()
	h := NewHub(newLoopbackBroker(), store, stubValidator{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func connect(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := newClient(h, nil)
	h.register <- c
	return c
}

// sendFrame feeds a frame to the connection the way its read pump
// would: synchronously, in order.
func sendFrame(c *Client, format string, args ...any) {
	c.handleFrame([]byte(fmt.Sprintf(format, args...)))
}

func recvEvent(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case raw := <-c.send:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("decode event %q: %v", raw, err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func authenticate(t *testing.T, c *Client, userID int64) map[string]any {
	t.Helper()
	sendFrame(c, `{"type":"auth","token":"tok-%d"}`, userID)
	ev := recvEvent(t, c)
	if ev["type"] != EventAuthSuccess {
		t.Fatalf("expected auth_success, got %v", ev)
	}
	return ev
}

func TestRejectsEventsBeforeAuth(t *testing.T) {
	h := newTestHub(t, &stubStore{})
	c := connect(t, h)

	sendFrame(c, `{"type":"typing","conversationId":1,"isTyping":true}`)
	ev := recvEvent(t, c)
	if ev["type"] != EventError {
		t.Fatalf("expected error event, got %v", ev)
	}
	if ev["message"] != "not authenticated" {
		t.Fatalf("unexpected error message %q", ev["message"])
	}

	// The channel survives the rejection: auth still works afterwards.
	authenticate(t, c, 1)
}

func TestAuthAutoJoinsDurableConversations(t *testing.T) {
	store := &stubStore{
		conversationsByUser: map[int64][]int64{1: {5, 7}},
		membersByConv:       map[int64][]int64{5: {1, 2}, 7: {1, 3}},
	}
	h := newTestHub(t, store)
	c := connect(t, h)

	ev := authenticate(t, c, 1)
	joined, ok := ev["conversationsJoined"].([]any)
	if !ok || len(joined) != 2 {
		t.Fatalf("expected 2 joined conversations, got %v", ev["conversationsJoined"])
	}

	// Fan-out reaches the auto-joined room without an explicit join.
	h.BroadcastMessage(context.Background(), &Message{ID: 100, ConversationID: 7, SenderID: 3, Content: "hi"}, &Sender{ID: 3, Username: "user3"}, "")
	got := recvEvent(t, c)
	if got["type"] != EventNewMessage {
		t.Fatalf("expected new_message, got %v", got)
	}
}

func TestReauthRejectedAndIdentityUnchanged(t *testing.T) {
	store := &stubStore{
		conversationsByUser: map[int64][]int64{1: {5}, 3: {5}},
		membersByConv:       map[int64][]int64{5: {1, 3}},
	}
	h := newTestHub(t, store)
	c := connect(t, h)
	d := connect(t, h)
	authenticate(t, c, 1)
	authenticate(t, d, 3)

	// A second auth on a live connection must not swap its identity or
	// carry its subscriptions over to another user.
	sendFrame(c, `{"type":"auth","token":"tok-2"}`)
	ev := recvEvent(t, c)
	if ev["type"] != EventError || ev["message"] != "already authenticated" {
		t.Fatalf("expected re-auth rejection, got %v", ev)
	}

	sendFrame(c, `{"type":"typing","conversationId":5,"isTyping":true}`)
	ev = recvEvent(t, d)
	if ev["type"] != EventUserTyping || ev["userId"] != float64(1) {
		t.Fatalf("expected typing relay still attributed to user 1, got %v", ev)
	}
}

func TestJoinRequiresDurableMembership(t *testing.T) {
	store := &stubStore{membersByConv: map[int64][]int64{9: {2, 3}}}
	h := newTestHub(t, store)
	c := connect(t, h)
	authenticate(t, c, 1)

	sendFrame(c, `{"type":"join_conversation","conversationId":9}`)
	ev := recvEvent(t, c)
	if ev["type"] != EventError || ev["message"] != "not a member of this conversation" {
		t.Fatalf("expected membership error, got %v", ev)
	}
}

func TestJoinRejectedWhenDirectPeerBlocked(t *testing.T) {
	store := &stubStore{
		membersByConv:    map[int64][]int64{4: {1, 2}},
		directPeerByConv: map[int64]map[int64]int64{4: {1: 2, 2: 1}},
		blockedPairs:     map[[2]int64]bool{{2, 1}: true},
	}
	h := newTestHub(t, store)
	c := connect(t, h)
	authenticate(t, c, 1)

	sendFrame(c, `{"type":"join_conversation","conversationId":4}`)
	ev := recvEvent(t, c)
	if ev["type"] != EventError || ev["message"] != "conversation unavailable" {
		t.Fatalf("expected block rejection, got %v", ev)
	}
}

func TestTypingRelayedOnceAndExcludesSender(t *testing.T) {
	store := &stubStore{
		conversationsByUser: map[int64][]int64{1: {5}, 2: {5}},
		membersByConv:       map[int64][]int64{5: {1, 2}},
		unreadCount:         1,
	}
	h := newTestHub(t, store)
	a := connect(t, h)
	b := connect(t, h)
	authenticate(t, a, 1)
	authenticate(t, b, 2)

	// Redundant typing:true frames collapse into a single relay.
	sendFrame(a, `{"type":"typing","conversationId":5,"isTyping":true}`)
	sendFrame(a, `{"type":"typing","conversationId":5,"isTyping":true}`)
	sendFrame(a, `{"type":"typing","conversationId":5,"isTyping":false}`)

	ev := recvEvent(t, b)
	if ev["type"] != EventUserTyping || ev["isTyping"] != true || ev["userId"] != float64(1) {
		t.Fatalf("expected typing:true from user 1, got %v", ev)
	}
	ev = recvEvent(t, b)
	if ev["type"] != EventUserTyping || ev["isTyping"] != false {
		t.Fatalf("expected typing:false next, got %v", ev)
	}

	// The sender never hears its own typing relay: the next event A
	// sees is the read receipt triggered below, not user_typing.
	sendFrame(b, `{"type":"mark_read","conversationId":5}`)
	ev = recvEvent(t, a)
	if ev["type"] != EventMessageRead || ev["userId"] != float64(2) {
		t.Fatalf("expected message_read from user 2, got %v", ev)
	}
}

func TestDisconnectEmitsSyntheticStopTyping(t *testing.T) {
	store := &stubStore{
		conversationsByUser: map[int64][]int64{1: {5}, 2: {5}},
		membersByConv:       map[int64][]int64{5: {1, 2}},
	}
	h := newTestHub(t, store)
	a := connect(t, h)
	b := connect(t, h)
	authenticate(t, a, 1)
	authenticate(t, b, 2)

	sendFrame(a, `{"type":"typing","conversationId":5,"isTyping":true}`)
	ev := recvEvent(t, b)
	if ev["isTyping"] != true {
		t.Fatalf("expected typing:true, got %v", ev)
	}

	// A drops without ever sending typing:false.
	h.unregister <- a
	ev = recvEvent(t, b)
	if ev["type"] != EventUserTyping || ev["isTyping"] != false || ev["userId"] != float64(1) {
		t.Fatalf("expected synthetic typing:false for user 1, got %v", ev)
	}
}

func TestFramesAfterTeardownAreInert(t *testing.T) {
	store := &stubStore{
		conversationsByUser: map[int64][]int64{1: {5}, 2: {5}},
		membersByConv:       map[int64][]int64{5: {1, 2}},
	}
	h := newTestHub(t, store)
	a := connect(t, h)
	b := connect(t, h)
	authenticate(t, a, 1)
	authenticate(t, b, 2)

	h.unregister <- a
	select {
	case <-a.done:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown never completed")
	}

	// Frames a slow read pump delivers after teardown must neither
	// panic nor reach the room.
	sendFrame(a, `{"type":"typing","conversationId":5,"isTyping":true}`)
	sendFrame(a, `{"type":"mark_read","conversationId":5}`)
	sendFrame(a, `{`)

	h.BroadcastMessage(context.Background(), &Message{ID: 3, ConversationID: 5, SenderID: 1, Content: "z"}, &Sender{ID: 1, Username: "user1"}, "")
	ev := recvEvent(t, b)
	if ev["type"] != EventNewMessage {
		t.Fatalf("expected only new_message for B, got %v", ev)
	}
}

func TestSlowMarkReadDoesNotStallOtherConnections(t *testing.T) {
	store := &stubStore{
		conversationsByUser: map[int64][]int64{1: {5}, 2: {5}, 3: {5}},
		membersByConv:       map[int64][]int64{5: {1, 2, 3}},
		unreadCount:         1,
		markReadBlock:       make(chan struct{}),
	}
	h := newTestHub(t, store)
	a := connect(t, h)
	b := connect(t, h)
	c := connect(t, h)
	authenticate(t, a, 1)
	authenticate(t, b, 2)
	authenticate(t, c, 3)

	// C's read pump is stuck in a slow durable read-flag update.
	markReadDone := make(chan struct{})
	go func() {
		defer close(markReadDone)
		sendFrame(c, `{"type":"mark_read","conversationId":5}`)
	}()

	// Routing for everyone else keeps flowing meanwhile.
	sendFrame(a, `{"type":"typing","conversationId":5,"isTyping":true}`)
	ev := recvEvent(t, b)
	if ev["type"] != EventUserTyping || ev["userId"] != float64(1) {
		t.Fatalf("expected typing relay while mark_read in flight, got %v", ev)
	}

	close(store.markReadBlock)
	select {
	case <-markReadDone:
	case <-time.After(2 * time.Second):
		t.Fatal("mark_read never finished")
	}
	ev = recvEvent(t, b)
	if ev["type"] != EventMessageRead || ev["userId"] != float64(3) {
		t.Fatalf("expected message_read from user 3, got %v", ev)
	}
}

func TestMarkReadWithNothingUnreadIsSilent(t *testing.T) {
	store := &stubStore{
		conversationsByUser: map[int64][]int64{1: {5}, 2: {5}},
		membersByConv:       map[int64][]int64{5: {1, 2}},
		unreadCount:         0,
	}
	h := newTestHub(t, store)
	a := connect(t, h)
	b := connect(t, h)
	authenticate(t, a, 1)
	authenticate(t, b, 2)

	sendFrame(b, `{"type":"mark_read","conversationId":5}`)
	if store.markReadCalls != 1 {
		t.Fatalf("expected 1 MarkRead call, got %d", store.markReadCalls)
	}

	// No receipt when no flags transitioned. Prove it by following up
	// with a broadcast and checking that's the first thing A sees.
	h.BroadcastMessage(context.Background(), &Message{ID: 1, ConversationID: 5, SenderID: 2, Content: "x"}, &Sender{ID: 2, Username: "user2"}, "")
	ev := recvEvent(t, a)
	if ev["type"] != EventNewMessage {
		t.Fatalf("expected new_message first, got %v", ev)
	}
}

func TestLeaveIsIdempotentAndClearsTyping(t *testing.T) {
	store := &stubStore{
		conversationsByUser: map[int64][]int64{1: {5}, 2: {5}},
		membersByConv:       map[int64][]int64{5: {1, 2}},
	}
	h := newTestHub(t, store)
	a := connect(t, h)
	b := connect(t, h)
	authenticate(t, a, 1)
	authenticate(t, b, 2)

	sendFrame(a, `{"type":"typing","conversationId":5,"isTyping":true}`)
	if ev := recvEvent(t, b); ev["isTyping"] != true {
		t.Fatalf("expected typing:true, got %v", ev)
	}

	sendFrame(a, `{"type":"leave_conversation","conversationId":5}`)
	ev := recvEvent(t, b)
	if ev["type"] != EventUserTyping || ev["isTyping"] != false {
		t.Fatalf("expected typing:false on leave, got %v", ev)
	}

	// Leaving again is a no-op; A no longer receives room fan-out.
	sendFrame(a, `{"type":"leave_conversation","conversationId":5}`)
	h.BroadcastMessage(context.Background(), &Message{ID: 2, ConversationID: 5, SenderID: 2, Content: "y"}, &Sender{ID: 2, Username: "user2"}, "")
	if ev := recvEvent(t, b); ev["type"] != EventNewMessage {
		t.Fatalf("expected new_message for B, got %v", ev)
	}
	select {
	case raw := <-a.send:
		t.Fatalf("expected no event for A after leave, got %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewMessageEchoesTempID(t *testing.T) {
	store := &stubStore{
		conversationsByUser: map[int64][]int64{1: {5}},
		membersByConv:       map[int64][]int64{5: {1, 2}},
	}
	h := newTestHub(t, store)
	c := connect(t, h)
	authenticate(t, c, 1)

	h.BroadcastMessage(context.Background(),
		&Message{ID: 42, ConversationID: 5, SenderID: 1, Content: "hello"},
		&Sender{ID: 1, Username: "user1"}, "temp-123")

	ev := recvEvent(t, c)
	if ev["type"] != EventNewMessage || ev["tempId"] != "temp-123" {
		t.Fatalf("expected new_message echoing temp id, got %v", ev)
	}
}
