package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Repository owns all durable messaging state: conversations,
// membership, messages, read flags, and blocks.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateMessage is the durable write. The message insert and the
// conversation preview update commit together.
func (r *Repository) CreateMessage(ctx context.Context, conversationID, senderID int64, content, messageType string) (*Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	msg := &Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    messageType,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, content, message_type)
         VALUES ($1, $2, $3, $4)
         RETURNING id, created_at`,
		conversationID, senderID, content, messageType,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_message = $1, last_message_at = $2 WHERE id = $3`,
		content, msg.CreatedAt, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("update preview: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a conversation's messages in store order
// (ascending id), which is the canonical ordering for readers.
func (r *Repository) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, content, message_type, is_read, created_at
         FROM messages
         WHERE conversation_id = $1
         ORDER BY id`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.MessageType, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListConversations returns every conversation the user belongs to,
// most recently active first, with the stored last-message preview.
func (r *Repository) ListConversations(ctx context.Context, userID int64) ([]Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.is_group, c.last_message, c.last_message_at, c.created_at
         FROM conversations c
         JOIN participants p ON p.conversation_id = c.id
         WHERE p.user_id = $1
         ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		var name, lastMessage sql.NullString
		var lastMessageAt sql.NullTime
		if err := rows.Scan(&c.ID, &name, &c.IsGroup, &lastMessage, &lastMessageAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Name = name.String
		c.LastMessage = lastMessage.String
		if lastMessageAt.Valid {
			t := lastMessageAt.Time
			c.LastMessageAt = &t
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// ConversationIDs lists the ids of every conversation the user is a
// durable member of; the hub auto-joins these on auth.
func (r *Repository) ConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT conversation_id FROM participants WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) IsMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	return exists, err
}

// DirectPeer returns the other participant of a direct conversation.
// direct is false for groups (and unknown conversations).
func (r *Repository) DirectPeer(ctx context.Context, conversationID, userID int64) (int64, bool, error) {
	var peerID int64
	err := r.db.QueryRowContext(ctx,
		`SELECT p.user_id
         FROM participants p
         JOIN conversations c ON c.id = p.conversation_id
         WHERE p.conversation_id = $1 AND p.user_id <> $2 AND c.is_group = FALSE
         LIMIT 1`,
		conversationID, userID,
	).Scan(&peerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return peerID, true, nil
}

// BlockedBetween reports whether either user has blocked the other.
func (r *Repository) BlockedBetween(ctx context.Context, userA, userB int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
            SELECT 1 FROM blocks
            WHERE (blocker_id = $1 AND blocked_id = $2)
               OR (blocker_id = $2 AND blocked_id = $1)
        )`,
		userA, userB,
	).Scan(&exists)
	return exists, err
}

func (r *Repository) Block(ctx context.Context, blockerID, blockedID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO blocks (blocker_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		blockerID, blockedID)
	return err
}

func (r *Repository) Unblock(ctx context.Context, blockerID, blockedID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2`,
		blockerID, blockedID)
	return err
}

// MarkRead flips the read flag on every message in the conversation
// not authored by the reader. The flag is monotonic; already-read rows
// are untouched, and the returned count is the number of transitions.
func (r *Repository) MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET is_read = TRUE
         WHERE conversation_id = $1 AND sender_id <> $2 AND is_read = FALSE`,
		conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FindOrCreateDirect returns the existing direct conversation between
// the two users, creating it (with both memberships) when absent.
func (r *Repository) FindOrCreateDirect(ctx context.Context, userA, userB int64) (*Conversation, error) {
	conv := &Conversation{}
	err := r.db.QueryRowContext(ctx,
		`SELECT c.id, c.is_group, c.created_at
         FROM conversations c
         JOIN participants p1 ON p1.conversation_id = c.id AND p1.user_id = $1
         JOIN participants p2 ON p2.conversation_id = c.id AND p2.user_id = $2
         WHERE c.is_group = FALSE
         LIMIT 1`,
		userA, userB,
	).Scan(&conv.ID, &conv.IsGroup, &conv.CreatedAt)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO conversations (is_group) VALUES (FALSE) RETURNING id, created_at`,
	).Scan(&conv.ID, &conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	for _, uid := range []int64{userA, userB} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)`,
			conv.ID, uid); err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return conv, nil
}

// CreateGroup creates a named group conversation with the given
// participant set (the creator included by the caller).
func (r *Repository) CreateGroup(ctx context.Context, name string, memberIDs []int64) (*Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	conv := &Conversation{Name: name, IsGroup: true}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO conversations (name, is_group) VALUES ($1, TRUE) RETURNING id, created_at`,
		name,
	).Scan(&conv.ID, &conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	for _, uid := range memberIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			conv.ID, uid); err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return conv, nil
}
