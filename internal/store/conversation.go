package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates conversation metadata. Last-message
// fields only move forward in time. UnreadCount is derived from receipts and
// ignored here.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, name, is_group, participant_ids, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN conversations.name ELSE excluded.name END,
			is_group = excluded.is_group,
			participant_ids = CASE WHEN excluded.participant_ids = '' THEN conversations.participant_ids ELSE excluded.participant_ids END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.IsGroup, joinIDs(c.ParticipantIDs), c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// touchConversation bumps the conversation's last message from m, creating
// the conversation row if needed.
func touchConversation(tx *sql.Tx, m Message) error {
	if m.ConversationID == "" {
		return nil
	}
	_, err := tx.Exec(`
		INSERT INTO conversations (id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.Timestamp, Preview(m.Body, m.Media), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// conversationColumns selects a conversation row with the number of messages
// from others that the bound user (two placeholders) has not read.
const conversationColumns = `c.id, c.name, c.is_group, c.participant_ids,
	(SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = c.id AND m.sender_id != ?
		  AND NOT EXISTS (
			SELECT 1 FROM receipts r
			WHERE r.msg_id = m.msg_id AND r.user_id = ? AND r.kind = 'read')),
	c.last_message_at, c.last_message_preview`

func scanConversation(s scanner) (Conversation, error) {
	var (
		c            Conversation
		participants string
	)
	if err := s.Scan(&c.ID, &c.Name, &c.IsGroup, &participants, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
		return Conversation{}, err
	}
	c.ParticipantIDs = splitIDs(participants)
	return c, nil
}

// ListConversations returns conversations sorted by last message timestamp
// descending, with unread counts as seen by userID.
func (db *DB) ListConversations(userID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+conversationColumns+`
		FROM conversations c
		ORDER BY c.last_message_at DESC
		LIMIT ? OFFSET ?`, userID, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, with the unread count
// of userID.
func (db *DB) GetConversation(id, userID string) (Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, userID, userID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}
