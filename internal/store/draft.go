package store

import (
	"database/sql"
	"errors"
	"time"
)

// SaveDraft stores the composer text for a conversation.
func (db *DB) SaveDraft(conversationID, body string) error {
	_, err := db.Exec(`
		INSERT INTO drafts (conversation_id, body, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		conversationID, body, time.Now().UnixMilli())
	return err
}

// LoadDraft returns the saved draft, or "" when there is none.
func (db *DB) LoadDraft(conversationID string) (string, error) {
	var body string
	err := db.QueryRow(`SELECT body FROM drafts WHERE conversation_id = ?`, conversationID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return body, err
}

// DeleteDraft removes the saved draft for a conversation.
func (db *DB) DeleteDraft(conversationID string) error {
	_, err := db.Exec(`DELETE FROM drafts WHERE conversation_id = ?`, conversationID)
	return err
}
