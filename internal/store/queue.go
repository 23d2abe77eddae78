package store

import (
	"database/sql"
	"fmt"

	"github.com/matheus3301/wutzup/internal/status"
)

// SaveQueue replaces the persisted retry queue with entries, preserving order.
func (db *DB) SaveQueue(entries []QueuedEntry) error {
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM retry_queue`); err != nil {
			return fmt.Errorf("clear retry_queue: %w", err)
		}
		for i, e := range entries {
			m := e.Message
			mediaURL, mediaType := mediaColumns(m.Media)
			if _, err := tx.Exec(`
				INSERT INTO retry_queue (msg_id, position, conversation_id, sender_id, body, media_url, media_type, timestamp, retry_count, last_attempt_at, status, last_error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.ID, i, m.ConversationID, m.SenderID, m.Body, mediaURL, mediaType, m.Timestamp,
				e.RetryCount, e.LastAttemptAt, string(e.Status), e.LastError); err != nil {
				return fmt.Errorf("insert retry_queue %q: %w", m.ID, err)
			}
		}
		return nil
	})
}

// LoadQueue returns the persisted retry queue in enqueue order.
func (db *DB) LoadQueue() ([]QueuedEntry, error) {
	rows, err := db.Query(`
		SELECT msg_id, conversation_id, sender_id, body, media_url, media_type, timestamp,
		       retry_count, last_attempt_at, status, last_error
		FROM retry_queue ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueuedEntry
	for rows.Next() {
		var (
			e         QueuedEntry
			mediaURL  string
			mediaType string
			st        string
		)
		if err := rows.Scan(&e.Message.ID, &e.Message.ConversationID, &e.Message.SenderID, &e.Message.Body,
			&mediaURL, &mediaType, &e.Message.Timestamp,
			&e.RetryCount, &e.LastAttemptAt, &st, &e.LastError); err != nil {
			return nil, err
		}
		if mediaURL != "" {
			e.Message.Media = &MediaRef{URL: mediaURL, MIMEType: mediaType}
		}
		e.Status = QueueStatus(st)
		e.Message.Status = status.Sending
		if e.Status == QueueFailed {
			e.Message.Status = status.Failed
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
