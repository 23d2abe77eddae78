package store

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/wutzup/internal/status"
)

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

const messageColumns = `msg_id, conversation_id, sender_id, body, media_url, media_type, status, timestamp`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner, extra ...any) (Message, error) {
	var (
		m         Message
		mediaURL  string
		mediaType string
		st        string
	)
	dest := append([]any{&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &mediaURL, &mediaType, &st, &m.Timestamp}, extra...)
	if err := s.Scan(dest...); err != nil {
		return Message{}, err
	}
	if mediaURL != "" {
		m.Media = &MediaRef{URL: mediaURL, MIMEType: mediaType}
	}
	m.Status = status.Status(st)
	return m, nil
}

func mediaColumns(media *MediaRef) (string, string) {
	if media == nil {
		return "", ""
	}
	return media.URL, media.MIMEType
}

// MergeMessage folds m into the stored copy of the same message (inserting it
// if unknown) and returns the merged result. Receipts are only ever added and
// status only moves forward, so replaying an observation is harmless.
func (db *DB) MergeMessage(m Message) (Message, error) {
	var merged Message
	err := db.inTx(func(tx *sql.Tx) error {
		existing, err := getMessage(tx, m.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			merged = m.Clone()
			merged.DeliveredTo = Union(merged.DeliveredTo, nil)
			merged.ReadBy = Union(merged.ReadBy, nil)
		case err != nil:
			return err
		default:
			merged = existing
			merged.Merge(m)
		}
		if merged.Status == "" {
			merged.Status = status.Initial()
		}
		if err := writeMessage(tx, merged); err != nil {
			return err
		}
		return touchConversation(tx, merged)
	})
	if err != nil {
		return Message{}, fmt.Errorf("merge message %s: %w", m.ID, err)
	}
	return merged, nil
}

func writeMessage(tx *sql.Tx, m Message) error {
	now := time.Now().UnixMilli()
	mediaURL, mediaType := mediaColumns(m.Media)
	if _, err := tx.Exec(`
		INSERT INTO messages (msg_id, conversation_id, sender_id, body, media_url, media_type, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sender_id = excluded.sender_id,
			body = excluded.body,
			media_url = excluded.media_url,
			media_type = excluded.media_type,
			status = excluded.status,
			timestamp = excluded.timestamp`,
		m.ID, m.ConversationID, m.SenderID, m.Body, mediaURL, mediaType, string(m.Status), m.Timestamp, now); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	for _, r := range []struct {
		kind  string
		users []string
	}{{"delivered", m.DeliveredTo}, {"read", m.ReadBy}} {
		for _, user := range r.users {
			if _, err := tx.Exec(`
				INSERT OR IGNORE INTO receipts (msg_id, user_id, kind, created_at)
				VALUES (?, ?, ?, ?)`, m.ID, user, r.kind, now); err != nil {
				return fmt.Errorf("insert %s receipt: %w", r.kind, err)
			}
		}
	}
	return nil
}

// GetMessage returns a single message with its receipts.
func (db *DB) GetMessage(id string) (Message, error) {
	return getMessage(db, id)
}

func getMessage(q queryer, id string) (Message, error) {
	m, err := scanMessage(q.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE msg_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	msgs := []Message{m}
	if err := attachReceipts(q, msgs); err != nil {
		return Message{}, err
	}
	return msgs[0], nil
}

// ListMessages returns messages for a conversation using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, msg_id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := attachReceipts(db, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// attachReceipts loads delivered/read sets for msgs in place.
func attachReceipts(q queryer, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]int, len(msgs))
	args := make([]any, 0, len(msgs))
	for i, m := range msgs {
		byID[m.ID] = i
		args = append(args, m.ID)
	}

	rows, err := q.Query(`
		SELECT msg_id, user_id, kind FROM receipts
		WHERE msg_id IN (`+placeholders(len(args))+`)
		ORDER BY user_id`, args...)
	if err != nil {
		return fmt.Errorf("load receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var msgID, userID, kind string
		if err := rows.Scan(&msgID, &userID, &kind); err != nil {
			return err
		}
		i, ok := byID[msgID]
		if !ok {
			continue
		}
		switch kind {
		case "delivered":
			msgs[i].DeliveredTo = append(msgs[i].DeliveredTo, userID)
		case "read":
			msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
		}
	}
	return rows.Err()
}

// FailMessage marks an in-flight message as failed. Messages that already
// progressed past sent are left untouched.
func (db *DB) FailMessage(id string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE msg_id = ? AND status IN (?, ?)`,
		string(status.Failed), id, string(status.Sending), string(status.Sent))
	return err
}

// ResendMessage moves a failed message back to sending for a user retry.
func (db *DB) ResendMessage(id string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE msg_id = ? AND status = ?`,
		string(status.Sending), id, string(status.Failed))
	return err
}

// UndeliveredMessages returns messages in a conversation from other senders
// that userID has not acknowledged as delivered, oldest first.
func (db *DB) UndeliveredMessages(conversationID, userID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id != ?
		  AND NOT EXISTS (
			SELECT 1 FROM receipts r
			WHERE r.msg_id = m.msg_id AND r.user_id = ? AND r.kind = 'delivered')
		ORDER BY m.timestamp ASC`, conversationID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := attachReceipts(db, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SortMessages orders msgs by timestamp, ties broken by id.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if a.Timestamp != b.Timestamp {
			if a.Timestamp < b.Timestamp {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
