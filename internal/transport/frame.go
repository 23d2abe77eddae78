package transport

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/wutzup/internal/status"
	"github.com/matheus3301/wutzup/internal/store"
)

// Frame types on the wire.
const (
	frameAck           = "ack"
	frameError         = "error"
	frameMessage       = "message"
	frameTyping        = "typing"
	framePresence      = "presence"
	frameSend          = "send"
	frameFetch         = "fetch"
	frameSubscribe     = "subscribe"
	frameUnsubscribe   = "unsubscribe"
	frameMarkDelivered = "mark_delivered"
	frameMarkRead      = "mark_read"
	frameSetTyping     = "set_typing"
)

// Subscription topics.
const (
	topicMessages = "messages"
	topicTyping   = "typing"
	topicPresence = "presence"
)

type frame struct {
	Type           string          `json:"type"`
	ReqID          string          `json:"req_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          *APIError       `json:"error,omitempty"`
}

type wireMedia struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type,omitempty"`
}

type wireMessage struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id,omitempty"`
	Body           string     `json:"body,omitempty"`
	Media          *wireMedia `json:"media,omitempty"`
	Timestamp      int64      `json:"timestamp,omitempty"`
	Status         string     `json:"status,omitempty"`
	DeliveredTo    []string   `json:"delivered_to,omitempty"`
	ReadBy         []string   `json:"read_by,omitempty"`
}

func toWire(m store.Message) wireMessage {
	w := wireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Timestamp:      m.Timestamp,
		Status:         string(m.Status),
		DeliveredTo:    m.DeliveredTo,
		ReadBy:         m.ReadBy,
	}
	if m.Media != nil {
		w.Media = &wireMedia{URL: m.Media.URL, MIMEType: m.Media.MIMEType}
	}
	return w
}

func (w wireMessage) toStore() store.Message {
	m := store.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Body,
		Timestamp:      w.Timestamp,
		DeliveredTo:    store.Union(w.DeliveredTo, nil),
		ReadBy:         store.Union(w.ReadBy, nil),
	}
	if st, err := status.Parse(w.Status); err == nil {
		m.Status = st
	}
	if w.Media != nil {
		m.Media = &store.MediaRef{URL: w.Media.URL, MIMEType: w.Media.MIMEType}
	}
	return m
}

type fetchRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
}

type fetchResponse struct {
	Messages []wireMessage `json:"messages"`
}

type subscribeRequest struct {
	Topic string `json:"topic"`
	Key   string `json:"key"`
}

type receiptRequest struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	UserID         string   `json:"user_id"`
}

type typingRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type wireTyping struct {
	UserID    string `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix ms
}

type wirePresence struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen,omitempty"` // unix ms
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
