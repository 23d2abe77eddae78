package store

import "github.com/matheus3301/wutzup/internal/status"

// MediaRef points at an attachment stored by the backend.
type MediaRef struct {
	URL      string
	MIMEType string
}

// Message is a single chat message as known locally. ID is generated by the
// sending client and doubles as the idempotency key.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	Media          *MediaRef
	Timestamp      int64 // unix ms
	Status         status.Status
	DeliveredTo    []string
	ReadBy         []string
}

// Conversation represents a synced conversation.
type Conversation struct {
	ID                 string
	Name               string
	IsGroup            bool
	ParticipantIDs     []string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// QueueStatus is the retry state of a queued outbound message.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueRetrying QueueStatus = "retrying"
	QueueFailed   QueueStatus = "failed"
)

// QueuedEntry is an outbound message waiting for confirmed delivery.
type QueuedEntry struct {
	Message       Message
	RetryCount    int
	LastAttemptAt int64
	Status        QueueStatus
	LastError     string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
