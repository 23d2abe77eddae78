// Package transport defines the remote collaborators of the delivery core and
// a websocket implementation of them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wutzup/internal/store"
)

// MessageTransport is the remote message store.
type MessageTransport interface {
	// Send transmits a message. idempotencyID is the client message id; the
	// backend must treat repeated sends with the same id as one message.
	Send(ctx context.Context, conversationID, body string, media *store.MediaRef, idempotencyID string) (store.Message, error)
	Fetch(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	// Observe streams message snapshots for a conversation until ctx is done.
	// The channel is closed when the subscription ends for any reason.
	Observe(ctx context.Context, conversationID string) (<-chan store.Message, error)
	MarkDelivered(ctx context.Context, conversationID string, messageIDs []string, userID string) error
	MarkRead(ctx context.Context, conversationID string, messageIDs []string, userID string) error
}

// PresenceTransport carries presence and typing signals.
type PresenceTransport interface {
	ObservePresence(ctx context.Context, userID string) (<-chan Presence, error)
	ObserveTyping(ctx context.Context, conversationID string) (<-chan TypingEvent, error)
	SetTyping(ctx context.Context, userID, conversationID string, isTyping bool) error
}

// TypingEvent reports a participant starting or stopping typing.
type TypingEvent struct {
	ConversationID string
	UserID         string
	IsTyping       bool
	ExpiresAt      time.Time // zero when the backend sets no expiry
}

// Presence is a user's online state.
type Presence struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

// ErrClosed is returned when the underlying connection is gone. It is transient.
var ErrClosed = errors.New("transport: connection closed")

// APIError is an error reported by the backend.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Temporary bool   `json:"temporary"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: %s", e.Code)
	}
	return fmt.Sprintf("transport: %s: %s", e.Code, e.Message)
}

// IsPermanent reports whether retrying err can never succeed. Only errors the
// backend explicitly marks non-temporary are permanent; network and timeout
// failures are always worth retrying.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Temporary
	}
	return false
}
