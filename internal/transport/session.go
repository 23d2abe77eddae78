package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/wutzup/internal/store"
	"go.uber.org/zap"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	URL    string
	Token  string
	UserID string
	// RedialBackoff is the minimum time between failed dial attempts.
	RedialBackoff time.Duration
}

// Session owns the current backend connection, dialing lazily and re-dialing
// after the previous connection dropped. It implements MessageTransport and
// PresenceTransport.
type Session struct {
	cfg    SessionConfig
	logger *zap.Logger
	dial   func(ctx context.Context) (*Client, error)

	mu          sync.Mutex
	client      *Client
	lastDialErr error
	lastDialAt  time.Time
}

// NewSession creates a session. No connection is made until first use.
func NewSession(cfg SessionConfig, logger *zap.Logger) *Session {
	if cfg.RedialBackoff <= 0 {
		cfg.RedialBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{cfg: cfg, logger: logger}
	s.dial = func(ctx context.Context) (*Client, error) {
		return Dial(ctx, cfg.URL, cfg.Token, cfg.UserID, logger)
	}
	return s
}

// Connected reports whether a live connection exists.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && !s.client.Closed()
}

// Close drops the current connection, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}

func (s *Session) current(ctx context.Context) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && !s.client.Closed() {
		return s.client, nil
	}
	if s.lastDialErr != nil && time.Since(s.lastDialAt) < s.cfg.RedialBackoff {
		return nil, s.lastDialErr
	}

	s.lastDialAt = time.Now()
	c, err := s.dial(ctx)
	if err != nil {
		s.lastDialErr = err
		return nil, fmt.Errorf("connect: %w", err)
	}
	s.lastDialErr = nil
	s.client = c
	s.logger.Info("connected to backend", zap.String("url", s.cfg.URL))
	return c, nil
}

// Send implements MessageTransport.
func (s *Session) Send(ctx context.Context, conversationID, body string, media *store.MediaRef, idempotencyID string) (store.Message, error) {
	c, err := s.current(ctx)
	if err != nil {
		return store.Message{}, err
	}
	return c.Send(ctx, conversationID, body, media, idempotencyID)
}

// Fetch implements MessageTransport.
func (s *Session) Fetch(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	c, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return c.Fetch(ctx, conversationID, limit)
}

// Observe implements MessageTransport.
func (s *Session) Observe(ctx context.Context, conversationID string) (<-chan store.Message, error) {
	c, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return c.Observe(ctx, conversationID)
}

// MarkDelivered implements MessageTransport.
func (s *Session) MarkDelivered(ctx context.Context, conversationID string, messageIDs []string, userID string) error {
	c, err := s.current(ctx)
	if err != nil {
		return err
	}
	return c.MarkDelivered(ctx, conversationID, messageIDs, userID)
}

// MarkRead implements MessageTransport.
func (s *Session) MarkRead(ctx context.Context, conversationID string, messageIDs []string, userID string) error {
	c, err := s.current(ctx)
	if err != nil {
		return err
	}
	return c.MarkRead(ctx, conversationID, messageIDs, userID)
}

// ObservePresence implements PresenceTransport.
func (s *Session) ObservePresence(ctx context.Context, userID string) (<-chan Presence, error) {
	c, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return c.ObservePresence(ctx, userID)
}

// ObserveTyping implements PresenceTransport.
func (s *Session) ObserveTyping(ctx context.Context, conversationID string) (<-chan TypingEvent, error) {
	c, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return c.ObserveTyping(ctx, conversationID)
}

// SetTyping implements PresenceTransport.
func (s *Session) SetTyping(ctx context.Context, userID, conversationID string, isTyping bool) error {
	c, err := s.current(ctx)
	if err != nil {
		return err
	}
	return c.SetTyping(ctx, userID, conversationID, isTyping)
}
