package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/wutzup/internal/store"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 1 << 20
	sendBuffer   = 128
	subBuffer    = 64
)

// Client is a single websocket connection to the backend. It correlates
// requests with responses by req_id and fans pushed frames out to
// subscriptions. A Client is not reused after it closes; see Session.
type Client struct {
	conn   *websocket.Conn
	userID string
	logger *zap.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending map[string]chan frame
	subs    map[string]map[string]*subscription // topic:key -> id -> sub
}

type subscription struct {
	id    string
	route string
	raw   chan json.RawMessage
	done  chan struct{}
}

// Dial opens a websocket connection to url authenticated with token.
func Dial(ctx context.Context, url, token, userID string, logger *zap.Logger) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &APIError{Code: "unauthorized", Message: resp.Status}
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newClient(conn, userID, logger), nil
}

func newClient(conn *websocket.Conn, userID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		conn:    conn,
		userID:  userID,
		logger:  logger,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan frame),
		subs:    make(map[string]map[string]*subscription),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Close terminates the connection. All subscriptions are closed and pending
// requests fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

// Closed reports whether the connection is gone.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the connection terminates.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Warn("websocket write failed", zap.Error(err))
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// dispatch routes an inbound frame. Only the routing fields are peeked here;
// the payload is decoded by whoever receives it.
func (c *Client) dispatch(data []byte) {
	typ := gjson.GetBytes(data, "type").String()
	switch typ {
	case frameAck, frameError:
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("malformed response frame", zap.Error(err))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ReqID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- f:
			default:
			}
		}
	case frameMessage, frameTyping:
		c.publish(route(topicFor(typ), gjson.GetBytes(data, "conversation_id").String()), data)
	case framePresence:
		c.publish(route(topicPresence, gjson.GetBytes(data, "user_id").String()), data)
	default:
		c.logger.Debug("ignoring frame", zap.String("type", typ))
	}
}

func topicFor(frameType string) string {
	if frameType == frameTyping {
		return topicTyping
	}
	return topicMessages
}

func route(topic, key string) string {
	return topic + ":" + key
}

func (c *Client) publish(r string, data []byte) {
	payload := gjson.GetBytes(data, "data")
	if !payload.Exists() {
		return
	}
	raw := json.RawMessage(payload.Raw)

	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs[r]))
	for _, s := range c.subs[r] {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		select {
		case s.raw <- raw:
		case <-s.done:
		case <-c.done:
			return
		}
	}
}

// request sends a frame and waits for its ack. A nil out discards the payload.
func (c *Client) request(ctx context.Context, typ string, payload, out any) error {
	if c.Closed() {
		return ErrClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	reqID := uuid.NewString()
	raw, err := json.Marshal(frame{Type: typ, ReqID: reqID, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", typ, err)
	}

	resp := make(chan frame, 1)
	c.mu.Lock()
	c.pending[reqID] = resp
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	select {
	case c.send <- raw:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case f := <-resp:
		if f.Error != nil {
			return f.Error
		}
		if f.Type == frameError {
			return &APIError{Code: "unknown", Temporary: true}
		}
		if out != nil && len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, out); err != nil {
				return fmt.Errorf("decode %s response: %w", typ, err)
			}
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send implements MessageTransport.
func (c *Client) Send(ctx context.Context, conversationID, body string, media *store.MediaRef, idempotencyID string) (store.Message, error) {
	if conversationID == "" || idempotencyID == "" {
		return store.Message{}, &APIError{Code: "invalid_argument", Message: "conversation and message id are required"}
	}
	req := toWire(store.Message{
		ID:             idempotencyID,
		ConversationID: conversationID,
		SenderID:       c.userID,
		Body:           body,
		Media:          media,
	})
	var echo wireMessage
	if err := c.request(ctx, frameSend, req, &echo); err != nil {
		return store.Message{}, err
	}
	if echo.ID == "" {
		echo.ID = idempotencyID
	}
	return echo.toStore(), nil
}

// Fetch implements MessageTransport.
func (c *Client) Fetch(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	var resp fetchResponse
	if err := c.request(ctx, frameFetch, fetchRequest{ConversationID: conversationID, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		msgs = append(msgs, w.toStore())
	}
	return msgs, nil
}

// MarkDelivered implements MessageTransport.
func (c *Client) MarkDelivered(ctx context.Context, conversationID string, messageIDs []string, userID string) error {
	return c.request(ctx, frameMarkDelivered, receiptRequest{ConversationID: conversationID, MessageIDs: messageIDs, UserID: userID}, nil)
}

// MarkRead implements MessageTransport.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string, userID string) error {
	return c.request(ctx, frameMarkRead, receiptRequest{ConversationID: conversationID, MessageIDs: messageIDs, UserID: userID}, nil)
}

// SetTyping implements PresenceTransport.
func (c *Client) SetTyping(ctx context.Context, userID, conversationID string, isTyping bool) error {
	return c.request(ctx, frameSetTyping, typingRequest{UserID: userID, ConversationID: conversationID, IsTyping: isTyping}, nil)
}

// Observe implements MessageTransport.
func (c *Client) Observe(ctx context.Context, conversationID string) (<-chan store.Message, error) {
	return subscribe(ctx, c, topicMessages, conversationID, func(raw json.RawMessage) (store.Message, error) {
		var w wireMessage
		if err := json.Unmarshal(raw, &w); err != nil {
			return store.Message{}, err
		}
		if w.ConversationID == "" {
			w.ConversationID = conversationID
		}
		return w.toStore(), nil
	})
}

// ObserveTyping implements PresenceTransport.
func (c *Client) ObserveTyping(ctx context.Context, conversationID string) (<-chan TypingEvent, error) {
	return subscribe(ctx, c, topicTyping, conversationID, func(raw json.RawMessage) (TypingEvent, error) {
		var w wireTyping
		if err := json.Unmarshal(raw, &w); err != nil {
			return TypingEvent{}, err
		}
		return TypingEvent{
			ConversationID: conversationID,
			UserID:         w.UserID,
			IsTyping:       w.IsTyping,
			ExpiresAt:      fromMillis(w.ExpiresAt),
		}, nil
	})
}

// ObservePresence implements PresenceTransport.
func (c *Client) ObservePresence(ctx context.Context, userID string) (<-chan Presence, error) {
	return subscribe(ctx, c, topicPresence, userID, func(raw json.RawMessage) (Presence, error) {
		var w wirePresence
		if err := json.Unmarshal(raw, &w); err != nil {
			return Presence{}, err
		}
		return Presence{
			UserID:   userID,
			Online:   w.Status == "online",
			LastSeen: fromMillis(w.LastSeen),
		}, nil
	})
}

// subscribe registers a subscription, asks the backend to start pushing and
// returns a channel of decoded values. The channel closes when ctx is done or
// the connection drops.
func subscribe[T any](ctx context.Context, c *Client, topic, key string, decode func(json.RawMessage) (T, error)) (<-chan T, error) {
	sub := &subscription{
		id:    uuid.NewString(),
		route: route(topic, key),
		raw:   make(chan json.RawMessage, subBuffer),
		done:  make(chan struct{}),
	}
	c.mu.Lock()
	if c.subs[sub.route] == nil {
		c.subs[sub.route] = make(map[string]*subscription)
	}
	c.subs[sub.route][sub.id] = sub
	c.mu.Unlock()

	if err := c.request(ctx, frameSubscribe, subscribeRequest{Topic: topic, Key: key}, nil); err != nil {
		c.unregister(sub)
		return nil, fmt.Errorf("subscribe %s: %w", sub.route, err)
	}

	out := make(chan T, subBuffer)
	go func() {
		defer close(out)
		defer func() {
			if c.unregister(sub) && !c.Closed() {
				ctx, cancel := context.WithTimeout(context.Background(), writeWait)
				defer cancel()
				if err := c.request(ctx, frameUnsubscribe, subscribeRequest{Topic: topic, Key: key}, nil); err != nil && !errors.Is(err, ErrClosed) {
					c.logger.Debug("unsubscribe failed", zap.String("route", sub.route), zap.Error(err))
				}
			}
		}()

		for {
			select {
			case raw := <-sub.raw:
				v, err := decode(raw)
				if err != nil {
					c.logger.Warn("dropping undecodable frame", zap.String("route", sub.route), zap.Error(err))
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				case <-c.done:
					return
				}
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}

// unregister removes sub and reports whether it was the last one on its route.
func (c *Client) unregister(sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub.route][sub.id]; !ok {
		return false
	}
	close(sub.done)
	delete(c.subs[sub.route], sub.id)
	if len(c.subs[sub.route]) == 0 {
		delete(c.subs, sub.route)
		return true
	}
	return false
}
