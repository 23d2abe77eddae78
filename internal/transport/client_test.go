package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/wutzup/internal/status"
	"go.uber.org/zap"
)

// fakeBackend is a minimal websocket peer speaking the frame protocol.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	received []frame
	writeMu  sync.Mutex
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{t: t}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		b.serve(conn)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBackend) serve(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		b.mu.Lock()
		b.received = append(b.received, f)
		b.mu.Unlock()
		b.respond(conn, f)
	}
}

func (b *fakeBackend) respond(conn *websocket.Conn, f frame) {
	reply := frame{Type: frameAck, ReqID: f.ReqID}
	switch f.Type {
	case frameSend:
		var w wireMessage
		_ = json.Unmarshal(f.Data, &w)
		switch w.ConversationID {
		case "forbidden":
			reply = frame{Type: frameError, ReqID: f.ReqID, Error: &APIError{Code: "permission_denied", Message: "not a member"}}
		case "busy":
			reply = frame{Type: frameError, ReqID: f.ReqID, Error: &APIError{Code: "unavailable", Temporary: true}}
		default:
			w.Status = string(status.Sent)
			w.Timestamp = 1700000000000
			reply.Data, _ = json.Marshal(w)
		}
	case frameFetch:
		reply.Data, _ = json.Marshal(fetchResponse{Messages: []wireMessage{
			{ID: "m1", ConversationID: "c1", SenderID: "bob", Body: "one", Timestamp: 1, Status: "delivered", DeliveredTo: []string{"me"}},
			{ID: "m2", ConversationID: "c1", SenderID: "bob", Body: "two", Timestamp: 2, Status: "sent"},
		}})
	}
	b.write(conn, reply)
}

func (b *fakeBackend) write(conn *websocket.Conn, f frame) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.WriteJSON(f)
}

func (b *fakeBackend) push(f frame) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		b.t.Fatal("push before the client connected")
	}
	b.write(conn, f)
}

func (b *fakeBackend) drop() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (b *fakeBackend) framesOfType(typ string) []frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []frame
	for _, f := range b.received {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// waitFor polls cond until it holds or two seconds have passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dialFake(t *testing.T, b *fakeBackend) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, b.url(), "token", "me", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendEchoesMessage(t *testing.T) {
	b := newFakeBackend(t)
	c := dialFake(t, b)

	echo, err := c.Send(context.Background(), "c1", "hello", nil, "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if echo.ID != "msg-1" || echo.Status != status.Sent || echo.SenderID != "me" {
		t.Errorf("echo = %+v, want msg-1 sent by me", echo)
	}
	if echo.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d, want the server's", echo.Timestamp)
	}

	sends := b.framesOfType(frameSend)
	if len(sends) != 1 {
		t.Fatalf("backend got %d send frames, want 1", len(sends))
	}
	var w wireMessage
	if err := json.Unmarshal(sends[0].Data, &w); err != nil {
		t.Fatal(err)
	}
	if w.ID != "msg-1" {
		t.Errorf("wire id = %q, message id must travel as the idempotency key", w.ID)
	}
}

func TestSendErrorsClassified(t *testing.T) {
	b := newFakeBackend(t)
	c := dialFake(t, b)

	_, err := c.Send(context.Background(), "forbidden", "hello", nil, "msg-1")
	if err == nil || !IsPermanent(err) {
		t.Errorf("forbidden: err = %v, want a permanent error", err)
	}

	_, err = c.Send(context.Background(), "busy", "hello", nil, "msg-2")
	if err == nil || IsPermanent(err) {
		t.Errorf("busy: err = %v, want a temporary error", err)
	}

	_, err = c.Send(context.Background(), "", "hello", nil, "msg-3")
	if !IsPermanent(err) {
		t.Errorf("missing conversation: err = %v, want a local permanent error", err)
	}
}

func TestFetch(t *testing.T) {
	b := newFakeBackend(t)
	c := dialFake(t, b)

	msgs, err := c.Fetch(context.Background(), "c1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("fetched %d messages, want 2", len(msgs))
	}
	if msgs[0].Status != status.Delivered || !slices.Equal(msgs[0].DeliveredTo, []string{"me"}) {
		t.Errorf("first message = %+v, want delivered to me", msgs[0])
	}
}

func TestObserveReceivesPushedMessages(t *testing.T) {
	b := newFakeBackend(t)
	c := dialFake(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := c.Observe(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(b.framesOfType(frameSubscribe)); n != 1 {
		t.Fatalf("backend got %d subscribe frames, want 1", n)
	}

	data, _ := json.Marshal(wireMessage{ID: "m9", Body: "pushed", Status: "read", ReadBy: []string{"bob"}})
	b.push(frame{Type: frameMessage, ConversationID: "c2", Data: data}) // other conversation
	b.push(frame{Type: frameMessage, ConversationID: "c1", Data: data})

	select {
	case m := <-ch:
		if m.ID != "m9" || m.ConversationID != "c1" {
			t.Errorf("got %s in %s, want m9 in c1", m.ID, m.ConversationID)
		}
		if m.Status != status.Read || !slices.Equal(m.ReadBy, []string{"bob"}) {
			t.Errorf("got status %s read_by %v, want read by bob", m.Status, m.ReadBy)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pushed message")
	}
}

func TestObserveTypingAndPresence(t *testing.T) {
	b := newFakeBackend(t)
	c := dialFake(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	typing, err := c.ObserveTyping(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	presence, err := c.ObservePresence(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}

	td, _ := json.Marshal(wireTyping{UserID: "bob", IsTyping: true, ExpiresAt: 1700000005000})
	b.push(frame{Type: frameTyping, ConversationID: "c1", Data: td})
	pd, _ := json.Marshal(wirePresence{Status: "online"})
	b.push(frame{Type: framePresence, UserID: "bob", Data: pd})

	select {
	case ev := <-typing:
		if ev.UserID != "bob" || !ev.IsTyping {
			t.Errorf("typing event = %+v, want bob typing", ev)
		}
		if !ev.ExpiresAt.Equal(time.UnixMilli(1700000005000)) {
			t.Errorf("expires_at = %s", ev.ExpiresAt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for typing event")
	}
	select {
	case p := <-presence:
		if !p.Online || p.UserID != "bob" {
			t.Errorf("presence = %+v, want bob online", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for presence")
	}
}

func TestObserveCancelUnsubscribes(t *testing.T) {
	b := newFakeBackend(t)
	c := dialFake(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Observe(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("channel should close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	waitFor(t, "unsubscribe frame", func() bool {
		return len(b.framesOfType(frameUnsubscribe)) == 1
	})
}

func TestObserveClosesOnDisconnect(t *testing.T) {
	b := newFakeBackend(t)
	c := dialFake(t, b)

	ch, err := c.Observe(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	b.drop()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("got a message instead of a closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription survived a dropped connection")
	}
	_, err = c.Send(context.Background(), "c1", "x", nil, "m1")
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if IsPermanent(err) {
		t.Error("a closed connection is not a permanent failure")
	}
}

func TestDialUnauthorizedIsPermanent(t *testing.T) {
	b := newFakeBackend(t)
	_, err := Dial(context.Background(), b.url(), "bad", "me", zap.NewNop())
	if err == nil || !IsPermanent(err) {
		t.Errorf("err = %v, want a permanent error", err)
	}
}

func TestSessionRedialsAfterDrop(t *testing.T) {
	b := newFakeBackend(t)
	s := NewSession(SessionConfig{URL: b.url(), Token: "token", UserID: "me", RedialBackoff: time.Millisecond}, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })

	if _, err := s.Send(context.Background(), "c1", "one", nil, "m1"); err != nil {
		t.Fatal(err)
	}
	if !s.Connected() {
		t.Fatal("session not connected after a send")
	}

	b.drop()
	waitFor(t, "disconnect", func() bool { return !s.Connected() })

	if _, err := s.Send(context.Background(), "c1", "two", nil, "m2"); err != nil {
		t.Fatal(err)
	}
	if n := len(b.framesOfType(frameSend)); n != 2 {
		t.Errorf("backend got %d send frames, want 2", n)
	}
}

func TestSessionBacksOffAfterFailedDial(t *testing.T) {
	dials := 0
	s := NewSession(SessionConfig{URL: "ws://unused", RedialBackoff: time.Hour}, zap.NewNop())
	s.dial = func(context.Context) (*Client, error) {
		dials++
		return nil, errors.New("network unreachable")
	}

	for i := 0; i < 3; i++ {
		_, err := s.Fetch(context.Background(), "c1", 10)
		if err == nil || IsPermanent(err) {
			t.Fatalf("fetch %d: err = %v, want a temporary error", i, err)
		}
	}
	if dials != 1 {
		t.Errorf("dialed %d times, dial should not be retried inside the backoff window", dials)
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&APIError{Code: "invalid_argument"}, true},
		{&APIError{Code: "unavailable", Temporary: true}, false},
		{fmt.Errorf("wrapped: %w", &APIError{Code: "not_found"}), true},
		{ErrClosed, false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := IsPermanent(tt.err); got != tt.want {
			t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
