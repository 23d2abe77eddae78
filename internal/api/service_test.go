package api

import (
	"context"
	"net"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wutzup/internal/bus"
	"github.com/matheus3301/wutzup/internal/connectivity"
	"github.com/matheus3301/wutzup/internal/conversation"
	"github.com/matheus3301/wutzup/internal/lifecycle"
	"github.com/matheus3301/wutzup/internal/mirror"
	"github.com/matheus3301/wutzup/internal/outbox"
	"github.com/matheus3301/wutzup/internal/status"
	"github.com/matheus3301/wutzup/internal/store"
	"github.com/matheus3301/wutzup/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type stubTransport struct {
	mu   sync.Mutex
	read [][]string
}

func (s *stubTransport) Send(_ context.Context, conversationID, body string, media *store.MediaRef, id string) (store.Message, error) {
	return store.Message{ID: id, ConversationID: conversationID, Body: body, Media: media, Status: status.Sent}, nil
}

func (s *stubTransport) Fetch(context.Context, string, int) ([]store.Message, error) {
	return nil, nil
}

func (s *stubTransport) Observe(ctx context.Context, _ string) (<-chan store.Message, error) {
	ch := make(chan store.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *stubTransport) MarkDelivered(context.Context, string, []string, string) error {
	return nil
}

func (s *stubTransport) MarkRead(_ context.Context, _ string, ids []string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = append(s.read, ids)
	return nil
}

func (s *stubTransport) ObservePresence(context.Context, string) (<-chan transport.Presence, error) {
	return nil, nil
}

func (s *stubTransport) ObserveTyping(context.Context, string) (<-chan transport.TypingEvent, error) {
	return nil, nil
}

func (s *stubTransport) SetTyping(context.Context, string, string, bool) error {
	return nil
}

type offlineNetwork struct{}

func (offlineNetwork) Snapshot() connectivity.Snapshot {
	return connectivity.Snapshot{Link: connectivity.LinkNone}
}

func (offlineNetwork) IsReliableForSync() bool { return false }

type fixture struct {
	client *Client
	db     *store.DB
	queue  *outbox.Queue
	bus    *bus.Bus
	stub   *stubTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	logger := zap.NewNop()
	stub := &stubTransport{}
	q := outbox.NewQueue(db, offlineNetwork{}, b, logger, outbox.DefaultPolicy())
	mgr := conversation.NewManager(conversation.Deps{
		Messages: stub, Presence: stub, Queue: q, Cache: db, Bus: b, Logger: logger,
	}, conversation.Options{UserID: "me"})
	t.Cleanup(mgr.Shutdown)
	coord := lifecycle.New(lifecycle.Config{GraceWindow: time.Hour}, lifecycle.Hooks{
		Pause:  mgr.PauseAll,
		Resume: mgr.ResumeAll,
	}, b, logger)
	t.Cleanup(coord.Stop)
	mir := mirror.New(db, b, logger)
	mir.Start(context.Background())
	t.Cleanup(mir.Stop)

	svc := NewService(Options{
		Profile:       "test",
		UserID:        "me",
		DB:            db,
		Queue:         q,
		Conversations: mgr,
		Lifecycle:     coord,
		Network:       offlineNetwork{},
		Mirror:        mir,
		Bus:           b,
		Logger:        logger,
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &fixture{client: NewClient(conn), db: db, queue: q, bus: b, stub: stub}
}

// call invokes method and fails the test on error.
func (f *fixture) call(t *testing.T, method string, req map[string]any) map[string]any {
	t.Helper()
	resp, err := f.client.Call(context.Background(), method, req)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return resp
}

func expectCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := grpcstatus.Code(err); got != want {
		t.Fatalf("code = %s, want %s (%v)", got, want, err)
	}
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	resp := f.call(t, MethodGetStatus, nil)
	if resp["profile"] != "test" {
		t.Errorf("profile = %v, want test", resp["profile"])
	}
	if resp["app_state"] != "foreground" {
		t.Errorf("app_state = %v, want foreground", resp["app_state"])
	}
	if resp["subscriptions_active"] != true {
		t.Errorf("subscriptions_active = %v, want true", resp["subscriptions_active"])
	}
	network := resp["network"].(map[string]any)
	if network["reliable"] != false {
		t.Errorf("network.reliable = %v, want false", network["reliable"])
	}
}

func TestSendTextQueuesWhileOffline(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, MethodSendText, map[string]any{"conversation_id": "c1", "body": "hi"})
	msg := resp["message"].(map[string]any)
	if msg["status"] != "sending" {
		t.Errorf("status = %v, want sending", msg["status"])
	}

	queue := f.call(t, MethodListQueue, nil)
	entries := queue["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("got %d queue entries, want 1", len(entries))
	}
	entry := entries[0].(map[string]any)
	if entry["status"] != "pending" {
		t.Errorf("entry status = %v, want pending", entry["status"])
	}
	if id := entry["message"].(map[string]any)["id"]; id != msg["id"] {
		t.Errorf("queued id = %v, want %v", id, msg["id"])
	}

	st := f.call(t, MethodGetStatus, nil)
	if !reflect.DeepEqual(st["open_conversations"], []any{"c1"}) {
		t.Errorf("open_conversations = %v, want [c1]", st["open_conversations"])
	}
}

func TestSendTextValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.Call(ctx, MethodSendText, map[string]any{"body": "hi"})
	expectCode(t, err, codes.InvalidArgument)

	_, err = f.client.Call(ctx, MethodSendText, map[string]any{"conversation_id": "c1", "body": "  "})
	expectCode(t, err, codes.InvalidArgument)
}

func TestRetryAndClearFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.Call(ctx, MethodRetryMessage, map[string]any{"message_id": "ghost"})
	expectCode(t, err, codes.NotFound)

	resp := f.call(t, MethodSendText, map[string]any{"conversation_id": "c1", "body": "hi"})
	id := resp["message"].(map[string]any)["id"].(string)

	_, err = f.client.Call(ctx, MethodRetryMessage, map[string]any{"message_id": id})
	expectCode(t, err, codes.FailedPrecondition)

	if !f.queue.MarkFailed(id, "boom") {
		t.Fatal("MarkFailed returned false")
	}
	f.call(t, MethodRetryMessage, map[string]any{"message_id": id})
	if e, _ := f.queue.Get(id); e.Status != store.QueuePending {
		t.Errorf("status after retry = %s, want pending", e.Status)
	}

	if !f.queue.MarkFailed(id, "boom") {
		t.Fatal("MarkFailed returned false")
	}
	cleared := f.call(t, MethodClearFailed, nil)
	if cleared["removed"] != float64(1) {
		t.Errorf("removed = %v, want 1", cleared["removed"])
	}
	if n := f.queue.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestSetAppState(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Call(context.Background(), MethodSetAppState, map[string]any{"state": "asleep"})
	expectCode(t, err, codes.InvalidArgument)

	f.call(t, MethodSetAppState, map[string]any{"state": "background"})
	resp := f.call(t, MethodSetAppState, map[string]any{"state": "foreground"})
	if resp["catch_up"] != false {
		t.Errorf("catch_up = %v, want false inside the grace window", resp["catch_up"])
	}
}

func TestConversationFlow(t *testing.T) {
	f := newFixture(t)

	if _, err := f.db.MergeMessage(store.Message{ID: "a", ConversationID: "c1", SenderID: "ana", Body: "hello there", Timestamp: 1, Status: status.Sent}); err != nil {
		t.Fatal(err)
	}

	_, err := f.client.Call(context.Background(), MethodSetVisible, map[string]any{"conversation_id": "c1"})
	expectCode(t, err, codes.FailedPrecondition)

	open := f.call(t, MethodOpenConversation, map[string]any{"conversation_id": "c1"})
	if n := len(open["messages"].([]any)); n != 1 {
		t.Errorf("open returned %d messages, want 1", n)
	}
	if open["state"] != "observing" {
		t.Errorf("state = %v, want observing", open["state"])
	}

	f.call(t, MethodSetVisible, map[string]any{
		"conversation_id": "c1",
		"message_ids":     []any{"a"},
		"flush":           true,
	})
	f.stub.mu.Lock()
	read := f.stub.read
	f.stub.mu.Unlock()
	if !reflect.DeepEqual(read, [][]string{{"a"}}) {
		t.Errorf("read receipts = %v, want [[a]]", read)
	}

	draft := f.call(t, MethodSetComposer, map[string]any{"conversation_id": "c1", "text": "typing..."})
	if draft["draft"] != "typing..." {
		t.Errorf("draft = %v, want typing...", draft["draft"])
	}

	listed := f.call(t, MethodListMessages, map[string]any{"conversation_id": "c1"})
	if n := len(listed["messages"].([]any)); n != 1 {
		t.Errorf("listed %d messages, want 1", n)
	}

	found := f.call(t, MethodSearchMessages, map[string]any{"query": "hello"})
	if n := len(found["results"].([]any)); n != 1 {
		t.Errorf("found %d results, want 1", n)
	}

	closed := f.call(t, MethodCloseConversation, map[string]any{"conversation_id": "c1"})
	if closed["closed"] != true {
		t.Errorf("closed = %v, want true", closed["closed"])
	}
}

func TestListConversations(t *testing.T) {
	f := newFixture(t)

	f.call(t, MethodOpenConversation, map[string]any{
		"conversation_id": "dm",
		"name":            "Ana",
		"participant_ids": []any{"me", "ana"},
	})
	for i, id := range []string{"x", "y"} {
		m := store.Message{ID: id, ConversationID: "dm", SenderID: "ana", Body: "msg " + id, Timestamp: int64(10 + i), Status: status.Sent}
		if _, err := f.db.MergeMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.db.MergeMessage(store.Message{ID: "g", ConversationID: "older", SenderID: "bob", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	resp := f.call(t, MethodListConversations, nil)
	convs := resp["conversations"].([]any)
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	dm := convs[0].(map[string]any)
	if dm["id"] != "dm" || dm["name"] != "Ana" {
		t.Errorf("first conversation = %v, want dm named Ana", dm)
	}
	if dm["is_group"] != false {
		t.Errorf("is_group = %v, want false", dm["is_group"])
	}
	if dm["unread_count"] != float64(2) {
		t.Errorf("unread_count = %v, want 2", dm["unread_count"])
	}
	if dm["last_message_preview"] != "msg y" {
		t.Errorf("preview = %v, want msg y", dm["last_message_preview"])
	}
	if !reflect.DeepEqual(dm["participant_ids"], []any{"me", "ana"}) {
		t.Errorf("participant_ids = %v, want [me ana]", dm["participant_ids"])
	}

	paged := f.call(t, MethodListConversations, map[string]any{"limit": 1, "offset": 1})
	page := paged["conversations"].([]any)
	if len(page) != 1 || page[0].(map[string]any)["id"] != "older" {
		t.Errorf("second page = %v, want [older]", page)
	}
	if paged["has_more"] != true {
		t.Errorf("has_more = %v, want true for a full page", paged["has_more"])
	}
}

func TestWatchEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	next, err := f.client.Watch(ctx, "queue.")
	if err != nil {
		t.Fatal(err)
	}

	// The subscription is registered once the server handler runs.
	go func() {
		for ctx.Err() == nil {
			f.bus.Emit("queue.test", map[string]int{"n": 1})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	evt, err := next()
	if err != nil {
		t.Fatal(err)
	}
	if evt["kind"] != "queue.test" {
		t.Errorf("kind = %v, want queue.test", evt["kind"])
	}
	if !reflect.DeepEqual(evt["payload"], map[string]any{"n": float64(1)}) {
		t.Errorf("payload = %v, want {n: 1}", evt["payload"])
	}
}
