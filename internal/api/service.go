package api

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/wutzup/internal/bus"
	"github.com/matheus3301/wutzup/internal/connectivity"
	"github.com/matheus3301/wutzup/internal/conversation"
	"github.com/matheus3301/wutzup/internal/lifecycle"
	"github.com/matheus3301/wutzup/internal/mirror"
	"github.com/matheus3301/wutzup/internal/outbox"
	"github.com/matheus3301/wutzup/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultLimit = 50

// Network is the connectivity view reported by GetStatus.
type Network interface {
	Snapshot() connectivity.Snapshot
	IsReliableForSync() bool
}

// Backend reports whether the remote connection is up.
type Backend interface {
	Connected() bool
}

// Options are the collaborators of the control service.
type Options struct {
	Profile       string
	UserID        string
	DB            *store.DB
	Queue         *outbox.Queue
	Sender        *outbox.Sender // optional
	Conversations *conversation.Manager
	Lifecycle     *lifecycle.Coordinator
	Network       Network
	Backend       Backend        // optional
	Mirror        *mirror.Mirror // optional
	Bus           *bus.Bus
	Logger        *zap.Logger
}

// Service implements ControlServer.
type Service struct {
	opts      Options
	startedAt time.Time
	logger    *zap.Logger
}

var _ ControlServer = (*Service)(nil)

// NewService creates the control service.
func NewService(o Options) *Service {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{opts: o, startedAt: time.Now(), logger: logger}
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"profile":            s.opts.Profile,
		"user_id":            s.opts.UserID,
		"uptime_ms":          time.Since(s.startedAt).Milliseconds(),
		"open_conversations": stringList(s.opts.Conversations.OpenIDs()),
		"queue": map[string]any{
			"pending":  s.opts.Queue.PendingCount(),
			"active":   s.opts.Queue.ActiveCount(),
			"degraded": s.opts.Queue.Degraded(),
		},
	}

	if d := s.opts.Bus.Dropped(); d > 0 {
		resp["events_dropped"] = d
	}

	st := s.opts.Lifecycle.Status()
	resp["app_state"] = string(st.State)
	resp["subscriptions_active"] = st.SubscriptionsActive

	if s.opts.Network != nil {
		snap := s.opts.Network.Snapshot()
		resp["network"] = map[string]any{
			"connected":   snap.Connected,
			"reliable":    s.opts.Network.IsReliableForSync(),
			"link":        string(snap.Link),
			"expensive":   snap.Expensive,
			"constrained": snap.Constrained,
		}
	}
	if s.opts.Backend != nil {
		resp["backend_connected"] = s.opts.Backend.Connected()
	}
	if s.opts.Mirror != nil {
		if at, err := s.opts.Mirror.UpdatedAt(); err == nil && !at.IsZero() {
			resp["mirror_updated_at"] = at.UnixMilli()
		}
	}
	return respond(resp)
}

// open returns the engine for a conversation, using the mirrored
// participant list to find the peers.
func (s *Service) open(conversationID string) *conversation.Engine {
	if e, ok := s.opts.Conversations.Get(conversationID); ok {
		return e
	}
	var peers []string
	names := map[string]string{}
	if c, err := s.opts.DB.GetConversation(conversationID, s.opts.UserID); err == nil {
		for _, p := range c.ParticipantIDs {
			if p != s.opts.UserID {
				peers = append(peers, p)
			}
		}
		if !c.IsGroup && len(peers) == 1 && c.Name != "" {
			names[peers[0]] = c.Name
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("load conversation failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return s.opts.Conversations.Open(conversationID, peers, names)
}

func requireConversation(in *structpb.Struct) (string, error) {
	id := str(in, "conversation_id")
	if id == "" {
		return "", grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	return id, nil
}

func (s *Service) SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireConversation(in)
	if err != nil {
		return nil, err
	}
	var media *store.MediaRef
	if url := str(in, "media_url"); url != "" {
		media = &store.MediaRef{URL: url, MIMEType: str(in, "media_type")}
	}

	m, err := s.open(id).Send(ctx, str(in, "body"), media)
	if errors.Is(err, conversation.ErrEmptyMessage) {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "send: %v", err)
	}
	return respond(map[string]any{"message": messageMap(m)})
}

func (s *Service) ListQueue(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(map[string]any{
		"entries":  list(s.opts.Queue.Entries(), func(e store.QueuedEntry) any { return entryMap(e) }),
		"degraded": s.opts.Queue.Degraded(),
	})
}

func (s *Service) RetryMessage(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "message_id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_id is required")
	}
	if _, ok := s.opts.Queue.Get(id); !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "message %s is not queued", id)
	}
	if !s.opts.Queue.Retry(id) {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "message %s has not failed", id)
	}
	if s.opts.Sender != nil {
		s.opts.Sender.Trigger()
	}
	return respond(map[string]any{"retried": true})
}

func (s *Service) ClearFailed(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(map[string]any{"removed": s.opts.Queue.ClearFailed()})
}

func (s *Service) SetAppState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	switch lifecycle.AppState(strings.ToLower(str(in, "state"))) {
	case lifecycle.Background:
		s.opts.Lifecycle.EnterBackground()
		return respond(map[string]any{"state": string(lifecycle.Background)})
	case lifecycle.Foreground:
		catchUp, elapsed := s.opts.Lifecycle.EnterForeground(ctx)
		return respond(map[string]any{
			"state":      string(lifecycle.Foreground),
			"catch_up":   catchUp,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "state must be foreground or background, got %q", str(in, "state"))
	}
}

func engineMap(e *conversation.Engine) map[string]any {
	return map[string]any{
		"conversation_id": e.ConversationID(),
		"state":           string(e.State()),
		"typing":          e.TypingIndicator(),
		"presence":        e.PresenceText(),
		"draft":           e.Draft(),
		"messages":        list(e.Messages(), func(m store.Message) any { return messageMap(m) }),
	}
}

func (s *Service) ListConversations(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	limit := limitOf(in)
	convs, err := s.opts.DB.ListConversations(s.opts.UserID, limit, int(num(in, "offset")))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list conversations: %v", err)
	}
	return respond(map[string]any{
		"conversations": list(convs, func(c store.Conversation) any { return conversationMap(c) }),
		"has_more":      len(convs) == limit,
	})
}

// OpenConversation starts following a conversation. Metadata supplied with
// the request (name, participant_ids, is_group) is saved first so the engine
// picks up the peers.
func (s *Service) OpenConversation(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireConversation(in)
	if err != nil {
		return nil, err
	}
	participants := strs(in, "participant_ids")
	if name := str(in, "name"); name != "" || len(participants) > 0 {
		isGroup := len(participants) > 2
		if existing, err := s.opts.DB.GetConversation(id, s.opts.UserID); err == nil && len(participants) == 0 {
			isGroup = existing.IsGroup
		}
		conv := &store.Conversation{
			ID:             id,
			Name:           name,
			IsGroup:        boolean(in, "is_group", isGroup),
			ParticipantIDs: participants,
		}
		if err := s.opts.DB.UpsertConversation(conv); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "save conversation: %v", err)
		}
	}
	return respond(engineMap(s.open(id)))
}

func (s *Service) CloseConversation(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireConversation(in)
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{"closed": s.opts.Conversations.Close(id)})
}

func (s *Service) SetVisible(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireConversation(in)
	if err != nil {
		return nil, err
	}
	e, ok := s.opts.Conversations.Get(id)
	if !ok {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "conversation %s is not open", id)
	}
	ids := strs(in, "message_ids")
	if len(ids) == 0 {
		for _, m := range e.Messages() {
			ids = append(ids, m.ID)
		}
	}
	e.SetVisible(ids, boolean(in, "visible", true))
	if boolean(in, "flush", false) {
		if err := e.FlushReceipts(ctx); err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "flush receipts: %v", err)
		}
	}
	return respond(map[string]any{"count": len(ids)})
}

func (s *Service) SetComposer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireConversation(in)
	if err != nil {
		return nil, err
	}
	e := s.open(id)
	e.SetComposerText(ctx, str(in, "text"))
	return respond(map[string]any{"draft": e.Draft()})
}

func limitOf(in *structpb.Struct) int {
	if n := num(in, "limit"); n > 0 {
		return int(n)
	}
	return defaultLimit
}

func (s *Service) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireConversation(in)
	if err != nil {
		return nil, err
	}
	limit := limitOf(in)
	msgs, err := s.opts.DB.ListMessages(id, num(in, "before_ts"), limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	slices.Reverse(msgs)
	return respond(map[string]any{
		"messages": list(msgs, func(m store.Message) any { return messageMap(m) }),
		"has_more": len(msgs) == limit,
	})
}

func (s *Service) SearchMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	query := str(in, "query")
	if query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	limit := limitOf(in)
	results, err := s.opts.DB.SearchMessages(query, str(in, "conversation_id"), limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	return respond(map[string]any{
		"results": list(results, func(r store.SearchResult) any {
			return map[string]any{"message": messageMap(r.Message), "snippet": r.Snippet}
		}),
		"has_more": len(results) == limit,
	})
}

func (s *Service) WatchEvents(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.opts.Bus.Subscribe(str(in, "prefix"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := respond(eventMap(evt))
			if err != nil {
				s.logger.Warn("drop unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
