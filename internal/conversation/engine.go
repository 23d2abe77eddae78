// Package conversation keeps a live, ordered view of one conversation and
// reconciles local sends with what the backend reports.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wutzup/internal/bus"
	"github.com/matheus3301/wutzup/internal/outbox"
	"github.com/matheus3301/wutzup/internal/status"
	"github.com/matheus3301/wutzup/internal/store"
	"github.com/matheus3301/wutzup/internal/transport"
	"go.uber.org/zap"
)

// State is the subscription state of an engine.
type State string

const (
	Idle      State = "idle"
	Observing State = "observing"
)

// ErrEmptyMessage is returned by Send when there is nothing to send.
var ErrEmptyMessage = errors.New("conversation: message has no body or media")

// Cache is the local mirror the engine reads its initial view and drafts from.
type Cache interface {
	ListMessages(conversationID string, beforeTs int64, limit int) ([]store.Message, error)
	UndeliveredMessages(conversationID, userID string) ([]store.Message, error)
	LoadDraft(conversationID string) (string, error)
	SaveDraft(conversationID, body string) error
	DeleteDraft(conversationID string) error
}

// Enqueuer hands a message to the retry queue.
type Enqueuer interface {
	Enqueue(msg store.Message) bool
}

// Options configures one engine.
type Options struct {
	ConversationID string
	UserID         string
	// Peers are the other participants. With exactly one peer the engine
	// also follows that peer's presence.
	Peers []string
	Names map[string]string

	TypingTTL    time.Duration
	ReceiptDelay time.Duration // <= 0 disables automatic receipt flushing
	FetchLimit   int
}

// Deps are the collaborators shared by every engine.
type Deps struct {
	Messages transport.MessageTransport
	Presence transport.PresenceTransport // optional
	Queue    Enqueuer
	Cache    Cache // optional
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Engine is the sync engine for a single conversation. All view state is
// guarded by mu; network calls are always made without holding it.
type Engine struct {
	opts   Options
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	base      context.Context
	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	state    State
	gen      uint64
	cancel   context.CancelFunc
	messages []store.Message
	index    map[string]int

	visible      map[string]bool
	ackDelivered map[string]bool
	ackRead      map[string]bool
	receiptTimer *time.Timer

	typing     map[string]time.Time
	presence   *transport.Presence
	draft      string
	selfTyping bool

	// draftMu orders draft changes with their writes to the cache. It is
	// taken before mu.
	draftMu sync.Mutex
}

// NewEngine creates an idle engine. Call Open before Start.
func NewEngine(opts Options, deps Deps) *Engine {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 6 * time.Second
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 50
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		opts:         opts,
		deps:         deps,
		logger:       logger.With(zap.String("conversation_id", opts.ConversationID)),
		now:          time.Now,
		base:         context.Background(),
		closed:       make(chan struct{}),
		state:        Idle,
		index:        make(map[string]int),
		visible:      make(map[string]bool),
		ackDelivered: make(map[string]bool),
		ackRead:      make(map[string]bool),
		typing:       make(map[string]time.Time),
	}
}

// ConversationID returns the id of the conversation this engine follows.
func (e *Engine) ConversationID() string {
	return e.opts.ConversationID
}

// Open loads the cached view and draft and starts following retry queue
// status updates. ctx bounds the engine's background work.
func (e *Engine) Open(ctx context.Context) {
	e.base = ctx

	if c := e.deps.Cache; c != nil {
		cached, err := c.ListMessages(e.opts.ConversationID, 0, e.opts.FetchLimit)
		if err != nil {
			e.logger.Warn("load cached messages failed", zap.Error(err))
		}
		draft, err := c.LoadDraft(e.opts.ConversationID)
		if err != nil {
			e.logger.Warn("load draft failed", zap.Error(err))
		}
		e.mu.Lock()
		for _, m := range cached {
			e.mergeLocked(m, false)
		}
		e.draft = draft
		e.mu.Unlock()
	}

	if e.deps.Bus == nil {
		return
	}
	updates, unsub := e.deps.Bus.SubscribeLossless(bus.KindMessageStatus)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-updates:
				if u, ok := evt.Payload.(outbox.StatusUpdate); ok {
					e.applyStatus(u)
				}
			case <-e.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops observing and releases the engine.
func (e *Engine) Close() {
	e.Stop()
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		if e.receiptTimer != nil {
			e.receiptTimer.Stop()
			e.receiptTimer = nil
		}
		e.mu.Unlock()
	})
}

// State returns the current subscription state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start subscribes to the remote message and typing streams. Starting an
// engine that is already observing is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == Observing {
		e.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	e.gen++
	gen := e.gen
	e.state = Observing
	e.cancel = cancel
	e.mu.Unlock()

	msgs, err := e.deps.Messages.Observe(subCtx, e.opts.ConversationID)
	if err != nil {
		e.interrupt(gen, err)
		return fmt.Errorf("observe conversation %s: %w", e.opts.ConversationID, err)
	}

	var (
		typing   <-chan transport.TypingEvent
		presence <-chan transport.Presence
	)
	if p := e.deps.Presence; p != nil {
		if typing, err = p.ObserveTyping(subCtx, e.opts.ConversationID); err != nil {
			e.logger.Warn("observe typing failed", zap.Error(err))
		}
		if len(e.opts.Peers) == 1 {
			if presence, err = p.ObservePresence(subCtx, e.opts.Peers[0]); err != nil {
				e.logger.Warn("observe presence failed", zap.Error(err))
			}
		}
	}

	go e.run(subCtx, gen, msgs, typing, presence)
	e.logger.Debug("observing conversation")
	return nil
}

// Stop cancels the remote subscriptions immediately. Events still in flight
// from the cancelled subscription are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Observing {
		return
	}
	e.gen++
	e.state = Idle
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (e *Engine) run(ctx context.Context, gen uint64, msgs <-chan store.Message, typing <-chan transport.TypingEvent, presence <-chan transport.Presence) {
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				e.interrupt(gen, nil)
				return
			}
			e.applyRemote(gen, m)
		case ev, ok := <-typing:
			if !ok {
				typing = nil
				continue
			}
			e.applyTyping(gen, ev)
		case p, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			e.applyPresence(gen, p)
		case <-ctx.Done():
			return
		}
	}
}

// interrupt drops back to idle after the subscription ended on its own.
func (e *Engine) interrupt(gen uint64, cause error) {
	e.mu.Lock()
	if gen != e.gen || e.state != Observing {
		e.mu.Unlock()
		return
	}
	e.state = Idle
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()

	e.logger.Warn("conversation subscription interrupted", zap.Error(cause))
	e.deps.Bus.Emit(bus.KindConversationInterrupted, e.opts.ConversationID)
}

func (e *Engine) applyRemote(gen uint64, m store.Message) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	merged, ok := e.mergeLocked(m, true)
	needsAck := ok && merged.SenderID != e.opts.UserID && !merged.DeliveredToUser(e.opts.UserID)
	if needsAck {
		e.scheduleReceiptsLocked()
	}
	e.mu.Unlock()

	if ok {
		e.publish(merged)
	}
}

// Merge reconciles an observation of a message with the view, keyed only by
// message id. It returns the merged message.
func (e *Engine) Merge(m store.Message) (store.Message, bool) {
	e.mu.Lock()
	merged, ok := e.mergeLocked(m, true)
	e.mu.Unlock()
	if ok {
		e.publish(merged)
	}
	return merged, ok
}

// mergeLocked folds m into the view. Messages for another conversation are
// rejected. Remote observations prove the backend has the message, so they
// are at least sent.
func (e *Engine) mergeLocked(m store.Message, remote bool) (store.Message, bool) {
	if m.ID == "" {
		return store.Message{}, false
	}
	if m.ConversationID == "" {
		m.ConversationID = e.opts.ConversationID
	}
	if m.ConversationID != e.opts.ConversationID {
		return store.Message{}, false
	}
	if remote {
		m.Status = status.Merge(m.Status, status.Sent)
	}

	if i, ok := e.index[m.ID]; ok {
		cur := e.messages[i]
		ts := cur.Timestamp
		cur.Merge(m)
		e.messages[i] = cur
		if cur.Timestamp != ts {
			e.reindexLocked()
		}
		return cur.Clone(), true
	}

	c := m.Clone()
	if c.Status == "" {
		c.Status = status.Initial()
	}
	c.DeliveredTo = store.Union(c.DeliveredTo, nil)
	c.ReadBy = store.Union(c.ReadBy, nil)
	e.messages = append(e.messages, c)
	e.reindexLocked()
	return c.Clone(), true
}

func (e *Engine) reindexLocked() {
	store.SortMessages(e.messages)
	clear(e.index)
	for i, m := range e.messages {
		e.index[m.ID] = i
	}
}

func (e *Engine) applyStatus(u outbox.StatusUpdate) {
	if u.ConversationID != e.opts.ConversationID {
		return
	}
	e.mu.Lock()
	i, ok := e.index[u.MessageID]
	var (
		merged  store.Message
		changed bool
	)
	switch {
	case !ok && u.Message != nil:
		merged, changed = e.mergeLocked(*u.Message, false)
	case !ok:
	case u.Status == status.Failed:
		if st, err := status.Fail(e.messages[i].Status); err == nil {
			e.messages[i].Status = st
			merged, changed = e.messages[i].Clone(), true
		}
	case u.Status == status.Sending:
		if st, err := status.Transition(e.messages[i].Status, status.Sending); err == nil {
			e.messages[i].Status = st
			merged, changed = e.messages[i].Clone(), true
		}
	default:
		obs := store.Message{ID: u.MessageID, Status: u.Status}
		if u.Message != nil {
			obs = *u.Message
			obs.Status = status.Merge(obs.Status, u.Status)
		}
		merged, changed = e.mergeLocked(obs, false)
	}
	e.mu.Unlock()

	if changed {
		e.publish(merged)
	}
}

// Send inserts a new outgoing message into the view and hands it to the retry
// queue. No network call happens before the message is visible.
func (e *Engine) Send(ctx context.Context, body string, media *store.MediaRef) (store.Message, error) {
	if strings.TrimSpace(body) == "" && media == nil {
		return store.Message{}, ErrEmptyMessage
	}
	m := store.Message{
		ID:             uuid.NewString(),
		ConversationID: e.opts.ConversationID,
		SenderID:       e.opts.UserID,
		Body:           body,
		Media:          media,
		Timestamp:      e.now().UnixMilli(),
		Status:         status.Initial(),
	}

	e.draftMu.Lock()
	e.mu.Lock()
	m, _ = e.mergeLocked(m, false)
	hadDraft := e.draft != ""
	e.draft = ""
	wasTyping := e.selfTyping
	e.selfTyping = false
	e.mu.Unlock()

	if hadDraft && e.deps.Cache != nil {
		if err := e.deps.Cache.DeleteDraft(e.opts.ConversationID); err != nil {
			e.logger.Warn("clear draft failed", zap.Error(err))
		}
	}
	e.draftMu.Unlock()

	e.publish(m)
	e.deps.Queue.Enqueue(m)

	if wasTyping {
		e.sendTyping(ctx, false)
	}
	return m, nil
}

// Messages returns a copy of the view in display order.
func (e *Engine) Messages() []store.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.Message, len(e.messages))
	for i, m := range e.messages {
		out[i] = m.Clone()
	}
	return out
}

// Message returns a single message from the view.
func (e *Engine) Message(id string) (store.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.index[id]
	if !ok {
		return store.Message{}, false
	}
	return e.messages[i].Clone(), true
}

// CatchUp fetches the latest messages from the backend, merges them and
// acknowledges delivery of everything new.
func (e *Engine) CatchUp(ctx context.Context) error {
	msgs, err := e.deps.Messages.Fetch(ctx, e.opts.ConversationID, e.opts.FetchLimit)
	if err != nil {
		return fmt.Errorf("fetch conversation %s: %w", e.opts.ConversationID, err)
	}
	for _, m := range msgs {
		e.Merge(m)
	}
	return e.AckUndelivered(ctx)
}

func (e *Engine) publish(m store.Message) {
	e.deps.Bus.Emit(bus.KindMessageUpserted, m)
}
