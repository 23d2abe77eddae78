package conversation

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager owns the engines of every open conversation and applies lifecycle
// transitions to all of them.
type Manager struct {
	deps     Deps
	defaults Options
	logger   *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	engines map[string]*Engine
	paused  bool
}

// NewManager creates a manager. defaults supplies UserID and the timing
// options of every engine it opens.
func NewManager(deps Deps, defaults Options) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		defaults: defaults,
		logger:   deps.Logger,
		base:     base,
		cancel:   cancel,
		engines:  make(map[string]*Engine),
	}
}

// SetOptions changes the timing options used for conversations opened from
// now on.
func (m *Manager) SetOptions(defaults Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = defaults
}

// Open returns the engine for a conversation, creating and starting it if
// needed. Subscription failures are logged; the engine stays open and is
// restarted by the next resume.
func (m *Manager) Open(conversationID string, peers []string, names map[string]string) *Engine {
	m.mu.Lock()
	e, ok := m.engines[conversationID]
	if !ok {
		opts := m.defaults
		opts.ConversationID = conversationID
		opts.Peers = peers
		opts.Names = names
		e = NewEngine(opts, m.deps)
		m.engines[conversationID] = e
	}
	paused := m.paused
	m.mu.Unlock()

	if !ok {
		e.Open(m.base)
	}
	if !paused {
		if err := e.Start(m.base); err != nil {
			m.logger.Warn("start conversation failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return e
}

// Get returns the engine of an open conversation.
func (m *Manager) Get(conversationID string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[conversationID]
	return e, ok
}

// Close stops and forgets a conversation. It reports whether it was open.
func (m *Manager) Close(conversationID string) bool {
	m.mu.Lock()
	e, ok := m.engines[conversationID]
	delete(m.engines, conversationID)
	m.mu.Unlock()
	if ok {
		e.Close()
	}
	return ok
}

// OpenIDs returns the ids of open conversations, sorted.
func (m *Manager) OpenIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) snapshot() []*Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e)
	}
	return out
}

// PauseAll stops every subscription.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	for _, e := range m.snapshot() {
		e.Stop()
	}
}

// ResumeAll restarts every idle subscription, including ones that were
// interrupted by the backend.
func (m *Manager) ResumeAll() error {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()

	var errs error
	for _, e := range m.snapshot() {
		errs = multierr.Append(errs, e.Start(m.base))
	}
	return errs
}

// Paused reports whether subscriptions are suspended.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// ForegroundAll acknowledges delivery and reads across all open conversations.
func (m *Manager) ForegroundAll(ctx context.Context) error {
	var errs error
	for _, e := range m.snapshot() {
		errs = multierr.Append(errs, e.Foreground(ctx))
	}
	return errs
}

// CatchUpAll refetches every open conversation.
func (m *Manager) CatchUpAll(ctx context.Context) error {
	var errs error
	for _, e := range m.snapshot() {
		errs = multierr.Append(errs, e.CatchUp(ctx))
	}
	return errs
}

// Shutdown closes every engine.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	engines := m.engines
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()
	for _, e := range engines {
		e.Close()
	}
}
