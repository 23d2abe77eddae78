// Package outbox holds outbound messages until the backend confirms them.
package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wutzup/internal/bus"
	"github.com/matheus3301/wutzup/internal/status"
	"github.com/matheus3301/wutzup/internal/store"
	"github.com/matheus3301/wutzup/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Transmitter sends one queued message. The message id is passed as the
// idempotency key so a retry after a lost ack cannot duplicate the message.
type Transmitter interface {
	Send(ctx context.Context, conversationID, body string, media *store.MediaRef, idempotencyID string) (store.Message, error)
}

// Gate reports whether the network is good enough for a sync pass.
type Gate interface {
	IsReliableForSync() bool
}

// Persister stores the whole queue durably.
type Persister interface {
	SaveQueue(entries []store.QueuedEntry) error
	LoadQueue() ([]store.QueuedEntry, error)
}

// Policy tunes retry behaviour.
type Policy struct {
	MaxAttempts       int
	Throttle          time.Duration
	PollInterval      time.Duration
	FastFailPermanent bool
}

// DefaultPolicy returns five attempts, 200ms between sends and fast failure
// for errors the backend marks permanent.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		Throttle:          200 * time.Millisecond,
		PollInterval:      2 * time.Second,
		FastFailPermanent: true,
	}
}

// StatusUpdate is the payload of message.status events.
type StatusUpdate struct {
	MessageID      string
	ConversationID string
	Status         status.Status
	Message        *store.Message // backend echo, set on success
	Err            string
}

// SyncResult summarizes one SyncPending pass.
type SyncResult struct {
	Skipped   bool
	Attempted int
	Sent      int
	Failed    int
	Requeued  int
}

// Queue is the persistent retry queue. Every mutation is written through to
// the persister before the call returns; if persistence fails the queue keeps
// working from memory for the rest of the process lifetime.
type Queue struct {
	persister Persister
	gate      Gate
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time

	// inflight admits a single SyncPending pass at a time.
	inflight *semaphore.Weighted

	mu       sync.Mutex
	entries  []store.QueuedEntry
	policy   Policy
	degraded bool
}

// NewQueue loads persisted entries and returns a ready queue. Entries caught
// mid-attempt by a previous shutdown are restored as pending.
func NewQueue(p Persister, gate Gate, b *bus.Bus, logger *zap.Logger, policy Policy) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		persister: p,
		gate:      gate,
		bus:       b,
		logger:    logger,
		now:       time.Now,
		inflight:  semaphore.NewWeighted(1),
		policy:    normalize(policy),
	}
	if p == nil {
		q.degraded = true
		return q
	}
	entries, err := p.LoadQueue()
	if err != nil {
		logger.Error("load retry queue failed; starting empty in memory", zap.Error(err))
		q.degraded = true
		return q
	}
	for i := range entries {
		if entries[i].Status == store.QueueRetrying {
			entries[i].Status = store.QueuePending
		}
	}
	q.entries = entries
	if len(entries) > 0 {
		logger.Info("retry queue restored", zap.Int("entries", len(entries)))
	}
	return q
}

func normalize(p Policy) Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Throttle < 0 {
		p.Throttle = 0
	}
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	return p
}

// Policy returns the current retry policy.
func (q *Queue) Policy() Policy {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.policy
}

// SetPolicy replaces the retry policy. A pass already running keeps the
// policy it started with.
func (q *Queue) SetPolicy(p Policy) {
	q.mu.Lock()
	q.policy = normalize(p)
	q.mu.Unlock()
}

// Degraded reports whether persistence failed and the queue is memory-only.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

func (q *Queue) indexLocked(id string) int {
	return slices.IndexFunc(q.entries, func(e store.QueuedEntry) bool { return e.Message.ID == id })
}

func (q *Queue) persistLocked() {
	if q.degraded {
		return
	}
	if err := q.persister.SaveQueue(q.entries); err != nil {
		q.degraded = true
		q.logger.Error("persist retry queue failed; continuing in memory", zap.Error(err))
	}
}

// Enqueue adds msg as pending. It is idempotent on the message id and reports
// whether a new entry was created.
func (q *Queue) Enqueue(msg store.Message) bool {
	q.mu.Lock()
	if q.indexLocked(msg.ID) >= 0 {
		q.mu.Unlock()
		return false
	}
	m := msg.Clone()
	m.Status = status.Sending
	q.entries = append(q.entries, store.QueuedEntry{Message: m, Status: store.QueuePending})
	q.persistLocked()
	q.mu.Unlock()

	q.logger.Debug("message enqueued", zap.String("msg_id", msg.ID), zap.String("conversation_id", msg.ConversationID))
	q.bus.Emit(bus.KindMessageEnqueued, m)
	return true
}

// Dequeue removes an entry. Unknown ids are ignored.
func (q *Queue) Dequeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return false
	}
	q.entries = slices.Delete(q.entries, i, i+1)
	q.persistLocked()
	return true
}

// MarkFailed moves an entry to failed so sync passes skip it. The entry stays
// queued until ClearFailed or Retry.
func (q *Queue) MarkFailed(id, reason string) bool {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	e := q.markFailedLocked(i, reason)
	q.persistLocked()
	q.mu.Unlock()

	q.announceFailure(e)
	return true
}

func (q *Queue) markFailedLocked(i int, reason string) store.QueuedEntry {
	e := &q.entries[i]
	e.Status = store.QueueFailed
	e.Message.Status = status.Failed
	if reason != "" {
		e.LastError = reason
	}
	return *e
}

func (q *Queue) announceFailure(e store.QueuedEntry) {
	q.logger.Warn("message delivery failed",
		zap.String("msg_id", e.Message.ID),
		zap.Int("attempts", e.RetryCount),
		zap.String("error", e.LastError))
	q.bus.Emit(bus.KindMessageStatus, StatusUpdate{
		MessageID:      e.Message.ID,
		ConversationID: e.Message.ConversationID,
		Status:         status.Failed,
		Err:            e.LastError,
	})
	q.bus.Emit(bus.KindMessageFailed, StatusUpdate{
		MessageID:      e.Message.ID,
		ConversationID: e.Message.ConversationID,
		Status:         status.Failed,
		Err:            e.LastError,
	})
}

// ClearFailed removes every failed entry and returns how many were removed.
func (q *Queue) ClearFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := len(q.entries)
	q.entries = slices.DeleteFunc(q.entries, func(e store.QueuedEntry) bool {
		return e.Status == store.QueueFailed
	})
	removed := before - len(q.entries)
	if removed > 0 {
		q.persistLocked()
	}
	return removed
}

// Retry puts a failed entry back in line with a fresh attempt budget.
func (q *Queue) Retry(id string) bool {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 || q.entries[i].Status != store.QueueFailed {
		q.mu.Unlock()
		return false
	}
	e := &q.entries[i]
	e.Status = store.QueuePending
	e.RetryCount = 0
	e.LastError = ""
	e.Message.Status = status.Sending
	m := e.Message
	q.persistLocked()
	q.mu.Unlock()

	q.bus.Emit(bus.KindMessageStatus, StatusUpdate{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Status:         status.Sending,
	})
	q.bus.Emit(bus.KindMessageEnqueued, m)
	return true
}

// Entries returns a copy of the queue in enqueue order.
func (q *Queue) Entries() []store.QueuedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]store.QueuedEntry, len(q.entries))
	for i, e := range q.entries {
		out[i] = e
		out[i].Message = e.Message.Clone()
	}
	return out
}

// Get returns the entry for id.
func (q *Queue) Get(id string) (store.QueuedEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return store.QueuedEntry{}, false
	}
	e := q.entries[i]
	e.Message = e.Message.Clone()
	return e, true
}

// PendingCount returns the number of queued entries, failed ones included.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// ActiveCount returns the number of entries a sync pass would attempt.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.Status != store.QueueFailed {
			n++
		}
	}
	return n
}

// SyncPending attempts every non-failed entry once, in enqueue order. Only one
// pass runs at a time; a concurrent call returns immediately with Skipped set.
// Individual failures never abort the pass.
func (q *Queue) SyncPending(ctx context.Context, t Transmitter) SyncResult {
	if !q.inflight.TryAcquire(1) {
		q.logger.Debug("sync pass already running")
		return SyncResult{Skipped: true}
	}
	defer q.inflight.Release(1)

	if q.gate != nil && !q.gate.IsReliableForSync() {
		return SyncResult{Skipped: true}
	}
	ids := q.activeIDs()
	if len(ids) == 0 {
		return SyncResult{}
	}
	policy := q.Policy()

	var res SyncResult
	for i, id := range ids {
		if i > 0 && policy.Throttle > 0 {
			timer := time.NewTimer(policy.Throttle)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
		if ctx.Err() != nil {
			break
		}

		entry, ok := q.beginAttempt(id)
		if !ok {
			continue
		}
		res.Attempted++

		m := entry.Message
		echo, err := t.Send(ctx, m.ConversationID, m.Body, m.Media, m.ID)
		if err != nil && ctx.Err() != nil {
			// Shutting down; this attempt does not count against the budget.
			q.abortAttempt(id)
			res.Attempted--
			break
		}
		if err != nil {
			if q.recordFailure(id, err, policy) {
				res.Failed++
			} else {
				res.Requeued++
			}
			continue
		}
		q.complete(m, echo)
		res.Sent++
	}

	q.logger.Info("retry queue sync finished",
		zap.Int("attempted", res.Attempted),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("requeued", res.Requeued))
	q.bus.Emit(bus.KindQueueSynced, res)
	return res
}

func (q *Queue) activeIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, e := range q.entries {
		if e.Status != store.QueueFailed {
			ids = append(ids, e.Message.ID)
		}
	}
	return ids
}

func (q *Queue) beginAttempt(id string) (store.QueuedEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 || q.entries[i].Status == store.QueueFailed {
		return store.QueuedEntry{}, false
	}
	e := &q.entries[i]
	e.RetryCount++
	e.Status = store.QueueRetrying
	e.LastAttemptAt = q.now().UnixMilli()
	q.persistLocked()
	out := *e
	out.Message = e.Message.Clone()
	return out, true
}

func (q *Queue) abortAttempt(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return
	}
	e := &q.entries[i]
	if e.RetryCount > 0 {
		e.RetryCount--
	}
	e.Status = store.QueuePending
	q.persistLocked()
}

// recordFailure books a failed attempt and reports whether the entry is now
// permanently failed.
func (q *Queue) recordFailure(id string, err error, policy Policy) bool {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	e := &q.entries[i]
	e.LastError = err.Error()
	permanent := policy.FastFailPermanent && transport.IsPermanent(err)
	if !permanent && e.RetryCount < policy.MaxAttempts {
		e.Status = store.QueuePending
		q.persistLocked()
		attempts := e.RetryCount
		q.mu.Unlock()
		q.logger.Debug("send attempt failed; will retry",
			zap.String("msg_id", id), zap.Int("attempts", attempts), zap.Error(err))
		return false
	}
	failed := q.markFailedLocked(i, "")
	q.persistLocked()
	q.mu.Unlock()

	q.announceFailure(failed)
	return true
}

func (q *Queue) complete(m store.Message, echo store.Message) {
	q.Dequeue(m.ID)

	merged := m.Clone()
	if echo.ID == "" {
		echo.ID = m.ID
	}
	merged.Merge(echo)
	merged.Status = status.Merge(merged.Status, status.Sent)

	q.logger.Info("message sent", zap.String("msg_id", m.ID), zap.String("conversation_id", m.ConversationID))
	q.bus.Emit(bus.KindMessageStatus, StatusUpdate{
		MessageID:      merged.ID,
		ConversationID: merged.ConversationID,
		Status:         merged.Status,
		Message:        &merged,
	})
	q.bus.Emit(bus.KindMessageSendAck, StatusUpdate{
		MessageID:      merged.ID,
		ConversationID: merged.ConversationID,
		Status:         merged.Status,
		Message:        &merged,
	})
}
