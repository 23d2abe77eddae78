package conversation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/matheus3301/wutzup/internal/bus"
	"github.com/matheus3301/wutzup/internal/status"
	"github.com/matheus3301/wutzup/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Receipts is the payload of a conversation receipts event: the ids the
// current user just acknowledged.
type Receipts struct {
	ConversationID string
	Delivered      []string
	Read           []string
}

// SetVisible records which messages are on screen. Hiding a message before
// the flush drops it from the pending read batch.
func (e *Engine) SetVisible(ids []string, visible bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if visible {
			e.visible[id] = true
		} else {
			delete(e.visible, id)
		}
	}
	if visible {
		e.scheduleReceiptsLocked()
	}
}

// scheduleReceiptsLocked arms the debounce timer so a burst of visibility or
// arrival changes turns into a single batched call per receipt kind.
func (e *Engine) scheduleReceiptsLocked() {
	if e.opts.ReceiptDelay <= 0 || e.receiptTimer != nil {
		return
	}
	select {
	case <-e.closed:
		return
	default:
	}
	e.receiptTimer = time.AfterFunc(e.opts.ReceiptDelay, func() {
		e.mu.Lock()
		e.receiptTimer = nil
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(e.base, 15*time.Second)
		defer cancel()
		if err := e.FlushReceipts(ctx); err != nil {
			e.logger.Warn("flush read receipts failed", zap.Error(err))
		}
		if err := e.AckUndelivered(ctx); err != nil {
			e.logger.Warn("acknowledge delivery failed", zap.Error(err))
		}
	})
}

// FlushReceipts marks every visible message from another sender that the
// current user has not read yet, in one call. Ids are remembered while the
// call is in flight so they are never sent twice; on failure they are
// released for the next flush.
func (e *Engine) FlushReceipts(ctx context.Context) error {
	user := e.opts.UserID

	e.mu.Lock()
	var ids []string
	for id := range e.visible {
		i, ok := e.index[id]
		if !ok {
			continue
		}
		m := e.messages[i]
		if m.SenderID == user || m.ReadByUser(user) || e.ackRead[id] {
			continue
		}
		ids = append(ids, id)
		e.ackRead[id] = true
	}
	e.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)

	if err := e.deps.Messages.MarkRead(ctx, e.opts.ConversationID, ids, user); err != nil {
		e.release(e.ackRead, ids)
		return fmt.Errorf("mark read: %w", err)
	}
	e.applyReceipts(ids, false)
	e.deps.Bus.Emit(bus.KindConversationReceipts, Receipts{ConversationID: e.opts.ConversationID, Read: ids})
	return nil
}

// AckUndelivered marks every message from another sender that has not been
// delivered to the current user, in one call. Cached messages older than the
// loaded view are pulled into it first.
func (e *Engine) AckUndelivered(ctx context.Context) error {
	user := e.opts.UserID

	var cached []store.Message
	if c := e.deps.Cache; c != nil {
		var err error
		if cached, err = c.UndeliveredMessages(e.opts.ConversationID, user); err != nil {
			e.logger.Warn("load undelivered messages failed", zap.Error(err))
		}
	}

	e.mu.Lock()
	for _, m := range cached {
		e.mergeLocked(m, false)
	}
	var ids []string
	for _, m := range e.messages {
		if m.SenderID == user || m.DeliveredToUser(user) || e.ackDelivered[m.ID] {
			continue
		}
		ids = append(ids, m.ID)
		e.ackDelivered[m.ID] = true
	}
	e.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	if err := e.deps.Messages.MarkDelivered(ctx, e.opts.ConversationID, ids, user); err != nil {
		e.release(e.ackDelivered, ids)
		return fmt.Errorf("mark delivered: %w", err)
	}
	e.applyReceipts(ids, true)
	e.deps.Bus.Emit(bus.KindConversationReceipts, Receipts{ConversationID: e.opts.ConversationID, Delivered: ids})
	return nil
}

// Foreground acknowledges everything that arrived while the app was away.
func (e *Engine) Foreground(ctx context.Context) error {
	return multierr.Append(e.AckUndelivered(ctx), e.FlushReceipts(ctx))
}

func (e *Engine) release(set map[string]bool, ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(set, id)
	}
}

// applyReceipts records the current user's acknowledgement in the view.
func (e *Engine) applyReceipts(ids []string, delivered bool) {
	self := []string{e.opts.UserID}

	e.mu.Lock()
	updated := make([]store.Message, 0, len(ids))
	for _, id := range ids {
		if _, ok := e.index[id]; !ok {
			continue
		}
		obs := store.Message{ID: id, ConversationID: e.opts.ConversationID}
		if delivered {
			obs.DeliveredTo = self
			obs.Status = status.Delivered
		} else {
			obs.ReadBy = self
			obs.Status = status.Read
		}
		if m, ok := e.mergeLocked(obs, false); ok {
			updated = append(updated, m)
		}
	}
	e.mu.Unlock()

	for _, m := range updated {
		e.publish(m)
	}
}
