// Package mirror writes the merged view of every conversation into the local
// store so it survives restarts and serves offline reads.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/wutzup/internal/bus"
	"github.com/matheus3301/wutzup/internal/outbox"
	"github.com/matheus3301/wutzup/internal/status"
	"github.com/matheus3301/wutzup/internal/store"
	"go.uber.org/zap"
)

// CheckpointKey holds the unix ms time of the last mirrored write.
const CheckpointKey = "mirror.updated_at"

// Mirror follows message events on the bus and merges them into the store.
type Mirror struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a mirror.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		db:     db,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// Start subscribes to message events.
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	ch, unsub := m.bus.SubscribeLossless("message.")

	go func() {
		defer close(m.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the mirror and waits for the event in progress.
func (m *Mirror) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Mirror) handleEvent(evt bus.Event) {
	var err error
	switch evt.Kind {
	case bus.KindMessageUpserted, bus.KindMessageEnqueued:
		msg, ok := evt.Payload.(store.Message)
		if !ok {
			return
		}
		err = m.Ingest(msg)
	case bus.KindMessageStatus:
		u, ok := evt.Payload.(outbox.StatusUpdate)
		if !ok {
			return
		}
		err = m.ApplyStatus(u)
	default:
		return
	}
	if err != nil {
		m.logger.Error("failed to mirror message event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// Ingest merges one observation of a message into the store.
func (m *Mirror) Ingest(msg store.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return nil
	}
	if _, err := m.db.MergeMessage(msg); err != nil {
		return err
	}
	return m.touch()
}

// ApplyStatus records a retry queue status change. Failure and user retry
// are explicit transitions; everything else is merged monotonically. Updates
// for messages the store has never seen are ignored unless they carry the
// message itself.
func (m *Mirror) ApplyStatus(u outbox.StatusUpdate) error {
	switch {
	case u.Message != nil:
		obs := *u.Message
		obs.Status = status.Merge(obs.Status, u.Status)
		return m.Ingest(obs)
	case u.Status == status.Failed:
		if err := m.db.FailMessage(u.MessageID); err != nil {
			return fmt.Errorf("fail message %s: %w", u.MessageID, err)
		}
	case u.Status == status.Sending:
		if err := m.db.ResendMessage(u.MessageID); err != nil {
			return fmt.Errorf("resend message %s: %w", u.MessageID, err)
		}
	default:
		if _, err := m.db.GetMessage(u.MessageID); errors.Is(err, store.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		if _, err := m.db.MergeMessage(store.Message{ID: u.MessageID, Status: u.Status}); err != nil {
			return err
		}
	}
	return m.touch()
}

func (m *Mirror) touch() error {
	return m.db.SetCheckpoint(CheckpointKey, strconv.FormatInt(m.now().UnixMilli(), 10))
}

// UpdatedAt returns when the mirror last wrote to the store, or the zero time
// if it never did.
func (m *Mirror) UpdatedAt() (time.Time, error) {
	v, err := m.db.Checkpoint(CheckpointKey)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse checkpoint %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}
