package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/wutzup/internal/bus"
	"go.uber.org/zap"
)

// Sender drives the retry queue: it runs a sync pass on a timer, whenever a
// message is enqueued, and whenever connectivity changes.
type Sender struct {
	queue       *Queue
	transmitter Transmitter
	bus         *bus.Bus
	logger      *zap.Logger

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates a new queue sender.
func NewSender(q *Queue, t Transmitter, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		queue:       q,
		transmitter: t,
		bus:         b,
		logger:      logger,
		trigger:     make(chan struct{}, 1),
	}
}

// Start begins driving the queue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	network, unsubNetwork := s.bus.Subscribe("connectivity.", 16)
	enqueued, unsubEnqueued := s.bus.Subscribe(bus.KindMessageEnqueued, 64)

	go func() {
		defer close(s.done)
		defer unsubNetwork()
		defer unsubEnqueued()
		s.loop(ctx, network, enqueued)
	}()
}

// Stop stops the sender loop and waits for a running pass to wind down.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Trigger requests a sync pass as soon as possible.
func (s *Sender) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context, network, enqueued <-chan bus.Event) {
	interval := s.queue.Policy().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p := s.queue.Policy().PollInterval; p != interval {
				interval = p
				ticker.Reset(interval)
			}
			s.drain(ctx)
		case <-s.trigger:
			s.drain(ctx)
		case evt := <-network:
			if evt.Kind == bus.KindConnectivityDisconnected {
				continue
			}
			s.drain(ctx)
		case <-enqueued:
			s.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) drain(ctx context.Context) {
	if s.queue.ActiveCount() == 0 {
		return
	}
	res := s.queue.SyncPending(ctx, s.transmitter)
	if res.Requeued > 0 {
		s.logger.Debug("messages left for next pass", zap.Int("requeued", res.Requeued))
	}
}
