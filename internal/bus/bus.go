// Package bus is the in-process event bus connecting the delivery core's
// components.
//
// Publishing never blocks. A plain subscription has a bounded buffer and
// misses events while it is full; the misses are counted. A lossless
// subscription queues without bound and is meant for consumers that keep
// state derived from the events.
package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus routes events to subscribers by kind prefix.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	dropped atomic.Uint64
}

type subscription struct {
	prefix string
	ch     chan Event

	// lossless subscriptions only
	backlog *backlog
}

// backlog is an unbounded FIFO drained into the subscriber's channel by its
// own goroutine.
type backlog struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
}

func (q *backlog) push(evt Event) {
	q.mu.Lock()
	q.pending = append(q.pending, evt)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *backlog) pump(out chan<- Event) {
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		for _, evt := range batch {
			select {
			case out <- evt:
			case <-q.done:
				return
			}
		}
	}
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		if sub.backlog != nil {
			sub.backlog.push(evt)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event of the given kind stamped with the current time.
// A nil bus discards the event.
func (b *Bus) Emit(kind string, payload any) {
	if b == nil {
		return
	}
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe returns a channel receiving every event whose kind starts with
// prefix ("" matches everything) and a function that ends the subscription.
// Events arriving while the buffer is full are dropped. The channel is never
// closed.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	sub := &subscription{prefix: prefix, ch: make(chan Event, bufSize)}
	return sub.ch, b.add(sub)
}

// SubscribeLossless is like Subscribe but never drops: events wait in an
// unbounded queue until the subscriber receives them, in publish order.
func (b *Bus) SubscribeLossless(prefix string) (<-chan Event, func()) {
	q := &backlog{wake: make(chan struct{}, 1), done: make(chan struct{})}
	sub := &subscription{prefix: prefix, ch: make(chan Event), backlog: q}
	unsub := b.add(sub)
	go q.pump(sub.ch)

	var once sync.Once
	return sub.ch, func() {
		unsub()
		once.Do(func() { close(q.done) })
	}
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s == sub })
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
