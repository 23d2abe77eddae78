// Package connectivity tracks whether the device can reach the network and
// announces reachability edges on the bus.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/wutzup/internal/bus"
	"go.uber.org/zap"
)

// LinkType is the kind of link carrying the current path.
type LinkType string

const (
	LinkNone     LinkType = "none"
	LinkWiFi     LinkType = "wifi"
	LinkCellular LinkType = "cellular"
	LinkEthernet LinkType = "ethernet"
	LinkOther    LinkType = "other"
)

// Path is one observation from the platform path monitor.
type Path struct {
	Satisfied   bool
	Link        LinkType
	Expensive   bool
	Constrained bool
}

// PathSource delivers path observations until ctx is done.
type PathSource interface {
	Paths(ctx context.Context) <-chan Path
}

// Snapshot is the monitor's current view of connectivity.
type Snapshot struct {
	Connected          bool
	Link               LinkType
	Expensive          bool
	Constrained        bool
	LastConnectedAt    time.Time
	LastDisconnectedAt time.Time
}

// Reconnected is the payload of connectivity.reconnected events.
type Reconnected struct {
	Downtime time.Duration
}

// Monitor owns the connectivity snapshot. Only the goroutine started by Start
// writes it; readers take the read lock.
type Monitor struct {
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	snap     Snapshot
	observed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor in the disconnected state.
func NewMonitor(b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		bus:    b,
		logger: logger,
		now:    time.Now,
		snap:   Snapshot{Link: LinkNone},
	}
}

// Start consumes path updates from src until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context, src PathSource) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	paths := src.Paths(ctx)

	go func() {
		defer close(m.done)
		for {
			select {
			case p, ok := <-paths:
				if !ok {
					return
				}
				m.apply(p)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops consuming updates and waits for the writer to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// IsConnected reports whether the last observed path was usable.
func (m *Monitor) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Connected
}

// IsReliableForSync reports whether background sync should run now: the path
// is usable and not in low-data mode.
func (m *Monitor) IsReliableForSync() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Connected && !m.snap.Constrained
}

func (m *Monitor) apply(p Path) {
	now := m.now()

	m.mu.Lock()
	prev := m.snap
	first := !m.observed
	m.observed = true

	next := prev
	next.Connected = p.Satisfied
	next.Link = p.Link
	if !p.Satisfied {
		next.Link = LinkNone
	}
	next.Expensive = p.Satisfied && p.Expensive
	next.Constrained = p.Satisfied && p.Constrained

	var reconnected, disconnected bool
	switch {
	case next.Connected && (first || !prev.Connected):
		next.LastConnectedAt = now
		reconnected = !first
	case !next.Connected && (first || prev.Connected):
		next.LastDisconnectedAt = now
		disconnected = !first
	}
	m.snap = next
	m.mu.Unlock()

	if next == prev {
		return
	}

	switch {
	case reconnected:
		var downtime time.Duration
		if !prev.LastDisconnectedAt.IsZero() {
			downtime = now.Sub(prev.LastDisconnectedAt)
		}
		m.logger.Info("network reconnected",
			zap.String("link", string(next.Link)),
			zap.Duration("downtime", downtime))
		m.publish(bus.KindConnectivityReconnected, Reconnected{Downtime: downtime})
	case disconnected:
		m.logger.Info("network disconnected", zap.String("previous_link", string(prev.Link)))
		m.publish(bus.KindConnectivityDisconnected, next)
	}
	m.publish(bus.KindConnectivityChanged, next)
}

func (m *Monitor) publish(kind string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: m.now(), Payload: payload})
}
