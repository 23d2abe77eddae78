package connectivity

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/wutzup/internal/bus"
	"go.uber.org/zap"
)

type chanSource chan Path

func (c chanSource) Paths(context.Context) <-chan Path { return c }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestMonitor(b *bus.Bus) (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMonitor(b, zap.NewNop())
	m.now = clock.now
	return m, clock
}

func wifi() Path { return Path{Satisfied: true, Link: LinkWiFi} }

func offline() Path { return Path{Link: LinkNone} }

func TestInitiallyDisconnected(t *testing.T) {
	m, _ := newTestMonitor(nil)
	if m.IsConnected() || m.IsReliableForSync() {
		t.Error("fresh monitor should report disconnected")
	}
	if m.Snapshot().Link != LinkNone {
		t.Errorf("link = %s, want none", m.Snapshot().Link)
	}
}

func TestReliableRequiresUnconstrained(t *testing.T) {
	tests := []struct {
		name string
		path Path
		want bool
	}{
		{"wifi", wifi(), true},
		{"cellular", Path{Satisfied: true, Link: LinkCellular, Expensive: true}, true},
		{"low data", Path{Satisfied: true, Link: LinkWiFi, Constrained: true}, false},
		{"offline", offline(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMonitor(nil)
			m.apply(tt.path)
			if got := m.IsReliableForSync(); got != tt.want {
				t.Errorf("IsReliableForSync() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReconnectReportsDowntime(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connectivity.reconnected", 10)
	defer unsub()

	m, clock := newTestMonitor(b)
	m.apply(wifi())
	clock.t = clock.t.Add(time.Minute)
	m.apply(offline())
	clock.t = clock.t.Add(10 * time.Second)
	m.apply(wifi())

	select {
	case evt := <-ch:
		r, ok := evt.Payload.(Reconnected)
		if !ok {
			t.Fatalf("payload type = %T, want Reconnected", evt.Payload)
		}
		if r.Downtime != 10*time.Second {
			t.Errorf("downtime = %s, want 10s", r.Downtime)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reconnected event")
	}

	snap := m.Snapshot()
	if !snap.LastConnectedAt.Equal(clock.t) {
		t.Errorf("last connected = %s, want %s", snap.LastConnectedAt, clock.t)
	}
}

// TestNotificationsAreEdgeTriggered verifies repeated identical observations
// and link changes while connected do not re-announce a reconnect.
func TestNotificationsAreEdgeTriggered(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connectivity.", 32)
	defer unsub()

	m, _ := newTestMonitor(b)
	m.apply(offline())
	m.apply(wifi())
	m.apply(wifi())
	m.apply(Path{Satisfied: true, Link: LinkCellular, Expensive: true})
	m.apply(offline())
	m.apply(offline())

	counts := map[string]int{}
	for {
		select {
		case evt := <-ch:
			counts[evt.Kind]++
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	if counts["connectivity.reconnected"] != 1 {
		t.Errorf("reconnected events = %d, want 1", counts["connectivity.reconnected"])
	}
	if counts["connectivity.disconnected"] != 1 {
		t.Errorf("disconnected events = %d, want 1", counts["connectivity.disconnected"])
	}
	// offline baseline, wifi, cellular, offline
	if counts["connectivity.changed"] != 4 {
		t.Errorf("changed events = %d, want 4", counts["connectivity.changed"])
	}
}

func TestFirstObservationIsBaseline(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connectivity.reconnected", 10)
	defer unsub()

	m, _ := newTestMonitor(b)
	m.apply(wifi())

	select {
	case evt := <-ch:
		t.Errorf("unexpected event on first observation: %v", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	if !m.IsConnected() {
		t.Error("monitor should be connected after first satisfied path")
	}
}

func TestStartAppliesUpdatesFromSource(t *testing.T) {
	src := make(chanSource, 4)
	m := NewMonitor(bus.New(), zap.NewNop())
	m.Start(context.Background(), src)
	defer m.Stop()

	src <- wifi()
	deadline := time.Now().Add(time.Second)
	for !m.IsReliableForSync() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never applied the path update")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNilLoggerSurvivesEdges(t *testing.T) {
	m := NewMonitor(nil, nil)
	m.apply(offline())
	m.apply(wifi())
	m.apply(offline())
	if m.IsConnected() {
		t.Error("monitor should be disconnected after the last path")
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]LinkType{
		"wlan0":       LinkWiFi,
		"wlp3s0":      LinkWiFi,
		"eth0":        LinkEthernet,
		"enp0s31f6":   LinkEthernet,
		"wwan0":       LinkCellular,
		"rmnet_data0": LinkCellular,
		"tun0":        LinkOther,
	}
	for name, want := range tests {
		if got := Classify(name); got != want {
			t.Errorf("Classify(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestDerivePath(t *testing.T) {
	tests := []struct {
		name    string
		ifaces  []iface
		lowData bool
		want    Path
	}{
		{"only loopback", []iface{{name: "lo", up: true, loop: true, addrs: 1}}, false, Path{Link: LinkNone}},
		{"down wifi", []iface{{name: "wlan0", up: false, addrs: 1}}, false, Path{Link: LinkNone}},
		{"docker only", []iface{{name: "docker0", up: true, addrs: 1}}, false, Path{Link: LinkNone}},
		{"wifi over cellular", []iface{{name: "wwan0", up: true, addrs: 1}, {name: "wlan0", up: true, addrs: 1}}, false, Path{Satisfied: true, Link: LinkWiFi}},
		{"cellular is expensive", []iface{{name: "wwan0", up: true, addrs: 1}}, false, Path{Satisfied: true, Link: LinkCellular, Expensive: true}},
		{"low data constrains", []iface{{name: "eth0", up: true, addrs: 2}}, true, Path{Satisfied: true, Link: LinkEthernet, Constrained: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := derivePath(tt.ifaces, tt.lowData); got != tt.want {
				t.Errorf("derivePath = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPollerEmitsOnlyOnChange(t *testing.T) {
	current := []iface{{name: "wlan0", up: true, addrs: 1}}
	calls := make(chan struct{}, 100)
	p := &InterfacePoller{
		Interval: 5 * time.Millisecond,
		list: func() ([]iface, error) {
			select {
			case calls <- struct{}{}:
			default:
			}
			return current, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	paths := p.Paths(ctx)

	first := <-paths
	if first.Link != LinkWiFi {
		t.Fatalf("first path = %+v, want wifi", first)
	}
	// Let several identical polls happen.
	for i := 0; i < 3; i++ {
		<-calls
	}
	select {
	case p := <-paths:
		t.Errorf("unexpected path without change: %+v", p)
	default:
	}
}
