package connectivity

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// InterfacePoller derives paths from the host's network interfaces.
type InterfacePoller struct {
	Interval time.Duration
	// LowData marks every usable path as constrained.
	LowData bool
	Logger  *zap.Logger

	list func() ([]iface, error)
}

type iface struct {
	name  string
	up    bool
	loop  bool
	addrs int
}

// Paths implements PathSource. The first observation is sent immediately and
// later ones only when the derived path changes.
func (p *InterfacePoller) Paths(ctx context.Context) <-chan Path {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	list := p.list
	if list == nil {
		list = systemInterfaces
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	out := make(chan Path, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var (
			last Path
			sent bool
		)
		for {
			ifaces, err := list()
			if err != nil {
				logger.Warn("list interfaces failed", zap.Error(err))
			} else if path := derivePath(ifaces, p.LowData); !sent || path != last {
				select {
				case out <- path:
					last, sent = path, true
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func systemInterfaces() ([]iface, error) {
	nics, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]iface, 0, len(nics))
	for _, n := range nics {
		addrs, err := n.Addrs()
		if err != nil {
			continue
		}
		out = append(out, iface{
			name:  n.Name,
			up:    n.Flags&net.FlagUp != 0,
			loop:  n.Flags&net.FlagLoopback != 0,
			addrs: len(addrs),
		})
	}
	return out, nil
}

// derivePath picks the best usable interface: ethernet, then wifi, then
// anything else, then cellular.
func derivePath(ifaces []iface, lowData bool) Path {
	best := LinkNone
	for _, i := range ifaces {
		if !i.up || i.loop || i.addrs == 0 || virtual(i.name) {
			continue
		}
		if l := Classify(i.name); preference(l) > preference(best) {
			best = l
		}
	}
	if best == LinkNone {
		return Path{Link: LinkNone}
	}
	return Path{
		Satisfied:   true,
		Link:        best,
		Expensive:   best == LinkCellular,
		Constrained: lowData,
	}
}

func preference(l LinkType) int {
	switch l {
	case LinkEthernet:
		return 4
	case LinkWiFi:
		return 3
	case LinkOther:
		return 2
	case LinkCellular:
		return 1
	}
	return 0
}

// virtual reports bridge and container interfaces that never carry an
// upstream route on their own.
func virtual(name string) bool {
	for _, prefix := range []string{"docker", "veth", "br-", "virbr", "cni", "flannel"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Classify maps a Linux interface name to a link type.
func Classify(name string) LinkType {
	switch {
	case strings.HasPrefix(name, "wl"), strings.HasPrefix(name, "wlan"), strings.HasPrefix(name, "ath"):
		return LinkWiFi
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return LinkEthernet
	case strings.HasPrefix(name, "wwan"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "ppp"), strings.HasPrefix(name, "ccmni"):
		return LinkCellular
	default:
		return LinkOther
	}
}
