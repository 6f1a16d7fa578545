package watcher

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/iyulab/system-vigil/internal/config"
	"github.com/iyulab/system-vigil/internal/event"
	"github.com/iyulab/system-vigil/internal/platform"
)

// ConnObserver produces socket tables. platform.Connections implements it.
type ConnObserver interface {
	Observe(ctx context.Context) (platform.ConnTable, error)
}

const (
	ReasonBlockedIP   = "blocked_ip"
	ReasonBlockedPort = "blocked_port"
	ReasonNewListener = "new_listener"
)

// Network reports new connections to blocked addresses or ports and newly
// opened listening ports.
type Network struct {
	obs          ConnObserver
	blocked      []netip.Prefix
	blockedPorts []uint32
	ignorePorts  []uint32
}

// NewNetwork builds the network source from the configured block list and
// the optional blocklist file. A nil obs reads the live socket table.
func NewNetwork(cfg config.NetworkConfig, obs ConnObserver) (*Network, error) {
	blocked, err := ParseBlocklist(cfg.BlockedIPs)
	if err != nil {
		return nil, &config.ConfigurationError{Component: "watchers.network", Err: fmt.Errorf("blocked_ips: %w", err)}
	}
	if cfg.BlocklistFile != "" {
		fromFile, err := LoadBlocklist(cfg.BlocklistFile)
		if err != nil {
			return nil, &config.ConfigurationError{Component: "watchers.network", Err: err}
		}
		blocked = append(blocked, fromFile...)
	}
	if obs == nil {
		obs = platform.Connections{}
	}
	toPort := func(p int, _ int) uint32 { return uint32(p) }
	return &Network{
		obs:          obs,
		blocked:      blocked,
		blockedPorts: lo.Map(cfg.BlockedPorts, toPort),
		ignorePorts:  lo.Map(cfg.IgnoreListenPorts, toPort),
	}, nil
}

// ParseBlocklist parses IP addresses and CIDR prefixes.
func ParseBlocklist(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, nil
}

// LoadBlocklist reads a threat-intel file with one IP or CIDR per line.
// Blank lines and # comments are ignored.
func LoadBlocklist(path string) ([]netip.Prefix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blocklist: %w", err)
	}
	defer f.Close()

	var entries []string
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text, _, _ := strings.Cut(sc.Text(), "#")
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if _, err := ParseBlocklist([]string{text}); err != nil {
			return nil, fmt.Errorf("blocklist %s:%d: %w", path, line, err)
		}
		entries = append(entries, text)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("blocklist %s: %w", path, err)
	}
	return ParseBlocklist(entries)
}

func (n *Network) Name() string { return "network" }

func (n *Network) Observe(ctx context.Context) (platform.ConnTable, error) {
	return n.obs.Observe(ctx)
}

func (n *Network) Diff(prev, cur platform.ConnTable) []event.Observation {
	var out []event.Observation

	keys := lo.Keys(cur.Established)
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := prev.Established[k]; ok {
			continue
		}
		c := cur.Established[k]
		switch {
		case n.isBlocked(c.RemoteIP):
			out = append(out, connObservation(c, event.SeverityCritical, ReasonBlockedIP,
				fmt.Sprintf("connection to blocked address %s:%d", c.RemoteIP, c.RemotePort)))
		case lo.Contains(n.blockedPorts, c.RemotePort):
			out = append(out, connObservation(c, event.SeverityCritical, ReasonBlockedPort,
				fmt.Sprintf("connection to blocked port %s:%d", c.RemoteIP, c.RemotePort)))
		}
	}

	keys = lo.Keys(cur.Listening)
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := prev.Listening[k]; ok {
			continue
		}
		c := cur.Listening[k]
		if lo.Contains(n.ignorePorts, c.LocalPort) {
			continue
		}
		out = append(out, connObservation(c, event.SeverityWarning, ReasonNewListener,
			fmt.Sprintf("new %s listener on %s:%d", c.Protocol, c.LocalIP, c.LocalPort)))
	}
	return out
}

func (n *Network) isBlocked(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	return lo.SomeBy(n.blocked, func(p netip.Prefix) bool { return p.Contains(a) })
}

func connObservation(c platform.Conn, sev event.Severity, reason, msg string) event.Observation {
	ctx := map[string]any{
		"pid":        c.PID,
		"local_ip":   c.LocalIP,
		"local_port": c.LocalPort,
		"protocol":   c.Protocol,
		"reason":     reason,
	}
	if c.RemoteIP != "" {
		ctx["remote_ip"] = c.RemoteIP
		ctx["remote_port"] = c.RemotePort
	}
	return event.Observation{
		Type:     event.TypeNetwork,
		Severity: sev,
		Source:   "watcher.network",
		Message:  msg,
		Context:  ctx,
	}
}
