package platform

import (
	"context"
	"fmt"
	"net"
	"strconv"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Conn is one socket from the connection table.
type Conn struct {
	PID        int32
	Protocol   string
	LocalIP    string
	LocalPort  uint32
	RemoteIP   string
	RemotePort uint32
	Status     string
}

// Key identifies an established connection across polls.
func (c Conn) Key() string {
	return strconv.Itoa(int(c.PID)) + "|" + c.Protocol + "|" +
		net.JoinHostPort(c.LocalIP, strconv.Itoa(int(c.LocalPort))) + "|" +
		net.JoinHostPort(c.RemoteIP, strconv.Itoa(int(c.RemotePort)))
}

// ListenKey identifies a listening socket across polls.
func (c Conn) ListenKey() string {
	return c.Protocol + "|" + net.JoinHostPort(c.LocalIP, strconv.Itoa(int(c.LocalPort)))
}

// ConnTable holds the sockets seen in one observation.
type ConnTable struct {
	Established map[string]Conn
	Listening   map[string]Conn
}

// Connections reads the host's inet socket table.
type Connections struct{}

// Observe returns established connections and listening sockets.
func (Connections) Observe(ctx context.Context) (ConnTable, error) {
	stats, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return ConnTable{}, fmt.Errorf("list connections: %w", err)
	}
	return BuildConnTable(stats), nil
}

// BuildConnTable classifies raw socket rows.
func BuildConnTable(stats []psnet.ConnectionStat) ConnTable {
	table := ConnTable{
		Established: make(map[string]Conn),
		Listening:   make(map[string]Conn),
	}
	for _, s := range stats {
		c := Conn{
			PID:        s.Pid,
			Protocol:   protocol(s.Type),
			LocalIP:    s.Laddr.IP,
			LocalPort:  s.Laddr.Port,
			RemoteIP:   s.Raddr.IP,
			RemotePort: s.Raddr.Port,
			Status:     s.Status,
		}
		switch {
		case s.Status == "LISTEN":
			table.Listening[c.ListenKey()] = c
		case s.Status == "ESTABLISHED":
			table.Established[c.Key()] = c
		case c.Protocol == "udp" && c.RemoteIP == "" && c.LocalPort != 0:
			// udp has no LISTEN state; an unconnected bound socket is a listener
			table.Listening[c.ListenKey()] = c
		}
	}
	return table
}

func protocol(sockType uint32) string {
	switch sockType {
	case 1:
		return "tcp"
	case 2:
		return "udp"
	default:
		return "unknown"
	}
}
