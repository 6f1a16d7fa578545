package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	psutil "github.com/shirou/gopsutil/v3/process"
)

// Process is one row of the process table.
type Process struct {
	PID        int32
	PPID       int32
	Name       string
	Command    string
	CPUPercent float64
	// CreateTime is milliseconds since the epoch; it tells a reused pid apart.
	CreateTime int64
}

type cpuSample struct {
	total      float64
	at         time.Time
	createTime int64
}

// ProcessTable lists running processes. CPUPercent is computed from the CPU
// time consumed since the previous Observe, so the first observation of a
// process reports its lifetime average.
type ProcessTable struct {
	mu   sync.Mutex
	prev map[int32]cpuSample
	now  func() time.Time
}

// NewProcessTable creates a ProcessTable.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{prev: make(map[int32]cpuSample), now: time.Now}
}

// Observe returns the process table keyed by pid. Processes that exit while
// being read are skipped.
func (t *ProcessTable) Observe(ctx context.Context) (map[int32]Process, error) {
	procs, err := psutil.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make(map[int32]Process, len(procs))
	next := make(map[int32]cpuSample, len(procs))

	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		ppid, _ := p.PpidWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		created, _ := p.CreateTimeWithContext(ctx)

		var cpu float64
		if times, err := p.TimesWithContext(ctx); err == nil {
			total := times.User + times.System
			if prev, ok := t.prev[p.Pid]; ok && prev.createTime == created {
				if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 {
					cpu = (total - prev.total) / elapsed * 100
				}
			} else if pct, err := p.CPUPercentWithContext(ctx); err == nil {
				cpu = pct
			}
			next[p.Pid] = cpuSample{total: total, at: now, createTime: created}
		}

		out[p.Pid] = Process{
			PID:        p.Pid,
			PPID:       ppid,
			Name:       name,
			Command:    cmdline,
			CPUPercent: cpu,
			CreateTime: created,
		}
	}
	t.prev = next
	return out, nil
}
