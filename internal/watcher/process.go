package watcher

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/iyulab/system-vigil/internal/config"
	"github.com/iyulab/system-vigil/internal/event"
	"github.com/iyulab/system-vigil/internal/platform"
)

// ProcessSnapshot maps a pid to its process row.
type ProcessSnapshot = map[int32]platform.Process

// ProcessObserver produces process snapshots. platform.ProcessTable
// implements it.
type ProcessObserver interface {
	Observe(ctx context.Context) (ProcessSnapshot, error)
}

// Finding reasons carried in the reason context field.
const (
	ReasonSustainedCPU      = "sustained_cpu"
	ReasonSuspiciousPattern = "suspicious_pattern"
	ReasonUnusualParent     = "unusual_parent"
	ReasonShellScriptChild  = "shell_script_child"
)

// Process reports sustained CPU use, suspicious command lines and processes
// spawned by unusual parents.
type Process struct {
	obs          ProcessObserver
	cpuThreshold float64
	sustained    int
	patterns     []*regexp.Regexp
	parents      []string
	shells       []string

	// streak counts consecutive polls at or above cpuThreshold per pid.
	streak map[int32]int
	// flagged holds pids already reported for a suspicious command line.
	flagged map[int32]bool
}

// NewProcess builds the process source. A nil obs reads the live process
// table.
func NewProcess(cfg config.ProcessConfig, obs ProcessObserver) (*Process, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.SuspiciousPatterns))
	for _, p := range cfg.SuspiciousPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &config.ConfigurationError{Component: "watchers.process", Err: fmt.Errorf("suspicious_patterns: %w", err)}
		}
		patterns = append(patterns, re)
	}
	if obs == nil {
		obs = platform.NewProcessTable()
	}
	sustained := cfg.SustainedPolls
	if sustained <= 0 {
		sustained = 1
	}
	lower := func(s string, _ int) string { return strings.ToLower(s) }
	return &Process{
		obs:          obs,
		cpuThreshold: cfg.CPUThreshold,
		sustained:    sustained,
		patterns:     patterns,
		parents:      lo.Map(cfg.UnusualParents, lower),
		shells:       lo.Map(cfg.Shells, lower),
		streak:       make(map[int32]int),
		flagged:      make(map[int32]bool),
	}, nil
}

func (p *Process) Name() string { return "process" }

func (p *Process) Observe(ctx context.Context) (ProcessSnapshot, error) {
	return p.obs.Observe(ctx)
}

// Baseline scans the first snapshot for suspicious command lines.
func (p *Process) Baseline(cur ProcessSnapshot) []event.Observation {
	return p.scan(nil, cur, true)
}

func (p *Process) Diff(prev, cur ProcessSnapshot) []event.Observation {
	return p.scan(prev, cur, false)
}

func (p *Process) scan(prev, cur ProcessSnapshot, baseline bool) []event.Observation {
	pids := lo.Keys(cur)
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	var out []event.Observation
	for _, pid := range pids {
		proc := cur[pid]
		old, seen := prev[pid]
		if seen && old.CreateTime != proc.CreateTime {
			// pid reused by a new process
			seen = false
			delete(p.streak, pid)
			delete(p.flagged, pid)
		}

		if !p.flagged[pid] && p.suspicious(proc.Command) {
			p.flagged[pid] = true
			out = append(out, p.observation(proc, cur, prev, event.SeverityCritical, ReasonSuspiciousPattern,
				fmt.Sprintf("suspicious command line: %s (pid %d)", proc.Name, pid)))
		}

		if p.cpuThreshold > 0 && proc.CPUPercent >= p.cpuThreshold {
			p.streak[pid]++
			if p.streak[pid] == p.sustained {
				out = append(out, p.observation(proc, cur, prev, event.SeverityWarning, ReasonSustainedCPU,
					fmt.Sprintf("sustained high CPU: %s (pid %d) at %.1f%% for %d polls", proc.Name, pid, proc.CPUPercent, p.sustained)))
			}
		} else {
			delete(p.streak, pid)
		}

		if baseline || seen {
			continue
		}
		parent, ok := lookup(proc.PPID, cur, prev)
		if !ok {
			continue
		}
		parentName := strings.ToLower(parent.Name)
		switch {
		case lo.Contains(p.parents, parentName):
			out = append(out, p.observation(proc, cur, prev, event.SeverityWarning, ReasonUnusualParent,
				fmt.Sprintf("unusual parent: %s spawned %s (pid %d)", parent.Name, proc.Name, pid)))
		case lo.Contains(p.shells, parentName) && strings.Contains(parent.Command, " -c "):
			out = append(out, p.observation(proc, cur, prev, event.SeverityInfo, ReasonShellScriptChild,
				fmt.Sprintf("shell script child: %s spawned %s (pid %d)", parent.Name, proc.Name, pid)))
		}
	}

	for pid := range p.streak {
		if _, ok := cur[pid]; !ok {
			delete(p.streak, pid)
		}
	}
	for pid := range p.flagged {
		if _, ok := cur[pid]; !ok {
			delete(p.flagged, pid)
		}
	}
	return out
}

func (p *Process) suspicious(command string) bool {
	if command == "" {
		return false
	}
	return lo.SomeBy(p.patterns, func(re *regexp.Regexp) bool { return re.MatchString(command) })
}

func lookup(pid int32, snaps ...ProcessSnapshot) (platform.Process, bool) {
	for _, s := range snaps {
		if proc, ok := s[pid]; ok {
			return proc, true
		}
	}
	return platform.Process{}, false
}

func (p *Process) observation(proc platform.Process, cur, prev ProcessSnapshot, sev event.Severity, reason, msg string) event.Observation {
	parent, _ := lookup(proc.PPID, cur, prev)
	return event.Observation{
		Type:     event.TypeProcess,
		Severity: sev,
		Source:   "watcher.process",
		Message:  msg,
		Context: map[string]any{
			"pid":         proc.PID,
			"ppid":        proc.PPID,
			"name":        proc.Name,
			"command":     proc.Command,
			"cpu_percent": proc.CPUPercent,
			"parent":      parent.Name,
			"reason":      reason,
		},
	}
}
