// Package platform provides OS detection, per-OS watcher defaults, and the
// system observers the watchers poll.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Defaults are the OS-specific starting values for watcher configuration.
type Defaults struct {
	// SocketPath is the broker's ingress socket.
	SocketPath string
	// JournalDir is where the event journal lives.
	JournalDir string
	// WatchPaths are directories the filesystem watcher polls.
	WatchPaths []string
	// SensitivePaths are files or directories whose every change is reported.
	SensitivePaths []string
	// ExecutableExtensions mark files treated as executables regardless of mode bits.
	ExecutableExtensions []string
	// SuspiciousPatterns are regular expressions matched against process command lines.
	SuspiciousPatterns []string
	// UnusualParents are process names that should rarely spawn children.
	UnusualParents []string
	// Shells are interpreter names whose `-c` children are flagged.
	Shells []string
}

// DetectOS returns the current operating system identifier.
func DetectOS() string {
	return runtime.GOOS
}

// DefaultsFor returns the defaults for goos. Unknown systems get the Linux set.
func DefaultsFor(goos string) Defaults {
	switch goos {
	case "windows":
		return WindowsDefaults()
	case "darwin":
		return DarwinDefaults()
	default:
		return LinuxDefaults()
	}
}

// CurrentDefaults returns the defaults for the running OS with ~ expanded.
func CurrentDefaults() Defaults {
	d := DefaultsFor(DetectOS())
	d.SocketPath = ExpandHome(d.SocketPath)
	d.JournalDir = ExpandHome(d.JournalDir)
	d.WatchPaths = expandAll(d.WatchPaths)
	d.SensitivePaths = expandAll(d.SensitivePaths)
	return d
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func expandAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = ExpandHome(p)
	}
	return out
}
