package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/iyulab/system-vigil/internal/config"
	"github.com/iyulab/system-vigil/internal/event"
	"github.com/iyulab/system-vigil/internal/platform"
)

// FileSnapshot maps a path to its observed state.
type FileSnapshot = map[string]platform.FileState

// FileObserver produces file snapshots. platform.FileTree implements it.
type FileObserver interface {
	Observe(ctx context.Context) (FileSnapshot, error)
}

// Change kinds.
const (
	ChangeCreated  = "created"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
)

type fileChange struct {
	path  string
	kind  string
	state platform.FileState
}

// Filesystem reports file changes under the monitored roots. Bursts of
// changes in one root collapse into a single event.
type Filesystem struct {
	obs        FileObserver
	roots      []string
	sensitive  platform.FileTree
	extensions []string
	burst      int
	mass       int
	maxListed  int
}

// NewFilesystem builds the filesystem source. A nil obs walks cfg.Paths.
func NewFilesystem(cfg config.FilesystemConfig, obs FileObserver) (*Filesystem, error) {
	if len(cfg.Paths) == 0 {
		return nil, &config.ConfigurationError{Component: "watchers.filesystem", Err: errors.New("no paths configured")}
	}
	if obs == nil {
		obs = &platform.FileTree{
			Roots:        cfg.Paths,
			Exclude:      cfg.Exclude,
			Sensitive:    cfg.SensitivePaths,
			HashMaxBytes: cfg.HashMaxBytes,
			MaxFiles:     cfg.MaxFiles,
		}
	}
	maxListed := cfg.MaxFilesListed
	if maxListed <= 0 {
		maxListed = 50
	}
	return &Filesystem{
		obs:        obs,
		roots:      cfg.Paths,
		sensitive:  platform.FileTree{Sensitive: cfg.SensitivePaths},
		extensions: lo.Map(cfg.ExecutableExtensions, func(e string, _ int) string { return strings.ToLower(e) }),
		burst:      cfg.BurstThreshold,
		mass:       cfg.MassChangeThreshold,
		maxListed:  maxListed,
	}, nil
}

func (f *Filesystem) Name() string { return "filesystem" }

func (f *Filesystem) Observe(ctx context.Context) (FileSnapshot, error) {
	return f.obs.Observe(ctx)
}

// Diff groups created, modified and deleted files by monitored root.
func (f *Filesystem) Diff(prev, cur FileSnapshot) []event.Observation {
	byRoot := make(map[string][]fileChange)
	for path, st := range cur {
		old, ok := prev[path]
		switch {
		case !ok:
			byRoot[st.Root] = append(byRoot[st.Root], fileChange{path, ChangeCreated, st})
		case !old.Same(st):
			byRoot[st.Root] = append(byRoot[st.Root], fileChange{path, ChangeModified, st})
		}
	}
	for path, st := range prev {
		if _, ok := cur[path]; !ok {
			byRoot[st.Root] = append(byRoot[st.Root], fileChange{path, ChangeDeleted, st})
		}
	}

	roots := lo.Keys(byRoot)
	sort.Strings(roots)
	var out []event.Observation
	for _, root := range roots {
		changes := byRoot[root]
		sort.Slice(changes, func(i, j int) bool { return changes[i].path < changes[j].path })
		if len(changes) > f.burst {
			out = append(out, f.burstObservation(root, changes))
			continue
		}
		for _, c := range changes {
			if o, ok := f.fileObservation(root, c); ok {
				out = append(out, o)
			}
		}
	}
	return out
}

func (f *Filesystem) burstObservation(root string, changes []fileChange) event.Observation {
	counts := lo.CountValuesBy(changes, func(c fileChange) string { return c.kind })
	files := lo.Map(changes, func(c fileChange, _ int) string { return c.path })
	if len(files) > f.maxListed {
		files = files[:f.maxListed]
	}

	o := event.Observation{
		Type:     event.TypeFilesystem,
		Severity: event.SeverityWarning,
		Source:   "watcher.filesystem",
		Message:  fmt.Sprintf("%d files changed in %s", len(changes), root),
		Context: map[string]any{
			"directory":  root,
			"file_count": len(changes),
			"files":      files,
			"created":    counts[ChangeCreated],
			"modified":   counts[ChangeModified],
			"deleted":    counts[ChangeDeleted],
		},
	}
	if f.mass > 0 && len(changes) >= f.mass {
		o.Type = event.TypeRansomware
		o.Severity = event.SeverityCritical
		o.Message = fmt.Sprintf("mass file change: %d files in %s", len(changes), root)
	}
	return o
}

func (f *Filesystem) fileObservation(root string, c fileChange) (event.Observation, bool) {
	class := ""
	switch {
	case f.sensitive.IsSensitive(c.path):
		class = "sensitive"
	case f.isExecutable(c):
		class = "executable"
	default:
		return event.Observation{}, false
	}
	return event.Observation{
		Type:     event.TypeFilesystem,
		Severity: event.SeverityWarning,
		Source:   "watcher.filesystem",
		Message:  fmt.Sprintf("%s file %s: %s", class, c.kind, c.path),
		Context: map[string]any{
			"path":       c.path,
			"change":     c.kind,
			"directory":  root,
			"size":       c.state.Size,
			"path_class": class,
		},
	}, true
}

func (f *Filesystem) isExecutable(c fileChange) bool {
	if c.state.Mode.IsRegular() && c.state.Mode.Perm()&0o111 != 0 {
		return true
	}
	return lo.Contains(f.extensions, strings.ToLower(filepath.Ext(c.path)))
}

// watchNotify nudges an early poll whenever fsnotify reports a change under
// one of roots. Roots that cannot be watched are skipped.
func watchNotify(ctx context.Context, roots []string, nudge chan<- struct{}, logger *zap.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	watched := 0
	for _, root := range roots {
		if err := w.Add(root); err != nil {
			logger.Debug("notify watch skipped", zap.String("path", root), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		w.Close()
		return errors.New("fsnotify: no watchable roots")
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op == fsnotify.Chmod {
					continue
				}
				select {
				case nudge <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Debug("notify error", zap.Error(err))
			}
		}
	}()
	return nil
}
