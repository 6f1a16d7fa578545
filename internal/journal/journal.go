// Package journal is the durable, append-only record of accepted events.
// Each event is one JSON file; the directory is the source of truth a late
// broker or a reconciliation pass replays from.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iyulab/system-vigil/internal/event"
)

const (
	filePrefix   = "event_"
	fileSuffix   = ".json"
	nameTimeFmt  = "20060102_150405.000000000"
	manifestName = "manifest.json"
)

// FileHash records the SHA-256 hash of a journal file.
type FileHash struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

// Journal appends events to a directory.
// Thread-safe: multiple goroutines may call Append concurrently.
type Journal struct {
	dir    string
	logger *zap.Logger

	mu       sync.Mutex
	lastName time.Time
}

// Open creates the journal directory if needed.
func Open(dir string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{dir: dir, logger: logger.Named("journal")}, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Append durably writes ev. The file is written under a temporary name and
// renamed into place, so readers never observe a partial record.
func (j *Journal) Append(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	j.mu.Lock()
	name := j.nextName(ev.ID)
	j.mu.Unlock()

	path := filepath.Join(j.dir, name)
	tmp, err := os.CreateTemp(j.dir, ".tmp-"+ev.ID+"-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// nextName returns a file name that sorts after every name handed out before.
// Caller must hold j.mu.
func (j *Journal) nextName(id string) string {
	now := time.Now().UTC()
	if !now.After(j.lastName) {
		now = j.lastName.Add(time.Nanosecond)
	}
	j.lastName = now
	stamp := strings.Replace(now.Format(nameTimeFmt), ".", "_", 1)
	return filePrefix + stamp + "_" + id + fileSuffix
}

// ReplayStats summarizes a replay pass.
type ReplayStats struct {
	Replayed   int
	Skipped    int
	Duplicates int
}

// Replay calls fn for every journaled event with Timestamp >= since, in
// append order. Unreadable or invalid files are logged and skipped. An
// event_id recorded twice (by a writer and a broker sharing the directory)
// is replayed once. A non-nil error from fn stops the replay.
func (j *Journal) Replay(ctx context.Context, since time.Time, fn func(event.Event) error) (ReplayStats, error) {
	var stats ReplayStats

	names, err := j.files()
	if err != nil {
		return stats, err
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		data, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			j.logger.Warn("skip unreadable journal file", zap.String("file", name), zap.Error(err))
			stats.Skipped++
			continue
		}
		ev, err := event.ParseWire(data)
		if err != nil {
			j.logger.Warn("skip invalid journal file", zap.String("file", name), zap.Error(err))
			stats.Skipped++
			continue
		}
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		if _, dup := seen[ev.ID]; dup {
			stats.Duplicates++
			continue
		}
		seen[ev.ID] = struct{}{}
		if err := fn(ev); err != nil {
			return stats, err
		}
		stats.Replayed++
	}
	return stats, nil
}

// files returns journal file names in append order.
func (j *Journal) files() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("read journal dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, filePrefix) || !strings.HasSuffix(n, fileSuffix) {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Manifest records journal file hashes for integrity verification.
type Manifest struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Hostname    string     `json:"hostname"`
	Files       []FileHash `json:"files"`
}

// SaveManifest hashes every journal file currently on disk and writes the
// result to manifest.json.
func (j *Journal) SaveManifest(hostname string) error {
	files, err := j.Hashes()
	if err != nil {
		return err
	}
	manifest := Manifest{
		GeneratedAt: time.Now().UTC(),
		Hostname:    hostname,
		Files:       files,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(j.dir, manifestName), data, 0o600)
}

// Hashes reads and hashes every journal file in append order. Unreadable
// files are logged and left out.
func (j *Journal) Hashes() ([]FileHash, error) {
	names, err := j.files()
	if err != nil {
		return nil, err
	}
	out := make([]FileHash, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			j.logger.Warn("skip unreadable journal file", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, FileHash{File: name, SHA256: sha256Hex(data), Size: len(data)})
	}
	return out, nil
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
