package journal

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iyulab/system-vigil/internal/event"
)

func testEvent(msg string, ts time.Time) event.Event {
	return event.Event{
		ID:        event.NewID(),
		Timestamp: ts,
		Type:      event.TypeFilesystem,
		Severity:  event.SeverityInfo,
		Source:    "watcher.filesystem",
		Message:   msg,
		Context:   map[string]any{"directory": "/tmp/x"},
	}
}

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return j
}

func TestAppend_WritesOneFilePerEvent(t *testing.T) {
	j := openTemp(t)
	ev := testEvent("one", time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, j.Append(ev))

	entries, err := os.ReadDir(j.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	name := entries[0].Name()
	assert.True(t, strings.HasPrefix(name, "event_"))
	assert.True(t, strings.HasSuffix(name, "_"+ev.ID+".json"))

	data, err := os.ReadFile(filepath.Join(j.Dir(), name))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, ev.ID, raw["event_id"])
	assert.Equal(t, "2025-03-01T08:00:00.000Z", raw["timestamp"])
}

func TestHashes_ReadFromDisk(t *testing.T) {
	j := openTemp(t)
	require.NoError(t, j.Append(testEvent("a", time.Now())))
	require.NoError(t, j.Append(testEvent("b", time.Now())))

	// A second handle on the same directory sees files it never appended.
	reopened, err := Open(j.Dir(), nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Append(testEvent("c", time.Now())))

	hashes, err := reopened.Hashes()
	require.NoError(t, err)
	require.Len(t, hashes, 3)
	for _, h := range hashes {
		assert.Len(t, h.SHA256, 64)
		assert.Positive(t, h.Size)
		data, err := os.ReadFile(filepath.Join(j.Dir(), h.File))
		require.NoError(t, err)
		assert.Equal(t, sha256Hex(data), h.SHA256)
	}
}

func TestAppend_UnwritableDirFails(t *testing.T) {
	j := openTemp(t)
	require.NoError(t, os.RemoveAll(j.Dir()))

	err := j.Append(testEvent("lost", time.Now()))
	assert.Error(t, err)
}

func TestReplay_AppendOrder(t *testing.T) {
	j := openTemp(t)
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	var want []string
	for i := 0; i < 20; i++ {
		ev := testEvent("e", base)
		want = append(want, ev.ID)
		require.NoError(t, j.Append(ev))
	}

	var got []string
	stats, err := j.Replay(context.Background(), time.Time{}, func(ev event.Event) error {
		got = append(got, ev.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 20, stats.Replayed)
}

func TestReplay_SinceFilters(t *testing.T) {
	j := openTemp(t)
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, j.Append(testEvent("old", base)))
	require.NoError(t, j.Append(testEvent("new", base.Add(time.Hour))))

	var msgs []string
	_, err := j.Replay(context.Background(), base.Add(time.Minute), func(ev event.Event) error {
		msgs = append(msgs, ev.Message)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, msgs)
}

func TestReplay_SkipsCorruptFiles(t *testing.T) {
	j := openTemp(t)
	require.NoError(t, j.Append(testEvent("good", time.Now())))
	require.NoError(t, os.WriteFile(filepath.Join(j.Dir(), "event_00000000_000000_000000000_bad.json"), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(j.Dir(), "notes.txt"), []byte("ignored"), 0o600))

	stats, err := j.Replay(context.Background(), time.Time{}, func(event.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Replayed)
	assert.Equal(t, 1, stats.Skipped)
}

func TestReplay_SharedDirectoryReplaysEachEventOnce(t *testing.T) {
	writerSide := openTemp(t)
	brokerSide, err := Open(writerSide.Dir(), nil)
	require.NoError(t, err)

	ev := testEvent("shared", time.Now())
	require.NoError(t, writerSide.Append(ev))
	require.NoError(t, brokerSide.Append(ev))
	require.NoError(t, brokerSide.Append(testEvent("broker only", time.Now())))

	var got []string
	stats, err := brokerSide.Replay(context.Background(), time.Time{}, func(e event.Event) error {
		got = append(got, e.Message)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"shared", "broker only"}, got)
	assert.Equal(t, 2, stats.Replayed)
	assert.Equal(t, 1, stats.Duplicates)
}

func TestReplay_CallbackErrorStops(t *testing.T) {
	j := openTemp(t)
	require.NoError(t, j.Append(testEvent("a", time.Now())))
	require.NoError(t, j.Append(testEvent("b", time.Now())))

	stop := errors.New("stop")
	calls := 0
	_, err := j.Replay(context.Background(), time.Time{}, func(event.Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestAppend_Concurrent(t *testing.T) {
	j := openTemp(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 10; k++ {
				assert.NoError(t, j.Append(testEvent("c", time.Now())))
			}
		}()
	}
	wg.Wait()

	stats, err := j.Replay(context.Background(), time.Time{}, func(event.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 80, stats.Replayed)
	hashes, err := j.Hashes()
	require.NoError(t, err)
	assert.Len(t, hashes, 80)
}

func TestSaveManifest(t *testing.T) {
	j := openTemp(t)
	require.NoError(t, j.Append(testEvent("a", time.Now())))
	require.NoError(t, j.SaveManifest("host-1"))
	// Saving again must not list manifest.json itself.
	require.NoError(t, j.SaveManifest("host-1"))

	data, err := os.ReadFile(filepath.Join(j.Dir(), "manifest.json"))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "host-1", m.Hostname)
	assert.Len(t, m.Files, 1)
}

func TestExport(t *testing.T) {
	j := openTemp(t)
	require.NoError(t, j.Append(testEvent("a", time.Now())))
	require.NoError(t, j.Append(testEvent("b", time.Now())))
	require.NoError(t, j.SaveManifest("host-1"))

	zipPath := filepath.Join(t.TempDir(), "journal.zip")
	require.NoError(t, j.Export(zipPath, "host-1", "linux", "test"))

	r, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer r.Close()

	var names []string
	var info Package
	for _, f := range r.File {
		names = append(names, filepath.Base(f.Name))
		if filepath.Base(f.Name) == "package_info.json" {
			rc, err := f.Open()
			require.NoError(t, err)
			require.NoError(t, json.NewDecoder(rc).Decode(&info))
			rc.Close()
		}
	}
	assert.Contains(t, names, "manifest.json")
	assert.Contains(t, names, "package_info.json")
	assert.Len(t, names, 4)
	assert.Equal(t, "host-1", info.Hostname)
	assert.Len(t, info.Files, 3)
}
