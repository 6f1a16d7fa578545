package main

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iyulab/system-vigil/internal/event"
	"github.com/iyulab/system-vigil/internal/journal"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	ev, err := buildEvent("ssh", "warning", "sshd", "Failed password", map[string]string{"user": "root"}, now)
	require.NoError(t, err)
	assert.Equal(t, event.TypeSSH, ev.Type)
	assert.Equal(t, "root", ev.Context["user"])
	assert.Equal(t, now.Truncate(time.Millisecond), ev.Timestamp)

	_, err = buildEvent("dns", "loud", "x", "m", nil, now)
	require.Error(t, err)
	assert.True(t, event.IsValidationError(err))
}

func TestRulesCheck_Builtin(t *testing.T) {
	out, err := execute(t, "rules", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "mass-file-modification")
	assert.Contains(t, out, "0 invalid")
}

func TestRulesCheck_DirWithInvalidRule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "r.yml"), []byte(`name: fine
threshold: 1
window: 1m
---
name: broken
threshold: 1
window: forever
`), 0o600))

	out, err := execute(t, "rules", "check", dir)
	require.Error(t, err)
	assert.Contains(t, out, "fine")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, `"broken"`)
}

func TestConfigFlag_MissingFileIsAnError(t *testing.T) {
	_, err := execute(t, "rules", "check", "--config", filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestReplayAndExport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	t.Setenv("VIGIL_JOURNAL_DIR", dir)

	j, err := journal.Open(dir, nil)
	require.NoError(t, err)
	for _, msg := range []string{"first", "second"} {
		ev, err := buildEvent("cron", "info", "cron", msg, nil, time.Now())
		require.NoError(t, err)
		require.NoError(t, j.Append(ev))
	}

	out, err := execute(t, "replay")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3, out)
	assert.Contains(t, lines[0], `"message":"first"`)
	assert.Contains(t, lines[1], `"message":"second"`)
	assert.Contains(t, lines[2], "replayed 2 events")

	zipPath := filepath.Join(t.TempDir(), "evidence.zip")
	_, err = execute(t, "export", zipPath)
	require.NoError(t, err)

	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, filepath.Base(f.Name))
	}
	assert.Contains(t, names, "package_info.json")
	assert.Contains(t, names, "manifest.json")
	assert.Len(t, names, 4)
}

func TestEmit_NoBroker(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "none.sock")
	t.Setenv("VIGIL_SOCKET", sock)
	_, err := execute(t, "emit", "--type", "ssh", "--message", "hello")
	assert.Error(t, err)
}
