package platform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileState is the identity of one file at observation time.
type FileState struct {
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode
	// Hash is the hex SHA-256 of the content, set only for small sensitive files.
	Hash string
	// Root is the monitored directory this file was found under.
	Root string
}

// Same reports whether two observations describe unchanged content.
func (s FileState) Same(o FileState) bool {
	if s.Hash != "" && o.Hash != "" {
		return s.Hash == o.Hash
	}
	return s.Size == o.Size && s.ModTime.Equal(o.ModTime)
}

// FileTree walks a set of roots and records a FileState per regular file.
type FileTree struct {
	Roots []string
	// Exclude skips any path containing one of these substrings.
	Exclude []string
	// Sensitive paths (files or directory prefixes) get content hashes.
	Sensitive []string
	// HashMaxBytes caps the size of files that are hashed.
	HashMaxBytes int64
	// MaxFiles stops a walk that would exceed this many files (0 = unlimited).
	MaxFiles int
}

// ErrTooManyFiles is returned when a walk exceeds FileTree.MaxFiles.
var ErrTooManyFiles = errors.New("file limit exceeded")

// Observe walks every root. Missing roots are skipped; if every root is
// missing, the first error is returned. Unreadable subdirectories are skipped.
func (t *FileTree) Observe(ctx context.Context) (map[string]FileState, error) {
	out := make(map[string]FileState)
	var firstErr error
	found := 0

	for _, root := range t.Roots {
		info, err := os.Stat(root)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		found++
		if !info.IsDir() {
			st, err := t.state(root, root, info)
			if err == nil {
				out[root] = st
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if d != nil && d.IsDir() && path != root {
					return fs.SkipDir
				}
				return nil
			}
			if t.excluded(path) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			st, err := t.state(root, path, info)
			if err != nil {
				return nil
			}
			out[path] = st
			if t.MaxFiles > 0 && len(out) > t.MaxFiles {
				return fmt.Errorf("%s: %w (%d)", root, ErrTooManyFiles, t.MaxFiles)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if found == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (t *FileTree) state(root, path string, info fs.FileInfo) (FileState, error) {
	st := FileState{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    info.Mode(),
		Root:    root,
	}
	if t.IsSensitive(path) && info.Size() <= t.HashMaxBytes {
		h, err := hashFile(path)
		if err != nil {
			return st, err
		}
		st.Hash = h
	}
	return st, nil
}

// IsSensitive reports whether path is, or lies under, a sensitive path.
func (t *FileTree) IsSensitive(path string) bool {
	for _, s := range t.Sensitive {
		if path == s || strings.HasPrefix(path, strings.TrimRight(s, string(filepath.Separator))+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (t *FileTree) excluded(path string) bool {
	for _, ex := range t.Exclude {
		if ex != "" && strings.Contains(path, ex) {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
