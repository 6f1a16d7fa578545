package journal

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Package describes an exported journal archive.
type Package struct {
	Version     string        `json:"version"`
	Hostname    string        `json:"hostname"`
	OS          string        `json:"os"`
	CreatedAt   time.Time     `json:"created_at"`
	ToolVersion string        `json:"tool_version"`
	Files       []PackageFile `json:"files"`
}

// PackageFile records a file included in the archive.
type PackageFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Export writes a ZIP archive of every journal file plus manifest.json (when
// present) to zipPath, and adds a package_info.json listing each file's hash.
func (j *Journal) Export(zipPath, hostname, osName, toolVersion string) error {
	names, err := j.files()
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(j.dir, manifestName)); err == nil {
		names = append(names, manifestName)
	}

	zipFile, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create zip: %w", err)
	}
	defer zipFile.Close()

	w := zip.NewWriter(zipFile)
	defer w.Close()

	prefix := filepath.Base(j.dir)
	var files []PackageFile
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			continue
		}
		zf, err := w.Create(prefix + "/" + name)
		if err != nil {
			return fmt.Errorf("zip create %s: %w", name, err)
		}
		if _, err := zf.Write(content); err != nil {
			return fmt.Errorf("zip write %s: %w", name, err)
		}
		h := sha256.Sum256(content)
		files = append(files, PackageFile{
			Name:   name,
			SHA256: hex.EncodeToString(h[:]),
			Size:   int64(len(content)),
		})
	}

	pkg := Package{
		Version:     "1.0",
		Hostname:    hostname,
		OS:          osName,
		CreatedAt:   time.Now().UTC(),
		ToolVersion: toolVersion,
		Files:       files,
	}
	pkgJSON, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal package info: %w", err)
	}
	zf, err := w.Create(prefix + "/package_info.json")
	if err != nil {
		return fmt.Errorf("zip create package_info: %w", err)
	}
	if _, err := zf.Write(pkgJSON); err != nil {
		return fmt.Errorf("zip write package_info: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close zip writer: %w", err)
	}
	return zipFile.Close()
}
