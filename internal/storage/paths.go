package storage

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"

	"media-optimizer/internal/filesystem"
)

// Layout selects how output directories are derived.
type Layout string

// Output layouts.
const (
	LayoutDate   Layout = "date"
	LayoutMirror Layout = "mirror"
)

// DefaultMaxNameLength keeps generated names under common 255-byte limits
// with room for collision suffixes.
const DefaultMaxNameLength = 200

const nameHashLength = 8

// JobOutputDir returns the directory a job's outputs are promoted into.
// Mirror layout falls back to the date layout for inputs outside MediaDir.
func (m *Manager) JobOutputDir(inputPath string, at time.Time) string {
	if m.cfg.Layout == LayoutMirror && m.cfg.MediaDir != "" {
		rel, err := filepath.Rel(m.cfg.MediaDir, filepath.Dir(inputPath))
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return filepath.Join(m.cfg.OutputDir, rel)
		}
	}
	return filepath.Join(m.cfg.OutputDir, at.Format("2006"), at.Format("01"), at.Format("02"))
}

// OutputName returns "<stem>_<quality><ext>" for an input, shortening stems
// that would push the name past the configured maximum.
func (m *Manager) OutputName(inputPath, quality, ext string) string {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	suffix := "_" + quality + ext

	if len(stem)+len(suffix) > m.cfg.MaxNameLength {
		sum := blake2b.Sum256([]byte(stem))
		hash := hex.EncodeToString(sum[:])[:nameHashLength]
		keep := m.cfg.MaxNameLength - len(suffix) - len(hash) - 1
		stem = truncateUTF8(stem, max(keep, 0)) + "_" + hash
	}
	return stem + suffix
}

// OutputPath returns a path under JobOutputDir that does not exist yet.
func (m *Manager) OutputPath(inputPath, quality, ext string, at time.Time) string {
	dir := m.JobOutputDir(inputPath, at)
	name := m.OutputName(inputPath, quality, ext)
	path := filepath.Join(dir, name)

	base := strings.TrimSuffix(name, ext)
	for i := 1; filesystem.Exists(path, m.retry); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, i, ext))
	}
	return path
}

// StagingDir is the scratch directory for a job's in-flight encodes.
func (m *Manager) StagingDir(jobID string) string {
	return filepath.Join(m.cfg.TempDir, jobID)
}

// StagingPath is where the encoder writes one quality before validation.
func (m *Manager) StagingPath(jobID, quality, ext string) string {
	return filepath.Join(m.StagingDir(jobID), quality+ext)
}

// RemoveStaging deletes a job's scratch directory.
func (m *Manager) RemoveStaging(jobID string) error {
	if jobID == "" {
		return nil
	}
	if err := os.RemoveAll(m.StagingDir(jobID)); err != nil {
		return fmt.Errorf("failed to remove staging directory for job %s: %w", jobID, err)
	}
	return nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
