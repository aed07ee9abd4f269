package persistence

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tmpMaxAge = 1 * time.Hour

func isTmpName(name string) bool {
	return strings.Contains(name, ".tmp.")
}

// CleanupTmpFiles removes any "*.tmp.*" file in state/ older than one hour,
// left behind by a process that died between writing the temp file and
// renaming it into place (spec.md §4.A startup cleanup).
func (s *Store) CleanupTmpFiles() error {
	entries, err := os.ReadDir(s.StateDir())
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-tmpMaxAge)
	for _, e := range entries {
		if e.IsDir() || !isTmpName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			slog.Warn("persistence: stat tmp file during cleanup", "name", e.Name(), "err", err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.StateDir(), e.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("persistence: remove stale tmp file", "path", path, "err", err)
			continue
		}
		slog.Info("persistence: removed stale tmp file", "path", path, "age", time.Since(info.ModTime()))
	}
	return nil
}
