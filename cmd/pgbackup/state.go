package main

import (
	"os"
	"path/filepath"

	"github.com/cuemby/pgbackup/internal/config"
)

// resumeStateDir picks where the controller's bbolt resume-state
// database lives: next to a posix repo, or under the system temp
// directory for an object-storage repo that has no local directory of
// its own.
func resumeStateDir(cfg *config.Config) string {
	if cfg.RepoType == config.RepoTypePosix && cfg.RepoPath != "" {
		dir := filepath.Join(cfg.RepoPath, ".pgbackup-state")
		_ = os.MkdirAll(dir, 0o750)
		return dir
	}
	dir := filepath.Join(os.TempDir(), "pgbackup-state")
	_ = os.MkdirAll(dir, 0o750)
	return dir
}
