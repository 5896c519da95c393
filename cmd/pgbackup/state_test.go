package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/pgbackup/internal/config"
)

func TestResumeStateDirPosixNestsUnderRepoPath(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{RepoType: config.RepoTypePosix, RepoPath: dir}

	got := resumeStateDir(cfg)
	assert.Equal(t, filepath.Join(dir, ".pgbackup-state"), got)
}

func TestResumeStateDirFallsBackToTempForNonPosixRepo(t *testing.T) {
	cfg := &config.Config{RepoType: config.RepoTypeS3}

	got := resumeStateDir(cfg)
	assert.Contains(t, got, "pgbackup-state")
}
