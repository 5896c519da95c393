package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgbackup/internal/manifest"
	"github.com/cuemby/pgbackup/internal/storage"
	"github.com/cuemby/pgbackup/internal/storage/posix"
)

func TestParseBackupType(t *testing.T) {
	cases := map[string]manifest.BackupType{
		"full": manifest.TypeFull,
		"FULL": manifest.TypeFull,
		"diff": manifest.TypeDiff,
		"incr": manifest.TypeIncr,
	}
	for in, want := range cases {
		got, err := parseBackupType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := parseBackupType("bogus")
	assert.Error(t, err)
}

func TestBackupLabelSuffixAndOrdering(t *testing.T) {
	t1 := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	full := backupLabel(t1, manifest.TypeFull)
	diff := backupLabel(t1, manifest.TypeDiff)
	incr := backupLabel(t1, manifest.TypeIncr)
	later := backupLabel(t2, manifest.TypeFull)

	assert.Equal(t, "20260729-100000F", full)
	assert.Equal(t, "20260729-100000D", diff)
	assert.Equal(t, "20260729-100000I", incr)
	assert.Less(t, full, later)
}

func TestLatestLabelPicksLexicographicMax(t *testing.T) {
	dir := t.TempDir()
	d := posix.New(dir)
	ctx := context.Background()

	for _, label := range []string{"20260101-000000F", "20260201-000000D", "20260115-000000D"} {
		require.NoError(t, d.PathRemove(ctx, "backup/main/"+label, true))
		w, err := d.NewWrite(ctx, "backup/main/"+label+"/.keep", storage.WriteOptions{})
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	got, err := latestLabel(ctx, d, "backup/main")
	require.NoError(t, err)
	assert.Equal(t, "20260201-000000D", got)
}

func TestLatestLabelEmptyWhenNoBackups(t *testing.T) {
	dir := t.TempDir()
	d := posix.New(dir)

	got, err := latestLabel(context.Background(), d, "backup/main")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestPendingJobsOnlyIncludesFilesMarkedCopy(t *testing.T) {
	m := manifest.New("20260729-100000F", manifest.TypeFull)
	m.Files["pg_data/base/1"] = manifest.File{Name: "pg_data/base/1", Copy: true}
	m.Files["pg_data/base/2"] = manifest.File{Name: "pg_data/base/2", Copy: false}
	m.Files["pg_data/PG_VERSION"] = manifest.File{Name: "pg_data/PG_VERSION", Copy: true}

	jobs := pendingJobs(m, "main", m.Header.Label, "/var/lib/postgresql/data")

	require.Len(t, jobs, 2)
	names := []string{jobs[0].name, jobs[1].name}
	assert.Contains(t, names, "pg_data/base/1")
	assert.Contains(t, names, "pg_data/PG_VERSION")
	for _, j := range jobs {
		assert.Equal(t, j.name, j.req.Key)
		assert.Equal(t, "backup/main/20260729-100000F/"+j.name, j.req.RepoPath)
	}
}
