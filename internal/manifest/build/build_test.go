package build

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgbackup/internal/manifest"
)

// TestBuildOfflinePG95FilterRulesAndTablespace walks a minimal PG 9.5
// cluster offline: PG_VERSION is kept, base/1/555 is skipped because its
// _init fork is present (555_init itself is kept), base/1/t1_1 is a temporary
// relation and skipped, global/pg_internal.init is excluded outright
// while global/pg_internal.init.allow (not an exact-basename match) is
// kept, and tablespace 1 (symlinked to an external directory) appears
// under pg_tblspc/1 with its own relation file.
func TestBuildOfflinePG95FilterRulesAndTablespace(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	pgdata := newMemDriver()
	pgdata.addFile("PG_VERSION", []byte("9.5"), ts)
	pgdata.addDir("base", 0700)
	pgdata.addDir("base/1", 0700)
	pgdata.addFile("base/1/555_init", []byte("init-fork"), ts)
	pgdata.addFile("base/1/555", []byte("main-fork-stale"), ts)
	pgdata.addFile("base/1/t1_1", []byte("temp-relation"), ts)
	pgdata.addDir("global", 0700)
	pgdata.addFile("global/pg_internal.init", []byte("catalog-cache"), ts)
	pgdata.addFile("global/pg_internal.init.allow", []byte("kept"), ts)
	pgdata.addLink("pg_tblspc/1", "../../ts/1")

	tblspc1 := newMemDriver()
	tblspc1.addDir("PG_9.5_201510051", 0700)
	tblspc1.addDir("PG_9.5_201510051/1", 0700)
	tblspc1.addFile("PG_9.5_201510051/1/16384", []byte("12345678"), ts)

	opts := Options{
		Storage:   pgdata,
		PGVersion: 90500,
		Online:    false,
		Tablespaces: []TablespaceSpec{
			{ID: "1", Name: "tblspc1", Storage: tblspc1},
		},
		CopyStart: ts,
	}

	m, err := Build(context.Background(), "20260101-000000F", manifest.TypeFull, opts)
	require.NoError(t, err)

	require.Contains(t, m.Files, "pg_data/PG_VERSION")
	require.Contains(t, m.Files, "pg_data/base/1/555_init")
	require.NotContains(t, m.Files, "pg_data/base/1/555")
	require.NotContains(t, m.Files, "pg_data/base/1/t1_1")
	require.NotContains(t, m.Files, "pg_data/global/pg_internal.init")
	require.Contains(t, m.Files, "pg_data/global/pg_internal.init.allow")
	require.Contains(t, m.Files, "pg_tblspc/1/PG_9.5_201510051/1/16384")

	_, hasPgData := m.Targets["pg_data"]
	require.True(t, hasPgData)
	tblspcTarget, hasTblspc := m.Targets["pg_tblspc/1"]
	require.True(t, hasTblspc)
	require.Equal(t, "1", tblspcTarget.TablespaceID)
	require.Equal(t, "tblspc1", tblspcTarget.TablespaceName)

	require.Equal(t, "0700", m.Defaults.Path.Mode)
}

func TestBuildMarksPrimaryOnlyFiles(t *testing.T) {
	ts := time.Now()
	pgdata := newMemDriver()
	pgdata.addDir("global", 0700)
	pgdata.addFile("global/pg_control", []byte("control-data"), ts)
	pgdata.addDir("pg_xact", 0700)
	pgdata.addFile("pg_xact/0000", []byte("xact-data"), ts)

	opts := Options{Storage: pgdata, PGVersion: 130000, CopyStart: ts}
	m, err := Build(context.Background(), "label", manifest.TypeFull, opts)
	require.NoError(t, err)

	require.True(t, m.Files["pg_data/global/pg_control"].PrimaryOnly)
	require.True(t, m.Files["pg_data/pg_xact/0000"].PrimaryOnly)
}

func TestBuildIncrementalReferencesUnchangedFiles(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	prior := manifest.New("20260101-000000F", manifest.TypeFull)
	prior.Header.Label = "20260101-000000F"
	prior.Files["pg_data/PG_VERSION"] = manifest.File{Name: "pg_data/PG_VERSION", Size: 3, RepoSize: 3, Timestamp: ts, Checksum: "unchanged"}

	pgdata := newMemDriver()
	pgdata.addFile("PG_VERSION", []byte("9.5"), ts)
	pgdata.addFile("new_file", []byte("new-content"), ts)

	opts := Options{Storage: pgdata, PGVersion: 90500, CopyStart: ts.Add(time.Hour), Prior: prior}
	m, err := Build(context.Background(), "20260102-000000I", manifest.TypeIncr, opts)
	require.NoError(t, err)

	pgVersionFile := m.Files["pg_data/PG_VERSION"]
	require.False(t, pgVersionFile.Copy)
	require.Equal(t, "20260101-000000F", pgVersionFile.Reference)

	newFile := m.Files["pg_data/new_file"]
	require.True(t, newFile.Copy)
	require.Empty(t, newFile.Reference)

	require.Contains(t, m.Header.Reference, "20260101-000000F")
}

func TestBuildWarnsAndCopiesOnTimestampRegression(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	prior := manifest.New("priorLabel", manifest.TypeFull)
	prior.Files["pg_data/PG_VERSION"] = manifest.File{Name: "pg_data/PG_VERSION", Size: 3, RepoSize: 3, Timestamp: ts}

	pgdata := newMemDriver()
	pgdata.addFile("PG_VERSION", []byte("9.5"), ts.Add(-time.Hour))

	opts := Options{Storage: pgdata, PGVersion: 90500, CopyStart: ts, Prior: prior}
	m, err := Build(context.Background(), "label", manifest.TypeDiff, opts)
	require.NoError(t, err)

	require.True(t, m.Files["pg_data/PG_VERSION"].Copy)
}

func TestSelectBlockIncrAppliesSizeAndAgeMaps(t *testing.T) {
	policy := BlockIncrPolicy{
		SizeMap:         map[int64]int64{1 << 20: 16 * 1024, 1 << 30: 1024 * 1024},
		AgeMultiplier:   map[time.Duration]float64{30 * 24 * time.Hour: 0.5},
		ChecksumSizeMap: map[int64]int64{16 * 1024: 16, 8 * 1024: 16, 1024 * 1024: 32},
	}
	bi := selectBlockIncr(policy, 500*1024, time.Now())
	require.NotNil(t, bi)
	require.Equal(t, int64(16*1024), bi.BlockSize)
	require.Equal(t, int64(16), bi.ChecksumSize)
}

func TestSelectBlockIncrNoMatchReturnsNil(t *testing.T) {
	policy := BlockIncrPolicy{SizeMap: map[int64]int64{1024: 64}}
	bi := selectBlockIncr(policy, 1<<40, time.Now())
	require.Nil(t, bi)
}
