package format

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pgbackup/internal/manifest"
	"github.com/cuemby/pgbackup/internal/storage"
)

func sampleManifest() *manifest.Manifest {
	m := manifest.New("20260101-000000F", manifest.TypeFull)
	m.Header.ArchiveStart = "000000010000000000000001"
	m.Header.ArchiveStop = "000000010000000000000002"
	m.Header.TimestampStart = time.Unix(1750000000, 0).UTC()
	m.Header.TimestampStop = time.Unix(1750000100, 0).UTC()
	m.Header.TimestampCopyStart = time.Unix(1750000010, 0).UTC()
	m.Database = manifest.DatabaseDescriptor{
		CatalogVersion: "201809051",
		ControlVersion: "1300",
		ID:             "1",
		SystemID:       "6898955977809267454",
		Version:        "13",
	}
	m.Options[manifest.OptionOnline] = true
	m.Options[manifest.OptionCompressType] = "zst"

	m.Targets["pg_tblspc/1"] = manifest.Target{
		Name: "pg_tblspc/1", Type: manifest.TargetTypeLink, Path: "/ts/1",
		TablespaceID: "1", TablespaceName: "tblspc1",
	}
	m.Links["pg_data/postgresql.auto.conf"] = manifest.Link{
		Name: "pg_data/postgresql.auto.conf", Destination: "/etc/pg/auto.conf",
		Attrs: manifest.Attrs{Mode: "0600", User: "postgres", Group: "postgres"},
	}
	m.Paths["pg_data"] = manifest.Attrs{Mode: "0700", User: "postgres", Group: "postgres"}
	m.Files["pg_data/PG_VERSION"] = manifest.File{
		Name: "pg_data/PG_VERSION", Size: 2, RepoSize: 2,
		Timestamp: time.Unix(1750000005, 0).UTC(),
		Checksum:  "88723a0fa29f6453f6b3cde3e650d1ad7d854ce8",
		Attrs:     manifest.Attrs{Mode: "0600", User: "postgres", Group: "postgres"},
	}
	m.Files["pg_data/global/pg_control"] = manifest.File{
		Name: "pg_data/global/pg_control", Size: 8192, RepoSize: 8192,
		Timestamp:   time.Unix(1750000006, 0).UTC(),
		Checksum:    "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		PrimaryOnly: true,
		BlockIncr:   &manifest.BlockIncr{BlockSize: 1024, ChecksumSize: 20, MapSize: 180},
	}
	m.AddReference("20251201-000000F")
	m.Finalize(map[string]string{"env": "staging"})
	return m
}

func TestRoundTripPreservesFields(t *testing.T) {
	m := sampleManifest()

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, m))
	require.NotEmpty(t, m.Checksum)

	loaded, err := Load(&buf)
	require.NoError(t, err)

	assert.Equal(t, m.Header.Label, loaded.Header.Label)
	assert.Equal(t, m.Header.Type, loaded.Header.Type)
	assert.Equal(t, m.Header.ArchiveStart, loaded.Header.ArchiveStart)
	assert.Equal(t, m.Header.TimestampStart.Unix(), loaded.Header.TimestampStart.Unix())
	assert.ElementsMatch(t, m.Header.Reference, loaded.Header.Reference)
	assert.Equal(t, m.Header.Annotation["env"], loaded.Header.Annotation["env"])

	assert.Equal(t, m.Database, loaded.Database)

	assert.Equal(t, true, loaded.Options[manifest.OptionOnline])
	assert.Equal(t, "zst", loaded.Options[manifest.OptionCompressType])

	tgt := loaded.Targets["pg_tblspc/1"]
	assert.Equal(t, "1", tgt.TablespaceID)
	assert.Equal(t, "tblspc1", tgt.TablespaceName)
	assert.Equal(t, "/ts/1", tgt.Path)

	lnk := loaded.Links["pg_data/postgresql.auto.conf"]
	assert.Equal(t, "/etc/pg/auto.conf", lnk.Destination)
	assert.Equal(t, "0600", lnk.Attrs.Mode)

	assert.Equal(t, "0700", loaded.Paths["pg_data"].Mode)

	ver := loaded.Files["pg_data/PG_VERSION"]
	assert.Equal(t, int64(2), ver.Size)
	assert.Equal(t, "88723a0fa29f6453f6b3cde3e650d1ad7d854ce8", ver.Checksum)
	assert.Equal(t, "0600", ver.Attrs.Mode)

	ctrl := loaded.Files["pg_data/global/pg_control"]
	assert.True(t, ctrl.PrimaryOnly)
	require.NotNil(t, ctrl.BlockIncr)
	assert.Equal(t, int64(1024), ctrl.BlockIncr.BlockSize)
	assert.Equal(t, int64(180), ctrl.BlockIncr.MapSize)

	assert.Equal(t, m.Checksum, loaded.Checksum)
}

func TestLoadDetectsCorruption(t *testing.T) {
	m := sampleManifest()
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, m))

	corrupt := buf.Bytes()
	idx := bytes.Index(corrupt, []byte("backup-label"))
	require.True(t, idx >= 0)
	corrupt[idx] = 'X'

	_, err := Load(bytes.NewReader(corrupt))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

func TestLoadIgnoresUnknownSectionsAndKeys(t *testing.T) {
	m := sampleManifest()
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, m))

	// Inject into the body, then reseal it with a matching checksum footer
	// so the unknown content is the only difference from a valid file.
	raw := buf.String()
	footerIdx := strings.LastIndex(raw, "\n[backrest]\n")
	body := strings.Replace(raw[:footerIdx], "\n[backup]\n", "\n[backup]\nbackup-unknown-future-key=\"x\"\n\n[future:section]\nfuture-key=\"y\"\n", 1)
	sum := sha1.Sum([]byte(body))
	injected := body + "\n[backrest]\nbackrest-checksum=\"" + hex.EncodeToString(sum[:]) + "\"\n"

	loaded, err := Load(strings.NewReader(injected))
	require.NoError(t, err)
	assert.Equal(t, m.Header.Label, loaded.Header.Label)
}

type memDriver struct {
	content map[string][]byte
}

func newMemDriver() *memDriver { return &memDriver{content: map[string][]byte{}} }

func (d *memDriver) Info(ctx context.Context, path string, level storage.Level) (*storage.Info, error) {
	b, ok := d.content[path]
	if !ok {
		return &storage.Info{Exists: false}, nil
	}
	return &storage.Info{Exists: true, Type: storage.EntryFile, Size: int64(len(b))}, nil
}

func (d *memDriver) List(ctx context.Context, path string, opts storage.ListOptions, sink storage.Sink) error {
	return nil
}

func (d *memDriver) NewRead(ctx context.Context, path string, opts storage.ReadOptions) (io.ReadCloser, error) {
	b, ok := d.content[path]
	if !ok {
		return nil, assertMissing(path)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type memWriter struct {
	d    *memDriver
	path string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memWriter) Close() error {
	w.d.content[w.path] = w.buf.Bytes()
	return nil
}

func (d *memDriver) NewWrite(ctx context.Context, path string, opts storage.WriteOptions) (io.WriteCloser, error) {
	return &memWriter{d: d, path: path}, nil
}

func (d *memDriver) Remove(ctx context.Context, path string, errorOnMissing bool) error {
	delete(d.content, path)
	return nil
}

func (d *memDriver) PathRemove(ctx context.Context, path string, recursive bool) error { return nil }

func (d *memDriver) Features() storage.FeatureSet { return 0 }

func assertMissing(path string) error {
	return &missingErr{path: path}
}

type missingErr struct{ path string }

func (e *missingErr) Error() string { return "not found: " + e.path }

func TestSaveLoadFromDriverTwoCopyFallback(t *testing.T) {
	d := newMemDriver()
	m := sampleManifest()

	require.NoError(t, SaveToDriver(context.Background(), d, "repo", m))
	assert.Contains(t, d.content, "repo/"+MainFile)
	assert.Contains(t, d.content, "repo/"+CopyFile)

	loaded, err := LoadFromDriver(context.Background(), d, "repo")
	require.NoError(t, err)
	assert.Equal(t, m.Header.Label, loaded.Header.Label)

	delete(d.content, "repo/"+MainFile)
	loaded, err = LoadFromDriver(context.Background(), d, "repo")
	require.NoError(t, err)
	assert.Equal(t, m.Header.Label, loaded.Header.Label)

	delete(d.content, "repo/"+CopyFile)
	_, err = LoadFromDriver(context.Background(), d, "repo")
	require.Error(t, err)
}
