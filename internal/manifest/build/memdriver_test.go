package build

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cuemby/pgbackup/internal/storage"
)

// memDriver is a minimal in-memory storage.Driver for build tests: real
// filesystem symlink semantics aren't needed to exercise the filter and
// incremental-assignment rules, only a List that reports the entry types
// and a NewRead that returns fixed content.
type memDriver struct {
	entries []storage.Entry
	content map[string][]byte
}

func newMemDriver() *memDriver {
	return &memDriver{content: map[string][]byte{}}
}

func (d *memDriver) addFile(name string, content []byte, ts time.Time) {
	d.entries = append(d.entries, storage.Entry{Name: name, Type: storage.EntryFile, Size: int64(len(content)), Timestamp: ts})
	d.content[name] = content
}

func (d *memDriver) addDir(name string, mode os.FileMode) {
	d.entries = append(d.entries, storage.Entry{Name: name, Type: storage.EntryPath, Mode: mode})
}

func (d *memDriver) addLink(name, dest string) {
	d.entries = append(d.entries, storage.Entry{Name: name, Type: storage.EntryLink, LinkDestination: dest})
}

func (d *memDriver) Info(_ context.Context, path string, _ storage.Level) (*storage.Info, error) {
	for _, e := range d.entries {
		if e.Name == path {
			return &storage.Info{Exists: true, Type: e.Type, Size: e.Size, Timestamp: e.Timestamp, LinkDestination: e.LinkDestination}, nil
		}
	}
	return &storage.Info{Exists: false}, nil
}

func (d *memDriver) List(_ context.Context, prefix string, _ storage.ListOptions, sink storage.Sink) error {
	for _, e := range d.entries {
		if prefix != "" && !strings.HasPrefix(e.Name, prefix) {
			continue
		}
		if err := sink(e); err != nil {
			return err
		}
	}
	return nil
}

func (d *memDriver) NewRead(_ context.Context, path string, _ storage.ReadOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(d.content[path]))), nil
}

func (d *memDriver) NewWrite(_ context.Context, _ string, _ storage.WriteOptions) (io.WriteCloser, error) {
	panic("not used in build tests")
}

func (d *memDriver) Remove(_ context.Context, _ string, _ bool) error { return nil }

func (d *memDriver) PathRemove(_ context.Context, _ string, _ bool) error { return nil }

func (d *memDriver) Features() storage.FeatureSet { return 0 }
