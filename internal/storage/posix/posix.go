// Package posix implements the storage.Driver interface over a local
// filesystem repository. It is the simplest of the drivers and serves as
// the reference implementation of the write-atomicity contract
// (temp-name + rename) the S3 driver achieves via multipart abort instead.
package posix

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/pgbackup/internal/errkind"
	"github.com/cuemby/pgbackup/internal/storage"
)

// Driver stores a repository tree rooted at Base.
type Driver struct {
	Base string
}

// New returns a Driver rooted at base.
func New(base string) *Driver { return &Driver{Base: base} }

func (d *Driver) full(path string) string { return filepath.Join(d.Base, path) }

// Info implements storage.Driver.
func (d *Driver) Info(_ context.Context, path string, level storage.Level) (*storage.Info, error) {
	fi, err := os.Lstat(d.full(path))
	if os.IsNotExist(err) {
		return &storage.Info{Exists: false}, nil
	}
	if err != nil {
		return nil, errkind.New(errkind.FileOpenError, path, err)
	}
	info := &storage.Info{Exists: true, Timestamp: fi.ModTime(), Mode: fi.Mode().Perm()}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		info.Type = storage.EntryLink
		dest, err := os.Readlink(d.full(path))
		if err != nil {
			return nil, errkind.New(errkind.FileReadError, path, err)
		}
		info.LinkDestination = dest
	case fi.IsDir():
		info.Type = storage.EntryPath
	default:
		info.Type = storage.EntryFile
		info.Size = fi.Size()
	}
	if level == storage.LevelExists || level == storage.LevelType {
		info.Size = 0
		info.Timestamp = time.Time{}
	}
	return info, nil
}

// List implements storage.Driver.
func (d *Driver) List(ctx context.Context, path string, opts storage.ListOptions, sink storage.Sink) error {
	root := d.full(path)
	walk := func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if opts.FilterRegex != nil && !opts.FilterRegex.MatchString(rel) {
			if fi.IsDir() {
				return nil
			}
			return nil
		}
		entry := storage.Entry{Name: rel, Timestamp: fi.ModTime(), Mode: fi.Mode().Perm()}
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			entry.Type = storage.EntryLink
			if dest, err := os.Readlink(p); err == nil {
				entry.LinkDestination = dest
			}
		case fi.IsDir():
			entry.Type = storage.EntryPath
		default:
			entry.Type = storage.EntryFile
			entry.Size = fi.Size()
		}
		if err := sink(entry); err != nil {
			return err
		}
		if fi.IsDir() && !opts.Recursive && p != root {
			return filepath.SkipDir
		}
		return nil
	}
	if err := filepath.Walk(root, walk); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errkind.New(errkind.PathMissingError, path, err)
	}
	return nil
}

// NewRead implements storage.Driver.
func (d *Driver) NewRead(_ context.Context, path string, opts storage.ReadOptions) (io.ReadCloser, error) {
	f, err := os.Open(d.full(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.New(errkind.FileMissingError, path, err)
		}
		return nil, errkind.New(errkind.FileOpenError, path, err)
	}
	if opts.Offset > 0 {
		if _, err := f.Seek(opts.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, errkind.New(errkind.FileReadError, path, err)
		}
	}
	if opts.Limit > 0 {
		return &limitedReadCloser{r: io.LimitReader(f, opts.Limit), c: f}, nil
	}
	return f, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

// NewWrite implements storage.Driver. It writes to a temp name in the same
// directory and renames into place on Close, so a crash mid-write never
// leaves a partial file at the final name.
func (d *Driver) NewWrite(_ context.Context, path string, _ storage.WriteOptions) (io.WriteCloser, error) {
	full := d.full(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return nil, errkind.New(errkind.FileWriteError, path, err)
	}
	tmp := full + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, errkind.New(errkind.FileWriteError, path, err)
	}
	return &atomicWriter{f: f, tmp: tmp, final: full}, nil
}

type atomicWriter struct {
	f     *os.File
	tmp   string
	final string
}

func (w *atomicWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *atomicWriter) Close() error {
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmp)
		return err
	}
	return os.Rename(w.tmp, w.final)
}

// Remove implements storage.Driver.
func (d *Driver) Remove(_ context.Context, path string, errorOnMissing bool) error {
	err := os.Remove(d.full(path))
	if os.IsNotExist(err) {
		if errorOnMissing {
			return errkind.New(errkind.FileMissingError, path, err)
		}
		return nil
	}
	if err != nil {
		return errkind.New(errkind.FileRemoveError, path, err)
	}
	return nil
}

// PathRemove implements storage.Driver.
func (d *Driver) PathRemove(_ context.Context, path string, recursive bool) error {
	full := d.full(path)
	var err error
	if recursive {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil && !os.IsNotExist(err) {
		return errkind.New(errkind.FileRemoveError, path, err)
	}
	return nil
}

// Features implements storage.Driver.
func (d *Driver) Features() storage.FeatureSet { return 0 }
