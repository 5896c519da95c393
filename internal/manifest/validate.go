package manifest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/cuemby/pgbackup/internal/errkind"
)

// EmptyChecksum is the SHA-1 of zero-length content, the canonical
// checksum for a file with no bytes.
var EmptyChecksum = func() string {
	sum := sha1.Sum(nil)
	return hex.EncodeToString(sum[:])
}()

// Validate checks the invariants from §3 that must hold after build and
// after load. It returns the first violation found, wrapped with enough
// context to locate it.
func (m *Manifest) Validate() error {
	referenced := make(map[string]bool, len(m.Header.Reference))
	for _, l := range m.Header.Reference {
		referenced[l] = true
	}

	for name, f := range m.Files {
		if f.Size <= 0 && f.Checksum != EmptyChecksum {
			return errkind.New(errkind.AssertError, name, fmt.Errorf("non-positive size but a non-empty-content checksum"))
		}
		if f.HasContent() && f.RepoSize <= 0 {
			return errkind.New(errkind.AssertError, name, fmt.Errorf("has content but repo-size <= 0"))
		}
		if f.Reference != "" && !referenced[f.Reference] {
			return errkind.New(errkind.AssertError, name, fmt.Errorf("references label %q, which is not in the manifest reference list", f.Reference))
		}
	}

	if err := m.checkFileLinkCollisions(); err != nil {
		return err
	}
	if err := m.checkPgTblspc(); err != nil {
		return err
	}
	return m.LinkCheck()
}

// checkFileLinkCollisions enforces "file-links sharing a destination
// file are an error".
func (m *Manifest) checkFileLinkCollisions() error {
	seen := map[string]string{}
	for name, t := range m.Targets {
		if t.Type != TargetTypeLink || t.File == "" {
			continue
		}
		dest := path.Join(t.Path, t.File)
		if other, ok := seen[dest]; ok {
			return errkind.New(errkind.LinkDestinationError, name, fmt.Errorf("and %q are file-links to the same destination %q", other, dest))
		}
		seen[dest] = name
	}
	return nil
}

// checkPgTblspc enforces "pg_tblspc contains only symlinks".
func (m *Manifest) checkPgTblspc() error {
	for name := range m.Files {
		if strings.HasPrefix(name, "pg_tblspc/") {
			return errkind.New(errkind.LinkExpectedError, name, fmt.Errorf("regular file under pg_tblspc, which must contain only symlinks"))
		}
	}
	return nil
}

// LinkCheck computes each link target's destination (its path, joined
// with its file name for a file link) and enforces the subdirectory and
// same-file rules from §3 and §4.7. A relative target path is compared
// as written, not resolved against another path, and a link pointing at
// another link is not detected. Validate calls it; the backup and
// restore commands call neither.
func (m *Manifest) LinkCheck() error {
	pgData := m.Targets["pg_data"].Path

	type resolved struct {
		name string
		dest string
		file bool
	}
	var links []resolved
	for name, t := range m.Targets {
		if t.Type != TargetTypeLink {
			continue
		}
		dest := t.Path
		if t.File != "" {
			dest = path.Join(t.Path, t.File)
		}
		links = append(links, resolved{name: name, dest: path.Clean(dest), file: t.File != ""})
	}

	cleanPgData := path.Clean(pgData)
	for _, l := range links {
		if l.dest == cleanPgData || isSubdir(l.dest, cleanPgData) {
			return errkind.New(errkind.LinkDestinationError, l.name, fmt.Errorf("destination %q is pgdata or a subdirectory of it", l.dest))
		}
		for _, other := range links {
			if other.name == l.name {
				continue
			}
			if !l.file && isSubdir(other.dest, l.dest) {
				return errkind.New(errkind.LinkDestinationError, l.name, fmt.Errorf("destination %q contains link %q destination %q", l.dest, other.name, other.dest))
			}
			if l.file && other.file && l.dest == other.dest {
				return errkind.New(errkind.LinkDestinationError, l.name, fmt.Errorf("and %q both resolve to file %q", other.name, l.dest))
			}
		}
	}
	return nil
}

// isSubdir reports whether child is a strict subdirectory path of
// parent (both already path.Clean'd).
func isSubdir(child, parent string) bool {
	if child == parent {
		return false
	}
	return strings.HasPrefix(child, parent+"/")
}
