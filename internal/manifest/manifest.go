// Package manifest defines the backup manifest data model: the central
// record of what a backup contains, how it relates to any prior backup
// it is incremental against, and the file-level metadata the restore
// path needs to reconstruct a cluster. See internal/manifest/build for
// how one is produced and internal/manifest/format for how it is
// serialized.
package manifest

import "time"

// BackupType is the backup's relationship to any prior backup.
type BackupType string

const (
	TypeFull BackupType = "full"
	TypeDiff BackupType = "diff"
	TypeIncr BackupType = "incr"
)

// Header is the top-level `[backup]` section: everything about the
// backup itself rather than about the cluster or its files.
type Header struct {
	Label      string
	PriorLabel string
	Type       BackupType

	ArchiveStart string
	ArchiveStop  string
	LSNStart     string
	LSNStop      string

	TimestampStart     time.Time
	TimestampStop      time.Time
	TimestampCopyStart time.Time

	// Reference is the ordered, de-duplicated union of every prior
	// backup label referenced by any file in this manifest.
	Reference []string

	BundleEnabled    bool
	BundleRaw        bool
	BlockIncrEnabled bool

	// Annotation holds user-supplied key/value pairs; empty values are
	// stripped at Finalize.
	Annotation map[string]string
}

// DatabaseDescriptor is the `[backup:db]` section.
type DatabaseDescriptor struct {
	CatalogVersion string
	ControlVersion string
	ID             string
	SystemID       string
	Version        string
}

// Option is one of the recognized `[backup:option]` keys.
type Option string

const (
	OptionArchiveCheck         Option = "archive-check"
	OptionArchiveCopy          Option = "archive-copy"
	OptionBackupStandby        Option = "backup-standby"
	OptionBufferSize           Option = "buffer-size"
	OptionChecksumPage         Option = "checksum-page"
	OptionCompress             Option = "compress"
	OptionCompressLevel        Option = "compress-level"
	OptionCompressLevelNetwork Option = "compress-level-network"
	OptionCompressType         Option = "compress-type"
	OptionDelta                Option = "delta"
	OptionHardlink             Option = "hardlink"
	OptionOnline               Option = "online"
	OptionProcessMax           Option = "process-max"
)

// Options holds the subset of recognized options meaningful for this
// backup's type; absent keys are simply not emitted.
type Options map[Option]interface{}

// TargetType distinguishes a plain path target from a symlink target.
type TargetType string

const (
	TargetTypePath TargetType = "path"
	TargetTypeLink TargetType = "link"
)

// Target is one entry of the `[backup:target]` section, keyed by Name.
// The set always contains an entry named "pg_data".
type Target struct {
	Name string
	Type TargetType
	Path string

	// File is set iff this is a link target pointing at a single file
	// rather than a directory.
	File string

	TablespaceID   string
	TablespaceName string
}

// IsPgData reports whether this target is the cluster's data directory.
func (t Target) IsPgData() bool { return t.Name == "pg_data" }

// Attrs overrides the inherited default mode/user/group for a single
// path, file, or link entry.
type Attrs struct {
	Mode  string
	User  string
	Group string
}

// ChecksumPageStatus records the result of a page-checksum verification
// pass over a file's content.
type ChecksumPageStatus struct {
	OK          bool
	ErrorOffset []int64 // byte offsets of pages that failed verification
}

// BlockIncr holds the block-incremental sizing computed for a file at
// build time (internal/manifest/build), consumed by the worker that
// produces the file's block map.
type BlockIncr struct {
	BlockSize    int64
	ChecksumSize int64
	MapSize      int64
}

// File is one entry of the `[target:file]` section, the dominant
// cardinality in a manifest (may be millions of entries).
type File struct {
	Name string

	Size         int64
	OriginalSize int64 // set iff repo-size differs from logical size (e.g. compression)
	RepoSize     int64
	Timestamp    time.Time
	Checksum     string // SHA-1 hex of content

	// Reference is the label of the prior backup supplying this file's
	// content, set when this file was not copied this backup.
	Reference string

	Attrs

	ChecksumPage *ChecksumPageStatus
	BlockIncr    *BlockIncr

	// Copy is true iff this file's content must be copied this backup.
	Copy bool
	// Resume is true iff partial content survives from a prior failed
	// attempt and may be resumed rather than recopied from scratch.
	Resume bool

	// PrimaryOnly marks files that must be read from the primary even
	// when backup-standby is enabled (internal/manifest/build §4.7).
	PrimaryOnly bool
}

// HasContent reports whether this file is expected to carry bytes (as
// opposed to being the canonical empty-content placeholder).
func (f File) HasContent() bool { return f.Size > 0 }

// Link is one entry of the `[target:link]` section.
type Link struct {
	Name        string
	Destination string
	Attrs
}

// Defaults holds the mode/user/group most common among a section's
// entries; emitting only the deviations from these drastically shrinks
// the manifest on disk.
type Defaults struct {
	Path Attrs
	File Attrs
	Link Attrs
}

// Manifest is the full backup manifest: header, database descriptor,
// options, targets, paths, files, links, defaults, optional cipher
// sub-pass, and the integrity trailer computed at save time.
type Manifest struct {
	Header   Header
	Database DatabaseDescriptor
	Options  Options

	Targets map[string]Target
	Paths   map[string]Attrs
	Files   map[string]File
	Links   map[string]Link

	Defaults Defaults

	// CipherSubPass is an opaque string stored when repository
	// encryption is enabled; empty otherwise.
	CipherSubPass string

	// Checksum is the trailer checksum over the serialized body,
	// recomputed by internal/manifest/format on every save.
	Checksum string
}

// New returns an empty Manifest with its pg_data target already present,
// per §3's invariant that the target set always contains it.
func New(label string, typ BackupType) *Manifest {
	m := &Manifest{
		Header:  Header{Label: label, Type: typ, Annotation: map[string]string{}},
		Options: Options{},
		Targets: map[string]Target{},
		Paths:   map[string]Attrs{},
		Files:   map[string]File{},
		Links:   map[string]Link{},
	}
	m.Targets["pg_data"] = Target{Name: "pg_data", Type: TargetTypePath, Path: "/"}
	return m
}

// AddReference appends label to the header's reference list unless it
// is already present, keeping the list ordered and unique as §3
// requires.
func (m *Manifest) AddReference(label string) {
	for _, l := range m.Header.Reference {
		if l == label {
			return
		}
	}
	m.Header.Reference = append(m.Header.Reference, label)
}

// Finalize attaches annotations (stripping empty values) and computes
// the per-section Defaults. It does not compute the on-disk checksum —
// that happens in internal/manifest/format at save time, over the
// serialized bytes.
func (m *Manifest) Finalize(annotations map[string]string) {
	if m.Header.Annotation == nil {
		m.Header.Annotation = map[string]string{}
	}
	for k, v := range annotations {
		if v == "" {
			continue
		}
		m.Header.Annotation[k] = v
	}
	m.Defaults = computeDefaults(m.Paths, m.Files, m.Links)
}

func computeDefaults(paths map[string]Attrs, files map[string]File, links map[string]Link) Defaults {
	return Defaults{
		Path: mostCommon(attrsOf(paths)),
		File: mostCommon(fileAttrs(files)),
		Link: mostCommon(linkAttrs(links)),
	}
}

func attrsOf(m map[string]Attrs) []Attrs {
	out := make([]Attrs, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	return out
}

func fileAttrs(m map[string]File) []Attrs {
	out := make([]Attrs, 0, len(m))
	for _, f := range m {
		out = append(out, f.Attrs)
	}
	return out
}

func linkAttrs(m map[string]Link) []Attrs {
	out := make([]Attrs, 0, len(m))
	for _, l := range m {
		out = append(out, l.Attrs)
	}
	return out
}

// mostCommon returns the most frequently occurring Attrs value, field
// by field (mode, user, and group are tallied independently, since a
// cluster is commonly all-one-user with a handful of distinct modes).
func mostCommon(attrs []Attrs) Attrs {
	modes := map[string]int{}
	users := map[string]int{}
	groups := map[string]int{}
	for _, a := range attrs {
		modes[a.Mode]++
		users[a.User]++
		groups[a.Group]++
	}
	return Attrs{Mode: topKey(modes), User: topKey(users), Group: topKey(groups)}
}

func topKey(counts map[string]int) string {
	best := ""
	bestN := 0
	for k, n := range counts {
		if n > bestN {
			best, bestN = k, n
		}
	}
	return best
}
