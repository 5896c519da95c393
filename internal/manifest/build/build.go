// Package build produces a manifest.Manifest by walking a cluster's data
// directory (and its tablespaces) through a storage.Driver, applying the
// ignore/heuristic rules PostgreSQL backup tooling has always needed, and
// assigning each file either to be copied this backup or referenced from
// a prior one.
package build

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cuemby/pgbackup/internal/manifest"
	"github.com/cuemby/pgbackup/internal/storage"
)

// TablespaceSpec describes one tablespace to walk, rooted at its own
// driver rather than resolved through pg_tblspc's symlink — filepath.Walk
// in the posix driver does not descend into symlinked directories, so the
// caller resolves the link once and hands us the real root.
type TablespaceSpec struct {
	ID      string
	Name    string
	Storage storage.Driver
}

// BlockIncrPolicy maps a file's size and age to the block-incremental
// sizing the worker should use, per spec.md's block-incremental design.
type BlockIncrPolicy struct {
	// SizeMap is consulted in ascending key order; the first entry whose
	// key is >= the file size wins. Empty means block-incremental is
	// never applied by size.
	SizeMap map[int64]int64
	// AgeMultiplier scales the chosen block size down for files whose
	// timestamp is older than the given duration ago, largest duration
	// first match wins. A multiplier of 1 leaves the block size as-is.
	AgeMultiplier map[time.Duration]float64
	// ChecksumSizeMap maps a block size to the per-block checksum size.
	ChecksumSizeMap map[int64]int64
}

// Options configures a single manifest build.
type Options struct {
	Storage     storage.Driver // rooted at pg_data
	PGVersion   int            // e.g. 90500 for 9.5, 130004 for 13.4
	Online      bool
	Tablespaces []TablespaceSpec

	// Prior is the manifest being incremented against, nil for a full
	// backup.
	Prior *manifest.Manifest

	CopyStart time.Time

	BlockIncr *BlockIncrPolicy

	// Delta requests the user-facing "delta checksum" mode: a file whose
	// timestamp or size moved since Prior is re-hashed and referenced
	// anyway if the hash still matches, instead of being copied outright.
	// Build may also turn this on by itself (see forceDelta) regardless
	// of this field.
	Delta bool
}

// rawEntry is one walked filesystem entry before filter rules are
// applied. Name is the manifest-level path (target-prefixed, e.g.
// "pg_data/base/1/555" or "pg_tblspc/1/PG_9.5_201510051/1/16384"); rel is
// the path relative to the owning driver, used for filter rules (which
// are pg_data-relative) and for reading file content back from the right
// driver.
type rawEntry struct {
	storage.Entry
	rel          string
	tablespaceID string // "" for pg_data entries
}

// builtFile pairs a manifest-level name with its entry, computed ahead
// of the incremental decision so that decision can see every file's
// timestamp at once (needed for the future-dated-file check) before
// any of them is assigned Copy or Reference.
type builtFile struct {
	name string
	file manifest.File
}

// Build walks opts.Storage (and each tablespace) and returns a new
// manifest reflecting the cluster's current state, with Copy/Reference
// already assigned against opts.Prior.
func Build(ctx context.Context, label string, typ manifest.BackupType, opts Options) (*manifest.Manifest, error) {
	m := manifest.New(label, typ)
	m.Header.Type = typ
	m.Header.TimestampCopyStart = opts.CopyStart

	entries, err := walkAll(ctx, opts)
	if err != nil {
		return nil, err
	}

	siblings := siblingBasenames(entries)

	var files []builtFile
	futureTimestamp := false

	for _, e := range entries {
		if shouldIgnore(e, opts, siblings) {
			continue
		}
		switch e.Type {
		case storage.EntryPath:
			m.Paths[e.Name] = manifest.Attrs{Mode: modeString(e.Mode)}
		case storage.EntryLink:
			if err := addLink(m, e, opts); err != nil {
				return nil, err
			}
		case storage.EntryFile:
			f, err := buildFileEntry(ctx, e, opts)
			if err != nil {
				return nil, err
			}
			// Exactly copy-start is "past", per spec.md §8's boundary
			// behavior; only strictly-after counts as future-dated.
			if f.Timestamp.After(opts.CopyStart) {
				futureTimestamp = true
			}
			files = append(files, builtFile{name: e.Name, file: f})
		}
	}

	delta := opts.Delta
	if opts.Prior != nil {
		for _, ref := range opts.Prior.Header.Reference {
			m.AddReference(ref)
		}
		if forceDelta(opts.Prior, m, opts.Online, futureTimestamp) {
			delta = true
			log.Debug().Str("priorLabel", opts.Prior.Header.Label).Msg("forcing delta mode: timeline, online state, clock skew, or a future-dated file changed since prior backup")
		}
	}

	referencedPrior := false
	for _, bf := range files {
		f := bf.file
		assignIncremental(&f, opts.Prior, delta)
		if opts.Prior != nil && f.Reference == opts.Prior.Header.Label {
			referencedPrior = true
		}
		m.Files[bf.name] = f
	}
	if referencedPrior {
		m.AddReference(opts.Prior.Header.Label)
	}

	m.Finalize(nil)
	return m, nil
}

// walkAll lists pg_data and every tablespace, tagging each entry with its
// manifest-level path (target-prefixed) alongside its driver-relative
// path.
func walkAll(ctx context.Context, opts Options) ([]rawEntry, error) {
	var out []rawEntry
	if err := opts.Storage.List(ctx, "", storage.ListOptions{Recursive: true, Level: storage.LevelDetail}, func(e storage.Entry) error {
		rel := e.Name
		e.Name = path.Join("pg_data", rel)
		out = append(out, rawEntry{Entry: e, rel: rel})
		return nil
	}); err != nil {
		return nil, err
	}
	for _, ts := range opts.Tablespaces {
		id := ts.ID
		if err := ts.Storage.List(ctx, "", storage.ListOptions{Recursive: true, Level: storage.LevelDetail}, func(e storage.Entry) error {
			rel := e.Name
			e.Name = path.Join("pg_tblspc", id, rel)
			out = append(out, rawEntry{Entry: e, rel: rel, tablespaceID: id})
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// siblingBasenames indexes, per parent directory, the set of basenames
// present — the `_init` fork heuristic needs to know a relation's
// siblings before deciding whether to skip its main/_fsm/_vm forks.
func siblingBasenames(entries []rawEntry) map[string]map[string]bool {
	out := map[string]map[string]bool{}
	for _, e := range entries {
		if e.Type != storage.EntryFile {
			continue
		}
		dir := e.tablespaceID + ":" + path.Dir(e.rel)
		if out[dir] == nil {
			out[dir] = map[string]bool{}
		}
		out[dir][path.Base(e.rel)] = true
	}
	return out
}

func shouldIgnore(e rawEntry, opts Options, siblings map[string]map[string]bool) bool {
	if e.tablespaceID == "" {
		if ignoredByRootRule(e.rel, opts.PGVersion) {
			return true
		}
		if ignoredByDirectoryRule(e.rel, opts.PGVersion, opts.Online) {
			return true
		}
	}
	if e.Type == storage.EntryFile {
		dir := e.tablespaceID + ":" + path.Dir(e.rel)
		if applyRelationHeuristics(e.rel, siblings[dir]) {
			return true
		}
	}
	return false
}

func addLink(m *manifest.Manifest, e rawEntry, opts Options) error {
	inPgTblspc := strings.HasPrefix(e.rel, "pg_tblspc/") && e.tablespaceID == ""
	if !inPgTblspc {
		// Any symlink outside pg_tblspc becomes a target-level link entry
		// (e.g. a relocated pg_wal or config file); within pg_tblspc only
		// symlinks are expected, enforced by manifest.Validate.
		m.Links[e.Name] = manifest.Link{Name: e.Name, Destination: e.LinkDestination}
		return nil
	}
	id := strings.TrimPrefix(e.rel, "pg_tblspc/")
	name := "pg_tblspc/" + id
	var tsName string
	for _, ts := range opts.Tablespaces {
		if ts.ID == id {
			tsName = ts.Name
		}
	}
	m.Targets[name] = manifest.Target{
		Name:           name,
		Type:           manifest.TargetTypeLink,
		Path:           e.LinkDestination,
		TablespaceID:   id,
		TablespaceName: tsName,
	}
	return nil
}

func buildFileEntry(ctx context.Context, e rawEntry, opts Options) (manifest.File, error) {
	f := manifest.File{
		Name:      e.Name,
		Size:      e.Size,
		Timestamp: e.Timestamp,
		RepoSize:  e.Size,
		Attrs:     manifest.Attrs{Mode: modeString(e.Mode)},
	}
	if f.Size <= 0 {
		f.Checksum = emptyChecksum()
		return f, nil
	}
	driver := opts.Storage
	if e.tablespaceID != "" {
		for _, ts := range opts.Tablespaces {
			if ts.ID == e.tablespaceID {
				driver = ts.Storage
			}
		}
	}
	sum, err := checksumFile(ctx, driver, e.rel)
	if err != nil {
		return f, err
	}
	f.Checksum = sum
	if e.tablespaceID == "" {
		applyPrimaryOnly(&f, e.rel, opts.PGVersion)
	}
	if opts.BlockIncr != nil {
		if bi := selectBlockIncr(*opts.BlockIncr, f.Size, f.Timestamp); bi != nil {
			f.BlockIncr = bi
		}
	}
	return f, nil
}

func checksumFile(ctx context.Context, d storage.Driver, name string) (string, error) {
	r, err := d.NewRead(ctx, name, storage.ReadOptions{})
	if err != nil {
		return "", err
	}
	defer r.Close()
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func emptyChecksum() string {
	sum := sha1.Sum(nil)
	return hex.EncodeToString(sum[:])
}

// modeString renders a permission mode the way the manifest format
// stores it (an octal string like "0700"); a zero mode means the driver
// could not report one (e.g. object storage), and is left unset so
// Defaults computation doesn't skew toward an all-zero mode.
func modeString(mode os.FileMode) string {
	if mode == 0 {
		return ""
	}
	return fmt.Sprintf("0%o", mode.Perm())
}

// applyPrimaryOnly marks files that must always be read from the
// primary, even when backup-standby is enabled. rel is the pg_data-
// relative path (this attribution never applies to tablespace files).
func applyPrimaryOnly(f *manifest.File, rel string, pgVersion int) {
	if rel == "global/pg_control" {
		f.PrimaryOnly = true
		return
	}
	if pgVersion >= 100000 && strings.HasPrefix(rel, "pg_xact/") {
		f.PrimaryOnly = true
	}
	if pgVersion < 100000 && strings.HasPrefix(rel, "pg_clog/") {
		f.PrimaryOnly = true
	}
}

// selectBlockIncr picks the block-incremental sizing for a file, or nil
// if the policy doesn't apply (e.g. too small).
func selectBlockIncr(p BlockIncrPolicy, size int64, ts time.Time) *manifest.BlockIncr {
	if len(p.SizeMap) == 0 {
		return nil
	}
	keys := make([]int64, 0, len(p.SizeMap))
	for k := range p.SizeMap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var blockSize int64
	matched := false
	for _, k := range keys {
		if size <= k {
			blockSize = p.SizeMap[k]
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	age := time.Since(ts)
	var ages []time.Duration
	for d := range p.AgeMultiplier {
		ages = append(ages, d)
	}
	sort.Slice(ages, func(i, j int) bool { return ages[i] > ages[j] })
	for _, d := range ages {
		if age >= d {
			blockSize = int64(float64(blockSize) * p.AgeMultiplier[d])
			break
		}
	}
	if blockSize <= 0 {
		return nil
	}
	checksumSize := p.ChecksumSizeMap[blockSize]
	mapSize := (size/blockSize + 1) * checksumSize
	return &manifest.BlockIncr{BlockSize: blockSize, ChecksumSize: checksumSize, MapSize: mapSize}
}

// assignIncremental decides whether f must be copied this backup or can
// reference the prior backup's copy, per spec.md's incremental rules:
// unchanged files reference the prior; anything else not seen before, or
// whose timestamp or size moved since the prior, is a candidate for
// Copy — delta mode turns that candidacy into a checksum comparison
// instead of an unconditional copy.
func assignIncremental(f *manifest.File, prior *manifest.Manifest, delta bool) {
	if prior == nil {
		f.Copy = true
		return
	}
	pf, ok := prior.Files[f.Name]
	if !ok {
		f.Copy = true
		return
	}
	switch {
	case f.Timestamp.Equal(pf.Timestamp) && f.Size == pf.Size:
		referenceFrom(f, pf, prior)
	case f.Timestamp.Before(pf.Timestamp):
		log.Warn().Str("file", f.Name).Msg("file timestamp moved backward since prior backup")
		resolveChangedFile(f, pf, prior, delta)
	case f.Timestamp.Equal(pf.Timestamp) && f.Size != pf.Size:
		log.Warn().Str("file", f.Name).Msg("file size changed with an unchanged timestamp since prior backup")
		resolveChangedFile(f, pf, prior, delta)
	default:
		resolveChangedFile(f, pf, prior, delta)
	}
}

// referenceFrom marks f as unchanged relative to the prior's pf,
// referencing whichever label actually holds the content (the prior
// itself, or an ancestor the prior referenced).
func referenceFrom(f *manifest.File, pf manifest.File, prior *manifest.Manifest) {
	ref := pf.Reference
	if ref == "" {
		ref = prior.Header.Label
	}
	f.Reference = ref
	f.RepoSize = pf.RepoSize
	f.Checksum = pf.Checksum
	f.Copy = false
}

// resolveChangedFile handles every file whose timestamp or size no
// longer matches the prior's recorded values. Outside delta mode it
// copies unconditionally, per spec.md scenario 2. In delta mode, the
// checksum buildFileEntry already computed for f is compared against
// the prior's: a match means the timestamp/size drift was a clock lie
// or metadata-only change, not real content change, so the file is
// referenced instead of copied — per spec.md's "changed-timestamp files
// scheduled for checksum verification."
func resolveChangedFile(f *manifest.File, pf manifest.File, prior *manifest.Manifest, delta bool) {
	if delta && f.Checksum != "" && f.Checksum == pf.Checksum {
		referenceFrom(f, pf, prior)
		return
	}
	f.Copy = true
}

// forceDelta reports whether this build must treat every file as a
// delta candidate (checksum-verify on any timestamp/size drift) rather
// than trusting a plain timestamp/size match, per spec.md: a timeline
// change, an online/offline flip between prior and current, the prior
// backup's stop point being in the future relative to this backup's
// start, or any file in this backup dated after copy-start all
// invalidate trusting incremental comparison at face value.
func forceDelta(prior, cur *manifest.Manifest, online, futureTimestamp bool) bool {
	if timelineChanged(prior, cur) {
		return true
	}
	if prior.Header.TimestampStop.After(cur.Header.TimestampCopyStart) {
		return true
	}
	if priorOnline, ok := prior.Options[manifest.OptionOnline].(bool); ok && priorOnline != online {
		return true
	}
	if futureTimestamp {
		return true
	}
	return false
}

func timelineChanged(prior, cur *manifest.Manifest) bool {
	if prior.Header.ArchiveStop == "" || cur.Header.ArchiveStart == "" {
		return false
	}
	priorTimeline := timelineOf(prior.Header.ArchiveStop)
	curTimeline := timelineOf(cur.Header.ArchiveStart)
	return priorTimeline != "" && curTimeline != "" && priorTimeline != curTimeline
}

// timelineOf extracts the 8-hex-digit timeline ID prefix from a WAL
// segment name such as "00000001000000000000002A".
func timelineOf(segment string) string {
	if len(segment) < 8 {
		return ""
	}
	return segment[:8]
}
