package build

import (
	"path"
	"regexp"
	"strings"
)

// alwaysIgnoreRoot lists basenames ignored only at the cluster root
// (filter rule 1).
var alwaysIgnoreRoot = map[string]bool{
	"backup_label.old":         true,
	"postmaster.opts":          true,
	"postmaster.pid":           true,
	"recovery.conf":            true,
	"recovery.done":            true,
	"postgresql.auto.conf.tmp": true,
}

// alwaysIgnoreRootSince12 is added to alwaysIgnoreRoot for PG12+.
var alwaysIgnoreRootSince12 = map[string]bool{
	"recovery.signal": true,
	"standby.signal":  true,
	"backup_label":    true,
}

// alwaysIgnoreRootSince13 is added for PG13+.
var alwaysIgnoreRootSince13 = map[string]bool{
	"backup_manifest":     true,
	"backup_manifest.tmp": true,
}

// ignoreDirectories lists top-level directory names whose *contents*
// (not the directory entry itself) are always ignored (filter rule 2).
var ignoreDirectories = map[string]bool{
	"pg_dynshmem":  true,
	"pg_notify":    true,
	"pg_replslot":  true,
	"pg_serial":    true,
	"pg_snapshots": true,
	"pg_stat_tmp":  true,
	"pg_subtrans":  true,
}

var pgsqlTmpPrefix = "pgsql_tmp"

// relationNameRegex matches a valid data-file relation name:
// <digits>[_vm|_fsm|_init][.segment].
var relationNameRegex = regexp.MustCompile(`^\d+(_vm|_fsm|_init)?(\.\d+)?$`)

// tempRelationRegex matches PostgreSQL's temporary-relation naming:
// t<backendId>_<digits>[_vm|_fsm][.segment].
var tempRelationRegex = regexp.MustCompile(`^t\d+_\d+(_vm|_fsm)?(\.\d+)?$`)

// ignoredEverywhere lists basenames excluded wherever they appear, not
// just at the cluster root: pg_internal.init is PostgreSQL's per-database
// catalog cache file, rebuilt on startup, and appears under every
// database directory (base/<db>/pg_internal.init).
var ignoredEverywhere = map[string]bool{
	"pg_internal.init": true,
}

// ignoredByRootRule reports whether rel (relative to pg_data) is one of
// the always-ignored root files for the given PostgreSQL version (filter
// rule 1). A rel with a directory component matches only the
// ignoredEverywhere basenames.
func ignoredByRootRule(rel string, pgVersion int) bool {
	if ignoredEverywhere[path.Base(rel)] {
		return true
	}
	if strings.Contains(rel, "/") {
		return false
	}
	if alwaysIgnoreRoot[rel] {
		return true
	}
	if pgVersion >= 120000 && alwaysIgnoreRootSince12[rel] {
		return true
	}
	if pgVersion >= 130000 && alwaysIgnoreRootSince13[rel] {
		return true
	}
	return false
}

// ignoredByDirectoryRule reports whether rel's contents fall under one
// of the always-ignored directories (filter rule 2). The directory entry
// itself (rel == dirname) is never ignored by this rule — only its
// contents are.
func ignoredByDirectoryRule(rel string, pgVersion int, online bool) bool {
	parts := strings.SplitN(rel, "/", 2)
	if len(parts) != 2 {
		return false
	}
	top := parts[0]
	if strings.HasPrefix(top, pgsqlTmpPrefix) {
		return true
	}
	if ignoreDirectories[top] {
		return true
	}
	if online {
		if pgVersion >= 100000 && top == "pg_wal" {
			return true
		}
		if pgVersion < 100000 && top == "pg_xlog" {
			return true
		}
	}
	return false
}

// isRelationDirectory reports whether rel's parent directory is a
// database or tablespace-database directory the relation-file heuristics
// (filter rule 3) apply to: base/<db>/... or <tablespace>/PG_<ver>_<cat>/<db>/....
func isRelationDirectory(rel string) bool {
	dir := path.Dir(rel)
	if dir == "." {
		return false
	}
	parts := strings.Split(dir, "/")
	// base/<db> or .../PG_<ver>_<cat>/<db>
	if len(parts) >= 2 && parts[0] == "base" {
		return true
	}
	// any directory at or below a PG_<version>_<catalog> dir is treated
	// as a per-database directory.
	for _, p := range parts {
		if strings.HasPrefix(p, "PG_") {
			return true
		}
	}
	return false
}

// applyRelationHeuristics reports whether the entry at rel should be
// ignored under filter rule 3, given the full set of basenames present
// in the same directory (needed to detect an `_init` fork's siblings).
func applyRelationHeuristics(rel string, siblings map[string]bool) bool {
	if !isRelationDirectory(rel) {
		return false
	}
	base := path.Base(rel)
	if tempRelationRegex.MatchString(base) {
		return true // temporary relation: always ignored
	}
	if !relationNameRegex.MatchString(base) {
		return false // not a relation-shaped name: keep as-is
	}
	if strings.Contains(base, "_init") {
		return false // _init forks are always kept
	}
	// If this relation has an _init fork, its main/_fsm/_vm files (and
	// numbered segments) are skipped — the unlogged relation's base
	// state is regenerated on restart.
	digits := leadingDigits(base)
	if digits == "" {
		return false
	}
	if siblings[digits+"_init"] {
		return true
	}
	return false
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}
