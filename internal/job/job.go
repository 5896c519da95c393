// Package job defines the JSON-encoded payloads carried inside a
// protocol.Request/Response's opaque Param/Data fields for the one
// request kind cmd/pgbackup's controller and worker exchange: copy one
// file's content from a source path into the repository (or, in
// reverse, from the repository into a restore target).
package job

// CopyFile is a request to stream one file's content from SourcePath
// (read through the worker's local posix driver) to RepoPath (written
// through the worker's own repo driver, built from the same Config the
// controller passed it). Reverse is true for a restore: content flows
// from RepoPath to SourcePath instead.
type CopyFile struct {
	Key        string `json:"key"`
	SourcePath string `json:"sourcePath"`
	RepoPath   string `json:"repoPath"`
	Reverse    bool   `json:"reverse"`
}

// CopyFileResult is what a worker returns once a CopyFile completes.
type CopyFileResult struct {
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}
