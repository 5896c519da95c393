// Package resumestate records per-file copy progress for a backup.
// State is bucketed per stanza+label in an embedded bbolt database, the
// way the teacher buckets each resource kind in its own bolt bucket. The
// backup command writes a record per copied file and deletes the
// bucket; no code in this module reads the records back, so a restarted
// backup recopies every file and no file entry is marked resume.
package resumestate

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Progress is the per-file record stored for a file that is partially
// copied: how many bytes have landed in the repo, and (for a block-
// incremental file) which block-map offset the worker had reached.
type Progress struct {
	BytesCopied    int64     `json:"bytesCopied"`
	BlockMapOffset int64     `json:"blockMapOffset"`
	Done           bool      `json:"done"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store is a bbolt-backed resume-state database, one bucket per
// stanza+label pair so an old backup's state never collides with a
// new one's and can be dropped as a unit once the backup finishes.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the resume-state database at
// dataDir/resumestate.db.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "resumestate.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("resumestate: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func bucketName(stanza, label string) []byte {
	return []byte(stanza + "/" + label)
}

// Put records (or overwrites) p as the file's current progress.
func (s *Store) Put(stanza, label, file string, p Progress) error {
	p.UpdatedAt = p.UpdatedAt.UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("resumestate: marshal progress for %s: %w", file, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(stanza, label))
		if err != nil {
			return err
		}
		return b.Put([]byte(file), data)
	})
}

// Get returns the recorded progress for file, and whether any was
// found.
func (s *Store) Get(stanza, label, file string) (Progress, bool, error) {
	var p Progress
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(stanza, label))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(file))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &p)
	})
	return p, found, err
}

// List returns every file with recorded progress under stanza+label,
// keyed by file name.
func (s *Store) List(stanza, label string) (map[string]Progress, error) {
	out := map[string]Progress{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(stanza, label))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var p Progress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out[string(k)] = p
			return nil
		})
	})
	return out, err
}

// Delete drops every progress record for stanza+label, once the
// backup it belonged to has finalized and no longer needs resuming.
func (s *Store) Delete(stanza, label string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		name := bucketName(stanza, label)
		if tx.Bucket(name) == nil {
			return nil
		}
		return tx.DeleteBucket(name)
	})
}
