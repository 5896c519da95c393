// Package config models the pre-parsed configuration struct the core
// receives from its CLI front-end, per spec.md §6's "CLI surface (as
// consumed by the core)". The option parser itself is an out-of-scope
// external collaborator; this package only defines the struct shape
// and a YAML loader for it, the way cmd/pgbackup's flags get merged
// with an optional on-disk file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/pgbackup/internal/manifest"
	"github.com/cuemby/pgbackup/internal/manifest/build"
)

// RepoType selects which storage.Driver backs the repository.
type RepoType string

const (
	RepoTypePosix RepoType = "posix"
	RepoTypeS3    RepoType = "s3"
)

// S3Config holds the repo S3 parameters spec.md §6 lists explicitly.
type S3Config struct {
	Bucket        string            `yaml:"bucket"`
	Endpoint      string            `yaml:"endpoint"`
	Region        string            `yaml:"region"`
	URIStyle      string            `yaml:"uriStyle"` // "host" or "path"
	KeyType       string            `yaml:"keyType"`  // "shared" or "web-id" or "role"
	Key           string            `yaml:"key"`
	KeySecret     string            `yaml:"keySecret"`
	CredRole      string            `yaml:"credRole"`
	PartSize      int64             `yaml:"partSize"`
	Tags          map[string]string `yaml:"tags"`
	EndpointHost  string            `yaml:"endpointHost"`
	EndpointPort  int               `yaml:"endpointPort"`
	VerifyPeer    bool              `yaml:"verifyPeer"`
	CAFile        string            `yaml:"caFile"`
	CAPath        string            `yaml:"caPath"`
	RequesterPays bool              `yaml:"requesterPays"` // "user-project" in spec.md vocabulary
}

// PGHost identifies one PostgreSQL cluster the core backs up or
// restores, local or reached through a remote protocol peer.
type PGHost struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BlockIncrMaps is the three maps §4.7's block-incremental sizing
// algorithm consumes, keyed the way build.BlockIncrPolicy wants them
// (size ascending, age descending once parsed).
type BlockIncrMaps struct {
	SizeMap         map[string]int64   `yaml:"sizeMap"`         // fileSize string -> blockSize
	AgeMultiplier   map[string]float64 `yaml:"ageMultiplier"`   // duration string -> multiplier
	ChecksumSizeMap map[string]int64   `yaml:"checksumSizeMap"` // blockSize string -> checksumSize
}

// Config is the full set of options the core reads, per spec.md §6.
type Config struct {
	// Repository.
	RepoEncryptionKey string   `yaml:"repoEncryptionKey"`
	RepoPath          string   `yaml:"repoPath"`
	RepoType          RepoType `yaml:"repoType"`
	S3                S3Config `yaml:"s3"`

	// PostgreSQL cluster(s).
	PGHosts []PGHost `yaml:"pgHosts"`

	// Manifest build / file handling.
	BlockIncr BlockIncrMaps `yaml:"blockIncr"`

	Delta          bool   `yaml:"delta"`
	Bundle         bool   `yaml:"bundle"`
	BundleRaw      bool   `yaml:"bundleRaw"`
	Compress       bool   `yaml:"compress"`
	CompressType   string `yaml:"compressType"`
	CompressLevel  int    `yaml:"compressLevel"`
	Online         bool   `yaml:"online"`
	ProcessMax     int    `yaml:"processMax"`
	ArchiveCheck   bool   `yaml:"archiveCheck"`
	ArchiveCopy    bool   `yaml:"archiveCopy"`
	ChecksumPage   bool   `yaml:"checksumPage"`
	BackupStandby  bool   `yaml:"backupStandby"`
	Hardlink       bool   `yaml:"hardlink"`
	BufferSize     int64  `yaml:"bufferSize"`

	// Restore only.
	TargetTime time.Time `yaml:"-"`

	// Logging, per internal/log.Config.
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`
}

// Load reads a YAML config file at path and returns the parsed Config.
// A missing file is not an error: the zero Config is returned so flags
// remain the sole source of truth when no file is given.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Options builds the manifest.Options map the builder stamps into the
// `[backup:option]` section, from the subset of fields meaningful for
// typ (diff/incr backups omit process-max and buffer-size, matching
// spec.md §3's "emitted only when meaningful for the backup type").
func (c *Config) Options(typ manifest.BackupType) manifest.Options {
	opts := manifest.Options{
		manifest.OptionOnline:       c.Online,
		manifest.OptionCompress:     c.Compress,
		manifest.OptionHardlink:     c.Hardlink,
		manifest.OptionChecksumPage: c.ChecksumPage,
	}
	if c.Compress {
		opts[manifest.OptionCompressType] = c.CompressType
		opts[manifest.OptionCompressLevel] = c.CompressLevel
	}
	if c.ArchiveCheck {
		opts[manifest.OptionArchiveCheck] = true
		opts[manifest.OptionArchiveCopy] = c.ArchiveCopy
	}
	if c.BackupStandby {
		opts[manifest.OptionBackupStandby] = true
	}
	if typ != manifest.TypeFull {
		opts[manifest.OptionDelta] = c.Delta
	}
	if typ == manifest.TypeFull {
		opts[manifest.OptionProcessMax] = c.ProcessMax
		opts[manifest.OptionBufferSize] = c.BufferSize
	}
	return opts
}

// BlockIncrPolicy parses BlockIncr's string-keyed YAML maps into the
// typed maps build.BlockIncrPolicy consults. A malformed entry is
// skipped rather than failing the whole parse, since one bad line in a
// large map shouldn't disable block-incremental sizing entirely.
func (c *Config) BlockIncrPolicy() *build.BlockIncrPolicy {
	if len(c.BlockIncr.SizeMap) == 0 {
		return nil
	}
	p := &build.BlockIncrPolicy{
		SizeMap:         map[int64]int64{},
		AgeMultiplier:   map[time.Duration]float64{},
		ChecksumSizeMap: map[int64]int64{},
	}
	for k, v := range c.BlockIncr.SizeMap {
		if n, err := strconv.ParseInt(k, 10, 64); err == nil {
			p.SizeMap[n] = v
		}
	}
	for k, v := range c.BlockIncr.AgeMultiplier {
		if d, err := time.ParseDuration(k); err == nil {
			p.AgeMultiplier[d] = v
		}
	}
	for k, v := range c.BlockIncr.ChecksumSizeMap {
		if n, err := strconv.ParseInt(k, 10, 64); err == nil {
			p.ChecksumSizeMap[n] = v
		}
	}
	return p
}

// Validate reports the first structural problem found: an unknown
// repo type, an S3 repo missing its bucket, or no PG hosts configured.
func (c *Config) Validate() error {
	switch c.RepoType {
	case RepoTypePosix:
		if c.RepoPath == "" {
			return fmt.Errorf("config: repoPath is required for a posix repository")
		}
	case RepoTypeS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("config: s3.bucket is required for an s3 repository")
		}
	default:
		return fmt.Errorf("config: unknown repoType %q", c.RepoType)
	}
	if len(c.PGHosts) == 0 {
		return fmt.Errorf("config: at least one pgHosts entry is required")
	}
	if c.ProcessMax <= 0 {
		c.ProcessMax = 1
	}
	return nil
}
