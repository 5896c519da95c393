package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgbackup/internal/config"
	"github.com/cuemby/pgbackup/internal/log"
	"github.com/cuemby/pgbackup/internal/manifest"
	"github.com/cuemby/pgbackup/internal/manifest/format"
	"github.com/cuemby/pgbackup/internal/metrics"
	"github.com/cuemby/pgbackup/internal/storage"
	"github.com/cuemby/pgbackup/internal/storage/posix"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a backup's files onto the configured PostgreSQL data directory",
	RunE:  runRestore,
}

func init() {
	restoreCmd.Flags().String("config", "", "Path to the YAML config file")
	restoreCmd.Flags().String("stanza", "main", "Stanza name, the repo subtree this cluster's backups live under")
	restoreCmd.Flags().String("label", "", "Backup label to restore (defaults to the most recent backup)")
}

// runRestore copies every file named by the target manifest back onto
// the pg_data host. Unlike backup, which fans copy jobs out across
// worker processes, restore walks the file list sequentially through
// the controller itself — restores are rarer, harder to parallelize
// safely against a single target directory, and simpler to reason
// about when something goes wrong partway through.
func runRestore(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := log.WithComponent("restore")

	cfgPath, _ := cmd.Flags().GetString("config")
	stanza, _ := cmd.Flags().GetString("stanza")
	label, _ := cmd.Flags().GetString("label")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.PGHosts) == 0 {
		return fmt.Errorf("pgbackup: at least one pgHosts entry is required")
	}

	serveMetricsIfConfigured(cmd)
	metrics.SetVersion(Version)
	metrics.RegisterComponent("repo", true, string(cfg.RepoType))

	repoDriver, err := cfg.RepoDriver()
	if err != nil {
		return err
	}

	backupDir := path.Join("backup", stanza)
	if label == "" {
		label, err = latestLabel(ctx, repoDriver, backupDir)
		if err != nil {
			return err
		}
		if label == "" {
			return fmt.Errorf("pgbackup: no backup found under %s", backupDir)
		}
	}

	m, err := format.LoadFromDriver(ctx, repoDriver, path.Join(backupDir, label))
	if err != nil {
		return fmt.Errorf("pgbackup: load manifest %s: %w", label, err)
	}

	dest := cfg.PGHosts[0].Path
	local := posix.New("/")

	if err := restoreDirectories(m, dest); err != nil {
		return err
	}
	if err := restoreLinks(m, dest); err != nil {
		return err
	}

	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	logger.Info().Str("label", label).Int("files", len(names)).Msg("starting restore")

	for _, name := range names {
		f := m.Files[name]
		if !f.HasContent() {
			continue
		}
		sourceLabel := label
		if f.Reference != "" {
			sourceLabel = f.Reference
		}
		rel := strings.TrimPrefix(name, "pg_data/")
		if err := restoreFile(ctx, repoDriver, local, path.Join(backupDir, sourceLabel, name), filepath.Join(dest, rel)); err != nil {
			return fmt.Errorf("pgbackup: restore %s: %w", name, err)
		}
		logger.Debug().Str("file", name).Str("from", sourceLabel).Msg("file restored")
	}

	logger.Info().Str("label", label).Msg("restore complete")
	fmt.Printf("restore complete: %s\n", label)
	return nil
}

func restoreFile(ctx context.Context, src storage.Driver, dst storage.Driver, from, to string) error {
	rc, err := src.NewRead(ctx, from, storage.ReadOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()

	wc, err := dst.NewWrite(ctx, to, storage.WriteOptions{})
	if err != nil {
		return err
	}
	if _, err := io.Copy(wc, rc); err != nil {
		wc.Close()
		return err
	}
	return wc.Close()
}

// restoreDirectories recreates every recorded path entry under dest, so
// file writes below them never hit a missing parent. Target entries are
// not consulted: a tablespace target's own destination directory is not
// created. Uses os directly rather than the storage.Driver
// abstraction: directory and symlink recreation is local-filesystem-only
// bookkeeping, not repo content that needs a pluggable backend.
func restoreDirectories(m *manifest.Manifest, dest string) error {
	for p := range m.Paths {
		rel := strings.TrimPrefix(p, "pg_data/")
		if err := os.MkdirAll(filepath.Join(dest, rel), 0o750); err != nil {
			return fmt.Errorf("pgbackup: mkdir %s: %w", p, err)
		}
	}
	return nil
}

func restoreLinks(m *manifest.Manifest, dest string) error {
	for name, l := range m.Links {
		rel := strings.TrimPrefix(name, "pg_data/")
		target := filepath.Join(dest, rel)
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("pgbackup: remove stale link %s: %w", target, err)
		}
		if err := os.Symlink(l.Destination, target); err != nil {
			return fmt.Errorf("pgbackup: relink %s -> %s: %w", target, l.Destination, err)
		}
	}
	return nil
}
