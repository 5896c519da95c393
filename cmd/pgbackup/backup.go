package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/pgbackup/internal/config"
	"github.com/cuemby/pgbackup/internal/dispatch"
	"github.com/cuemby/pgbackup/internal/job"
	"github.com/cuemby/pgbackup/internal/log"
	"github.com/cuemby/pgbackup/internal/manifest"
	"github.com/cuemby/pgbackup/internal/manifest/build"
	"github.com/cuemby/pgbackup/internal/manifest/format"
	"github.com/cuemby/pgbackup/internal/metrics"
	"github.com/cuemby/pgbackup/internal/protocol"
	"github.com/cuemby/pgbackup/internal/resumestate"
	"github.com/cuemby/pgbackup/internal/storage"
	"github.com/cuemby/pgbackup/internal/storage/posix"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Build, copy, and save a new backup against the configured PostgreSQL cluster",
	RunE:  runBackup,
}

func init() {
	backupCmd.Flags().String("config", "", "Path to the YAML config file")
	backupCmd.Flags().String("stanza", "main", "Stanza name, the repo subtree this cluster's backups live under")
	backupCmd.Flags().String("type", "full", "Backup type: full, diff, or incr")
	backupCmd.Flags().Int("pg-version", 170000, "PostgreSQL server version number, e.g. 90500 for 9.5 (not probed from the cluster)")
	backupCmd.Flags().StringToString("annotation", nil, "Annotation key=value pairs to attach to the manifest")
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := log.WithComponent("backup")

	cfgPath, _ := cmd.Flags().GetString("config")
	stanza, _ := cmd.Flags().GetString("stanza")
	typeFlag, _ := cmd.Flags().GetString("type")
	pgVersion, _ := cmd.Flags().GetInt("pg-version")
	annotations, _ := cmd.Flags().GetStringToString("annotation")

	typ, err := parseBackupType(typeFlag)
	if err != nil {
		return err
	}

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

	var prior *manifest.Manifest
	if typ != manifest.TypeFull {
		priorLabel, err := latestLabel(ctx, repoDriver, backupDir)
		if err != nil {
			return err
		}
		if priorLabel != "" {
			prior, err = format.LoadFromDriver(ctx, repoDriver, path.Join(backupDir, priorLabel))
			if err != nil {
				return fmt.Errorf("pgbackup: load prior manifest %s: %w", priorLabel, err)
			}
		} else {
			logger.Warn().Msg("no prior backup found, falling back to a full backup")
			typ = manifest.TypeFull
		}
	}

	copyStart := time.Now().UTC()
	label := backupLabel(copyStart, typ)

	sourceDriver := posix.New(cfg.PGHosts[0].Path)
	m, err := build.Build(ctx, label, typ, build.Options{
		Storage:   sourceDriver,
		PGVersion: pgVersion,
		Online:    cfg.Online,
		Prior:     prior,
		CopyStart: copyStart,
		BlockIncr: cfg.BlockIncrPolicy(),
		Delta:     cfg.Delta,
	})
	if err != nil {
		return fmt.Errorf("pgbackup: build manifest: %w", err)
	}
	m.Header.TimestampStart = copyStart
	m.Options = cfg.Options(typ)
	if prior != nil {
		m.AddReference(prior.Header.Label)
	}

	resume, err := resumestate.Open(resumeStateDir(cfg))
	if err != nil {
		return fmt.Errorf("pgbackup: open resume state: %w", err)
	}
	defer resume.Close()

	jobs := pendingJobs(m, stanza, label, cfg.PGHosts[0].Path)
	logger.Info().Str("label", label).Int("files", len(jobs)).Msg("starting backup")

	processMax := cfg.ProcessMax
	if processMax <= 0 {
		processMax = 1
	}
	clients, procs, err := spawnWorkers(cfgPath, processMax)
	if err != nil {
		return err
	}
	metrics.RegisterComponent("dispatcher", true, fmt.Sprintf("%d workers", len(clients)))
	defer func() {
		for _, p := range procs {
			_ = p.Close()
		}
	}()

	if err := runCopyJobs(ctx, clients, jobs, m, stanza, label, resume, logger); err != nil {
		return err
	}

	m.Header.TimestampStop = time.Now().UTC()
	m.Finalize(annotations)

	if err := format.SaveToDriver(ctx, repoDriver, path.Join(backupDir, label), m); err != nil {
		return fmt.Errorf("pgbackup: save manifest: %w", err)
	}
	_ = resume.Delete(stanza, label)

	logger.Info().Str("label", label).Msg("backup complete")
	fmt.Printf("backup complete: %s\n", label)
	return nil
}

func parseBackupType(s string) (manifest.BackupType, error) {
	switch strings.ToLower(s) {
	case "full":
		return manifest.TypeFull, nil
	case "diff":
		return manifest.TypeDiff, nil
	case "incr":
		return manifest.TypeIncr, nil
	default:
		return "", fmt.Errorf("pgbackup: unknown backup type %q (want full, diff, or incr)", s)
	}
}

func backupLabel(t time.Time, typ manifest.BackupType) string {
	suffix := "F"
	switch typ {
	case manifest.TypeDiff:
		suffix = "D"
	case manifest.TypeIncr:
		suffix = "I"
	}
	return t.Format("20060102-150405") + suffix
}

// latestLabel returns the most recently named backup directory under
// dir, or "" if none exist. Labels sort lexicographically by
// construction (a fixed-width timestamp prefix), so the lexicographic
// max is also the most recent.
func latestLabel(ctx context.Context, d storage.Driver, dir string) (string, error) {
	var labels []string
	err := d.List(ctx, dir, storage.ListOptions{Recursive: false}, func(e storage.Entry) error {
		if e.Type == storage.EntryPath && !strings.Contains(e.Name, string(os.PathSeparator)) {
			labels = append(labels, e.Name)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(labels) == 0 {
		return "", nil
	}
	sort.Strings(labels)
	return labels[len(labels)-1], nil
}

// pendingJobs builds one dispatch2Job per file the builder marked Copy,
// mapping each manifest-relative file name back to its source path on
// the pg_data host and forward to its repo-relative destination.
func pendingJobs(m *manifest.Manifest, stanza, label, pgDataPath string) []dispatch2Job {
	var out []dispatch2Job
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		if m.Files[name].Copy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		rel := strings.TrimPrefix(name, "pg_data/")
		out = append(out, dispatch2Job{
			name: name,
			req: job.CopyFile{
				Key:        name,
				SourcePath: path.Join(pgDataPath, rel),
				RepoPath:   path.Join("backup", stanza, label, name),
			},
		})
	}
	return out
}

// dispatch2Job pairs a manifest file name with the job.CopyFile request
// describing how to copy it, kept together so the dispatcher's result
// stream can be merged back into the right manifest entry.
type dispatch2Job struct {
	name string
	req  job.CopyFile
}

func spawnWorkers(cfgPath string, n int) ([]*protocol.Client, []*procConn, error) {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	clients := make([]*protocol.Client, 0, n)
	procs := make([]*procConn, 0, n)
	for i := 0; i < n; i++ {
		cli, pc, err := spawnWorker(self, []string{"--config", cfgPath})
		if err != nil {
			for _, p := range procs {
				_ = p.Close()
			}
			return nil, nil, err
		}
		clients = append(clients, cli)
		procs = append(procs, pc)
	}
	return clients, procs, nil
}

func runCopyJobs(ctx context.Context, clients []*protocol.Client, jobs []dispatch2Job, m *manifest.Manifest,
	stanza, label string, resume *resumestate.Store, logger zerolog.Logger) error {
	idx := 0
	next := func(clientIdx int) (dispatch.Job, bool) {
		if idx >= len(jobs) {
			return dispatch.Job{}, false
		}
		j := jobs[idx]
		idx++
		param, _ := json.Marshal(j.req)
		return dispatch.Job{Key: j.name, Param: param, HasParam: true}, true
	}

	d := dispatch.New(clients, protocol.RequestProcess, 30*time.Second, next)
	defer d.Close()

	for !d.Done() {
		if err := d.Process(ctx); err != nil {
			return err
		}
		for {
			res, ok := d.Result()
			if !ok {
				break
			}
			if res.ErrorCode != "" {
				return fmt.Errorf("pgbackup: copy %s failed: %s: %s", res.Key, res.ErrorCode, res.ErrorMessage)
			}
			var result job.CopyFileResult
			if res.HasData {
				if err := json.Unmarshal(res.Data, &result); err != nil {
					return fmt.Errorf("pgbackup: decode copy result for %s: %w", res.Key, err)
				}
			}
			f := m.Files[res.Key]
			f.Checksum = result.Checksum
			f.RepoSize = result.Size
			f.Copy = false
			m.Files[res.Key] = f
			_ = resume.Put(stanza, label, res.Key, resumestate.Progress{BytesCopied: result.Size, Done: true})
			logger.Debug().Str("file", res.Key).Int64("size", result.Size).Msg("file copied")
		}
	}
	return nil
}
