package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgbackup/internal/config"
	"github.com/cuemby/pgbackup/internal/errkind"
	"github.com/cuemby/pgbackup/internal/job"
	"github.com/cuemby/pgbackup/internal/log"
	"github.com/cuemby/pgbackup/internal/protocol"
	"github.com/cuemby/pgbackup/internal/storage"
	"github.com/cuemby/pgbackup/internal/storage/posix"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a local worker process driven by its parent controller's stdio pipe",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().String("config", "", "Path to the YAML config file (same one the controller was given)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	repoDriver, err := cfg.RepoDriver()
	if err != nil {
		return err
	}

	srv := protocol.NewServer(pgbackupGreeting)
	srv.Handle(protocol.RequestProcess, protocol.Handler{
		Process: copyFileHandler(repoDriver),
	})

	conn := stdioConn{r: os.Stdin, w: os.Stdout}
	log.WithComponent("worker").Debug().Msg("worker serving on stdio")
	return srv.Serve(context.Background(), conn)
}

// copyFileHandler answers a job.CopyFile request by streaming content
// between the repo driver and the local filesystem, in whichever
// direction the request names, hashing the content as it flows so the
// result carries the checksum the controller stamps into the manifest.
func copyFileHandler(repoDriver storage.Driver) protocol.SessionProcessHandler {
	return func(ctx context.Context, _ interface{}, param []byte, hasParam bool) ([]byte, bool, bool, error) {
		if !hasParam {
			return nil, false, false, errkind.New(errkind.OptionInvalidValueError, "copy-file", errNoParam)
		}
		var req job.CopyFile
		if err := json.Unmarshal(param, &req); err != nil {
			return nil, false, false, errkind.New(errkind.FormatError, "copy-file", err)
		}

		local := posix.New("/")
		var (
			src  storage.Driver
			dst  storage.Driver
			from string
			to   string
		)
		if req.Reverse {
			src, from = repoDriver, req.RepoPath
			dst, to = local, req.SourcePath
		} else {
			src, from = local, req.SourcePath
			dst, to = repoDriver, req.RepoPath
		}

		rc, err := src.NewRead(ctx, from, storage.ReadOptions{})
		if err != nil {
			return nil, false, false, err
		}
		defer rc.Close()

		wc, err := dst.NewWrite(ctx, to, storage.WriteOptions{})
		if err != nil {
			return nil, false, false, err
		}

		h := sha1.New()
		n, err := io.Copy(io.MultiWriter(wc, h), rc)
		if err != nil {
			wc.Close()
			return nil, false, false, errkind.New(errkind.FileWriteError, to, err)
		}
		if err := wc.Close(); err != nil {
			return nil, false, false, errkind.New(errkind.FileWriteError, to, err)
		}

		result := job.CopyFileResult{Checksum: hex.EncodeToString(h.Sum(nil)), Size: n}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, false, false, err
		}
		return data, true, false, nil
	}
}
