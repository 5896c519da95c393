// Command pgbackup drives the backup engine: it builds and saves
// manifests, spawns local worker processes and optional remote
// protocol peers, and dispatches file-copy jobs across them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgbackup/internal/log"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pgbackup",
	Short:   "pgbackup drives a PostgreSQL cluster's online backup and restore",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pgbackup version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Address to serve /metrics, /health, /ready, /live on (empty disables)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(infoCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// serveMetricsIfConfigured starts the metrics/health HTTP server in the
// background when --metrics-addr is set, the way cluster/manager init
// in the teacher starts its own metrics server before the long-running
// work begins.
func serveMetricsIfConfigured(cmd *cobra.Command) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		return
	}
	startMetricsServer(addr)
}
