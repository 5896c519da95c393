package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cuemby/pgbackup/internal/config"
	"github.com/cuemby/pgbackup/internal/manifest/format"
	"github.com/cuemby/pgbackup/internal/storage"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "List the backups available in the repository for a stanza",
	RunE:  runInfo,
}

func init() {
	infoCmd.Flags().String("config", "", "Path to the YAML config file")
	infoCmd.Flags().String("stanza", "main", "Stanza name, the repo subtree this cluster's backups live under")
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfgPath, _ := cmd.Flags().GetString("config")
	stanza, _ := cmd.Flags().GetString("stanza")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	repoDriver, err := cfg.RepoDriver()
	if err != nil {
		return err
	}

	backupDir := path.Join("backup", stanza)
	var labels []string
	err = repoDriver.List(ctx, backupDir, storage.ListOptions{Recursive: false}, func(e storage.Entry) error {
		if e.Type == storage.EntryPath && !strings.Contains(e.Name, string(os.PathSeparator)) {
			labels = append(labels, e.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(labels)

	if len(labels) == 0 {
		fmt.Printf("stanza %s: no backups found\n", stanza)
		return nil
	}

	w := infoWriter()
	fmt.Fprintln(w, "LABEL\tTYPE\tSTARTED\tSTOPPED\tFILES\tPRIOR")
	for _, label := range labels {
		m, err := format.LoadFromDriver(ctx, repoDriver, path.Join(backupDir, label))
		if err != nil {
			fmt.Fprintf(w, "%s\t(unreadable: %v)\n", label, err)
			continue
		}
		prior := m.Header.PriorLabel
		if prior == "" {
			prior = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			label, m.Header.Type,
			m.Header.TimestampStart.Format("2006-01-02 15:04:05"),
			m.Header.TimestampStop.Format("2006-01-02 15:04:05"),
			len(m.Files), prior)
	}
	return w.Flush()
}

// infoWriter uses a wider minimum column width when stdout is a
// terminal and a narrower one when piped, the same tabwriter-plus-width-
// probe pattern the teacher's CLI output uses for its status tables.
func infoWriter() *tabwriter.Writer {
	minwidth := 2
	if term.IsTerminal(int(os.Stdout.Fd())) {
		minwidth = 4
	}
	return tabwriter.NewWriter(os.Stdout, minwidth, 4, 2, ' ', 0)
}
