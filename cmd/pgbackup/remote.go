package main

import (
	"context"
	"net"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/pgbackup/internal/config"
	"github.com/cuemby/pgbackup/internal/log"
	"github.com/cuemby/pgbackup/internal/protocol"
	"github.com/cuemby/pgbackup/internal/storage"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Serve file-copy requests over TCP for a controller running on another host",
	RunE:  runRemote,
}

func init() {
	remoteCmd.Flags().String("config", "", "Path to the YAML config file")
	remoteCmd.Flags().String("listen", ":8432", "Address to accept controller connections on")
}

// runRemote is the always-on counterpart to worker's one-shot stdio
// session: where a worker is forked per backup and talks to its parent
// over a pipe, remote listens on a TCP socket so a controller on a
// different host can reach this machine's repo or pg_data directory
// without an SSH-spawned subprocess. Production deployments would put
// this behind mutual TLS; that is left for the operator's network layer
// rather than built in here.
func runRemote(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	addr, _ := cmd.Flags().GetString("listen")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	repoDriver, err := cfg.RepoDriver()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	logger := log.WithComponent("remote")
	logger.Info().Str("addr", addr).Msg("remote listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go serveRemoteConn(conn, repoDriver, logger)
	}
}

func serveRemoteConn(conn net.Conn, repoDriver storage.Driver, logger zerolog.Logger) {
	defer conn.Close()

	srv := protocol.NewServer(pgbackupGreeting)
	srv.Handle(protocol.RequestProcess, protocol.Handler{
		Process: copyFileHandler(repoDriver),
	})

	peer := conn.RemoteAddr().String()
	if err := srv.Serve(context.Background(), conn); err != nil {
		logger.Warn().Str("peer", peer).Err(err).Msg("remote connection closed")
	}
}
