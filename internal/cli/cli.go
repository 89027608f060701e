// ============================================================================
// relaypool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the relaypool binary
//
// Command Structure:
//   relaypool                      # Root command
//   ├── serve                      # Start the server (primary + workers, or single process)
//   ├── worker                     # (hidden) worker process, started by the primary
//   ├── broadcast                  # POST a broadcast to a running worker
//   │   ├── --url                  # Worker base URL
//   │   └── --message, -m          # Payload
//   ├── status                     # Show health and received messages of a worker
//   │   └── --url                  # Worker base URL
//   ├── --config, -c               # Config file (default: configs/relaypool.yaml)
//   └── --version
//
// serve Command:
//   ENABLE_CLUSTER=true (or cluster.enabled) starts the primary:
//   1. Bind the HTTP listener once
//   2. Start the coordinator: IPC socket + NUM_WORKERS re-executions of this
//      binary as "relaypool worker", each inheriting the listener as fd 3
//   3. Serve primary metrics on METRICS_PORT (if > 0)
//   4. On SIGINT/SIGTERM forward SIGTERM to every worker and wait
//
//   Otherwise serves the HTTP API in this process with cluster endpoints
//   answering 400.
//
// Exit codes:
//   0  graceful shutdown
//   1  config error, fork failure, or shutdown grace exceeded
//
// ============================================================================

package cli

import (
	"github.com/ChuLiYu/relaypool/internal/config"
	"github.com/spf13/cobra"
)

// Version is reported by --version.
var Version = "1.0.0"

// Environment passed from the primary to its workers.
const (
	EnvIPCSocket  = "RELAYPOOL_IPC_SOCKET"
	EnvListenerFD = "RELAYPOOL_LISTENER_FD"
)

// listenerFD is the first ExtraFiles descriptor in the child.
const listenerFD = 3

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relaypool",
		Short: "relaypool: a multi-process HTTP worker pool with broadcast relay",
		Long: `relaypool runs a primary process that forks a pool of HTTP workers,
relays broadcasts between them over a local IPC channel, restarts any
worker that exits, and shuts the pool down gracefully on SIGINT/SIGTERM.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildBroadcastCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}
