package main

import (
	"fmt"
	"os"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errdefs.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "apiary",
	Short: "Apiary - file-based mail plane for containerized agent swarms",
	Long: `Apiary orchestrates a swarm of containerized agents ("bees") that
communicate exclusively through mail files. The orchestrator enforces a
fixed communication topology, routes mail between per-agent inboxes and
outboxes, supervises agent containers, and exposes an HTTP gateway with a
realtime event stream.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Apiary version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:8420",
		"gateway address for client commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(swarmCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(connCmd)
	rootCmd.AddCommand(mailCmd)
}
