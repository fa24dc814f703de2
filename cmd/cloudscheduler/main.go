package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cloudscheduler",
		Short: "Cloud Scheduler - boots cloud VMs for queued batch jobs",
		Long: `Cloud Scheduler watches a batch queue and starts virtual machines on
the configured clouds to run the queued jobs. VMs that are no longer
needed, broken or too old are shut down again.

Run the daemon with "cloudscheduler run". The other commands talk to a
running daemon through its admin API.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetVersionTemplate(fmt.Sprintf(
		"Cloud Scheduler version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	root.PersistentFlags().String("addr", "127.0.0.1:8112", "Admin API address, or the path of its unix socket")
	root.PersistentFlags().Duration("timeout", 0, "Admin API call timeout (default 10s)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newClusterCmd())
	root.AddCommand(newVMCmd())
	root.AddCommand(newBanCmd())
	root.AddCommand(newStatusCmd())
	return root
}
