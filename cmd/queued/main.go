// Command queued runs the merge-queue pipeline engine daemon.
//
// Invoked with a single argument — the path to its YAML config file — it
// loads every configured pipeline, worker, and the persistence backend,
// resynchronizes any in-flight attempts, and serves events until signalled.
// Exit codes: 0 clean shutdown, 1 configuration error, 2 persistence
// failure on startup, 3 unrecoverable worker-binding failure.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "queued [config-file]",
		Short: "Merge-queue pipeline engine",
		Long: `queued automates the "not rocket science" merge-queue rule: approved pull
requests are serialized, speculatively merged onto the default branch, tested by CI,
and only fast-forwarded in if CI accepts the result.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := defaultConfigArg(args)
			return runDaemon(configPath)
		},
	}

	rootCmd.AddCommand(
		newValidateConfigCmd(),
		newStatusCmd(),
		newQueueCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the queued version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
