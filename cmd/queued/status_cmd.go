package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/queued/queued/internal/config"
	"github.com/queued/queued/internal/store"
)

// newStatusCmd reports each configured pipeline's persisted queue and
// running sub-state. It reads the store directly rather than talking to a
// running daemon process — an offline snapshot, not a live stream (the live
// stream is the daemon's websocket endpoint in internal/gateway;
// internal/dashboard's terminal view is not wired into any subcommand).
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [config-file]",
		Short: "Show each pipeline's persisted queue and running state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigArg(args)
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx := context.Background()
			st, err := store.Open(ctx, cfg.Store.DatabaseURL, cfg.Store.SQLitePath)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			records, err := st.LoadAllPipelines(ctx)
			if err != nil {
				return fmt.Errorf("failed to load pipeline state: %w", err)
			}

			for _, pc := range cfg.Pipelines {
				rec, ok := records[pc.ID]
				if !ok {
					fmt.Printf("%s: idle, empty queue\n", pc.ID)
					continue
				}
				if rec.Running == nil {
					fmt.Printf("%s: idle, %d queued\n", pc.ID, len(rec.Queue))
					continue
				}
				fmt.Printf("%s: %s (pr %s, attempt %d), %d queued\n",
					pc.ID, rec.Running.SubState, rec.Running.Entry.PRID, rec.Running.Attempts, len(rec.Queue))
			}
			return nil
		},
	}
}
