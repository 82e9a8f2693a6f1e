package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/queued/queued/internal/config"
	"github.com/queued/queued/internal/store"
)

// newQueueCmd groups read-only queue inspection subcommands. Approval and
// cancellation are UI.approve/UI.cancel events (spec §4.2) delivered by a UI
// worker, not operator CLI actions — mutating the queue out from under a
// running engine would bypass the correlation-id bookkeeping the engine
// relies on for safe retries and cancellation.
func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect persisted pipeline queues",
	}
	cmd.AddCommand(newQueueListCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var pipelineID string
	cmd := &cobra.Command{
		Use:   "list [config-file]",
		Short: "List queued entries for a pipeline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pipelineID == "" {
				return fmt.Errorf("--pipeline is required")
			}
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

			entries, err := st.ListQueue(ctx, pipelineID)
			if err != nil {
				return fmt.Errorf("failed to list queue: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("(empty)")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%d\t%s\t%s\t%s\n", e.Priority, e.PRID, e.Requester, e.ApprovedAt.Format("2006-01-02T15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "pipeline id (required)")
	return cmd
}
