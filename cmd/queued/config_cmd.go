package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/queued/queued/internal/config"
)

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config [config-file]",
		Short: "Load and validate a config file without starting the daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigArg(args)
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Printf("%s: ok (%d pipeline(s))\n", path, len(cfg.Pipelines))
			return nil
		},
	}
}
