package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/contextguard"
	"github.com/aixgo-dev/contextguard/pkg/config"
)

func (c *cli) newServeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the optimizer loop and the metrics and health server",
		Long:  "serve watches the session ledger, dispatches recovery as risk rises and runs scheduled maintenance until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("metrics-addr") {
				c.overrides = append(c.overrides, func(cfg *config.Config) {
					cfg.Observability.MetricsAddr = metricsAddr
				})
			}
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				return g.Serve(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "override observability.metrics_addr (empty disables the server)")
	return cmd
}

func (c *cli) newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = filepath.Join(config.Default().BaseDir, "config.yaml")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
