package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/contextguard"
	"github.com/aixgo-dev/contextguard/pkg/config"
)

// cli holds the global flags shared by every subcommand.
type cli struct {
	configFile string
	logLevel   string
	logFormat  string
	jsonOutput bool

	// overrides adjust the loaded configuration for one command.
	overrides []func(*config.Config)
	// opts are appended to every Guard the CLI opens.
	opts []contextguard.Option
}

func newRootCmd(opts ...contextguard.Option) *cobra.Command {
	c := &cli{opts: opts}
	root := &cobra.Command{
		Use:           "contextguard",
		Short:         "Token budget tracking and cascading recovery",
		Long:          "contextguard records token usage per actor, scores the risk of exhausting the session ceiling and runs recovery when it gets close.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configFile, "config", "c", os.Getenv("CONTEXTGUARD_CONFIG"), "config file path (default built-in configuration)")
	pf.StringVar(&c.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	pf.StringVar(&c.logFormat, "log-format", "", "override logging.format (text, json)")
	pf.BoolVar(&c.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		c.newStatusCmd(),
		c.newReportCmd(),
		c.newRecoverCmd(),
		c.newBundleCmd(),
		c.newServeCmd(),
		c.newInitCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the configuration file and applies the logging flags.
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Logging.Format = c.logFormat
	}
	for _, fn := range c.overrides {
		fn(cfg)
	}
	return cfg, nil
}

// open builds a Guard for one command. Logs go to the command's stderr so
// stdout carries only results.
func (c *cli) open(cmd *cobra.Command) (*contextguard.Guard, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	opts := append([]contextguard.Option{contextguard.WithLogger(logger)}, c.opts...)
	return contextguard.New(cmd.Context(), cfg, opts...)
}

// withGuard opens a Guard, runs fn and closes the Guard.
func (c *cli) withGuard(cmd *cobra.Command, fn func(ctx context.Context, g *contextguard.Guard) error) (err error) {
	g, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := g.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(cmd.Context(), g)
}

// print writes v as indented JSON when --json is set, otherwise calls text.
func (c *cli) print(w io.Writer, v any, text func(io.Writer) error) error {
	if c.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "contextguard version %s (commit: %s, built: %s)\n", contextguard.Version, commit, date)
		},
	}
}
