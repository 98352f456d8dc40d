package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/contextguard"
	"github.com/aixgo-dev/contextguard/pkg/bundle"
	"github.com/aixgo-dev/contextguard/pkg/faults"
)

func (c *cli) newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Save, load and maintain handoff bundles",
	}
	cmd.AddCommand(
		c.newBundleSaveCmd(),
		c.newBundleLoadCmd(),
		c.newBundleListCmd(),
		c.newBundleValidateCmd(),
		c.newBundleRepairCmd(),
		c.newBundleArchiveCmd(),
		c.newBundleDeleteCmd(),
		c.newBundleSweepCmd(),
		c.newBundleStatsCmd(),
	)
	return cmd
}

func (c *cli) newBundleSaveCmd() *cobra.Command {
	var (
		typ, compression, priority, reason string
		minimal                            bool
	)
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Write a handoff bundle for the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := bundle.SaveOptions{
				Type:     bundle.Type(typ),
				Priority: bundle.Priority(priority),
				Reason:   reason,
				Minimal:  minimal,
			}
			if compression != "" {
				comp, err := bundle.ParseCompression(compression)
				if err != nil {
					return err
				}
				opts.Compression = comp
			}
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				id, err := g.SaveBundle(ctx, opts)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), map[string]string{"id": id}, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, id)
					return err
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&typ, "type", "t", string(bundle.TypeManual), "bundle type (manual, automatic, scheduled, actor, emergency, minimal)")
	f.StringVar(&compression, "compression", "", "none, zstd or lz4 (default bundle.compression)")
	f.StringVar(&priority, "priority", string(bundle.PriorityNormal), "low, normal, high or critical")
	f.StringVar(&reason, "reason", "", "reason recorded in the bundle metadata")
	f.BoolVar(&minimal, "minimal", false, "omit knowledge and coordination state")
	return cmd
}

func (c *cli) newBundleLoadCmd() *cobra.Command {
	var (
		mode, validation string
		apply            bool
	)
	cmd := &cobra.Command{
		Use:   "load <id|latest|prefix>",
		Short: "Load a bundle and optionally restore it into the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := bundle.ParseMode(mode)
			if err != nil {
				return faults.Configuration("bundle.load", err)
			}
			lvl, err := bundle.ParseLevel(validation)
			if err != nil {
				return faults.Configuration("bundle.load", err)
			}
			opts := bundle.LoadOptions{Mode: m, Validation: lvl}
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				var rs *bundle.RestoredState
				if apply {
					rs, err = g.RestoreBundle(ctx, args[0], opts)
				} else {
					rs, err = g.LoadBundle(ctx, args[0], opts)
				}
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), rs, func(w io.Writer) error {
					return writeRestored(w, rs, apply)
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&mode, "mode", "m", string(bundle.ModeFull), "full, session-only, context-only or agents-only")
	f.StringVar(&validation, "validation", string(bundle.ValidateQuick), "basic, quick or strict")
	f.BoolVar(&apply, "apply", false, "seed a new ledger epoch from the bundle's usage")
	return cmd
}

func writeRestored(w io.Writer, rs *bundle.RestoredState, applied bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Bundle:\t%s (%s)\n", rs.Ref.ID, rs.Ref.Partition)
	fmt.Fprintf(tw, "Type:\t%s\n", rs.Metadata.Type)
	fmt.Fprintf(tw, "Created:\t%s\n", rs.Metadata.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Mode:\t%s\n", rs.Mode)
	if rs.Session != nil {
		fmt.Fprintf(tw, "Session:\t%s\n", rs.Session.SessionID)
	}
	if rs.Usage != nil {
		fmt.Fprintf(tw, "Tokens:\t%d / %d\n", rs.Usage.TokensUsed, rs.Usage.Ceiling)
	}
	if rs.Corruption != nil {
		fmt.Fprintf(tw, "Corruption:\t%s\n", rs.Corruption.Violation)
	}
	if rs.Repaired {
		fmt.Fprintf(tw, "Repaired:\t%s\n", rs.RepairStrategy)
	}
	if applied {
		fmt.Fprintf(tw, "Restored:\tyes\n")
	}
	return tw.Flush()
}

func (c *cli) newBundleListCmd() *cobra.Command {
	var partition string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bundles, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := bundle.Partition(partition)
			if p != "" && !p.Valid() {
				return faults.Configurationf("bundle.list", "unknown partition %q", partition)
			}
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				refs, err := g.Bundles().List(ctx, p)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), refs, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tPARTITION\tSIZE\tMODIFIED")
					for _, r := range refs {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.ID, r.Partition, r.Size, r.ModTime.Format(time.RFC3339))
					}
					return tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVarP(&partition, "partition", "p", "", "active, archive, emergency or quarantine (default all)")
	return cmd
}

func (c *cli) newBundleValidateCmd() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "validate <id|latest|prefix>",
		Short: "Check a bundle without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := bundle.ParseLevel(level)
			if err != nil {
				return faults.Configuration("bundle.validate", err)
			}
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				report, err := g.Bundles().Validate(ctx, args[0], lvl)
				if err != nil {
					return err
				}
				if perr := c.print(cmd.OutOrStdout(), report, func(w io.Writer) error {
					if report.Valid {
						_, err := fmt.Fprintf(w, "%s: valid (%s)\n", report.ID, report.Level)
						return err
					}
					_, err := fmt.Fprintf(w, "%s: invalid (%s): %s\n", report.ID, report.Level, report.Error())
					return err
				}); perr != nil {
					return perr
				}
				if !report.Valid {
					return faults.BundleCorruption("bundle.validate", report)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", string(bundle.ValidateStrict), "basic, quick or strict")
	return cmd
}

func (c *cli) newBundleRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair <id|latest|prefix>",
		Short: "Repair a damaged bundle in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				report, err := g.Bundles().Repair(ctx, args[0])
				if perr := c.print(cmd.OutOrStdout(), report, func(w io.Writer) error {
					switch {
					case report.Repaired:
						_, err := fmt.Fprintf(w, "%s: repaired with %s\n", report.ID, report.Strategy)
						return err
					case err == nil:
						_, err := fmt.Fprintf(w, "%s: already valid\n", report.ID)
						return err
					}
					return nil
				}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func (c *cli) newBundleArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id|latest|prefix>",
		Short: "Move a bundle to the archive partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				return g.Bundles().Archive(ctx, args[0])
			})
		},
	}
}

func (c *cli) newBundleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|prefix>",
		Short: "Delete a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				return g.Bundles().Delete(ctx, args[0])
			})
		},
	}
}

func (c *cli) newBundleSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Apply the retention policy to every partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				report, err := g.Bundles().Sweep(ctx, time.Now())
				if perr := c.print(cmd.OutOrStdout(), report, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "archived %d, deleted %d, failed %d\n",
						len(report.Archived), len(report.Deleted), len(report.Failed))
					return err
				}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func (c *cli) newBundleStatsCmd() *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the bundle store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				if rebuild {
					if _, err := g.Bundles().RebuildIndex(ctx); err != nil {
						return err
					}
				}
				stats, err := g.Bundles().Stats(ctx)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), stats, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintf(tw, "Total:\t%d (%d bytes)\n", stats.Total, stats.Bytes)
					for _, p := range []bundle.Partition{bundle.PartitionActive, bundle.PartitionEmergency, bundle.PartitionArchive, bundle.PartitionQuarantine} {
						fmt.Fprintf(tw, "%s:\t%d\n", p, stats.Partitions[p])
					}
					if stats.Newest != nil {
						fmt.Fprintf(tw, "Newest:\t%s\n", stats.Newest.ID)
					}
					return tw.Flush()
				})
			})
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild-index", false, "rebuild the bundle index first")
	return cmd
}
