package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/contextguard"
	"github.com/aixgo-dev/contextguard/pkg/faults"
	"github.com/aixgo-dev/contextguard/pkg/recovery"
)

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session budget and risk assessment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				st := g.CurrentStatus(ctx)
				return c.print(cmd.OutOrStdout(), st, func(w io.Writer) error {
					return writeStatus(w, st)
				})
			})
		},
	}
}

func writeStatus(w io.Writer, st contextguard.Status) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Session:\t%s (epoch %d, %s)\n", st.SessionID, st.Epoch, st.WorkloadClass)
	fmt.Fprintf(tw, "Tokens:\t%d / %d (%.1f%%)\n", st.TokensUsed, st.Ceiling, st.Percent)
	if st.Overrun > 0 {
		fmt.Fprintf(tw, "Overrun:\t%d\n", st.Overrun)
	} else {
		fmt.Fprintf(tw, "Remaining:\t%d\n", st.Remaining)
	}
	fmt.Fprintf(tw, "Threshold:\t%s\n", st.ThresholdStatus)
	fmt.Fprintf(tw, "Risk:\t%s (confidence %.2f)\n", st.RiskLevel, st.Confidence)
	if len(st.Factors) > 0 {
		factors := make([]string, len(st.Factors))
		for i, f := range st.Factors {
			factors[i] = string(f)
		}
		fmt.Fprintf(tw, "Factors:\t%s\n", strings.Join(factors, ", "))
	}
	fmt.Fprintf(tw, "Action:\t%s\n", st.RecommendedAction)
	fmt.Fprintf(tw, "Recovery:\t%s\n", st.RecoveryState)
	fmt.Fprintf(tw, "Actors:\t%s\n", strings.Join(st.ActiveActors, ", "))
	return tw.Flush()
}

func (c *cli) newReportCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "report <actor> <operation> <tokens>",
		Short: "Record tokens consumed by an actor",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return faults.Configuration("report", fmt.Errorf("tokens %q: %w", args[2], err))
			}
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				ev, err := g.ReportUsage(ctx, args[0], args[1], tokens, category)
				if err != nil {
					return err
				}
				snap := g.Ledger().Snapshot()
				return c.print(cmd.OutOrStdout(), ev, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "recorded %d tokens for %s: %d / %d (%.1f%%)\n",
						tokens, args[0], snap.Live, snap.Ceiling, snap.Percent)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "usage category (default general)")
	return cmd
}

func (c *cli) newRecoverCmd() *cobra.Command {
	var level int
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run a recovery episode now",
		Long:  "recover runs a recovery episode. Without --level the entry level follows the current risk assessment.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withGuard(cmd, func(ctx context.Context, g *contextguard.Guard) error {
				ep, err := g.TriggerRecovery(ctx, recovery.Level(level))
				if ep == nil {
					return err
				}
				if perr := c.print(cmd.OutOrStdout(), ep, func(w io.Writer) error {
					return writeEpisode(w, ep)
				}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&level, "level", "l", 0, "recovery level 1-4 (0 picks from the risk assessment)")
	return cmd
}

func writeEpisode(w io.Writer, ep *recovery.Episode) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Episode:\t%s\n", ep.ID)
	fmt.Fprintf(tw, "Outcome:\t%s\n", ep.Outcome)
	fmt.Fprintf(tw, "Tokens:\t%d -> %d (saved %d)\n", ep.StartTokens, ep.FinalTokens, ep.TokensSaved())
	if ep.Bundle != "" {
		fmt.Fprintf(tw, "Bundle:\t%s\n", ep.Bundle)
	}
	for _, a := range ep.Attempts {
		fmt.Fprintf(tw, "L%d %s:\tsaved %d of %d (%.1f%%) success=%t\n",
			int(a.Level), a.Level, a.TokensSavedTotal, a.Target, a.EffectivenessPercent, a.Success)
	}
	return tw.Flush()
}
