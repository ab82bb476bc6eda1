package commands

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/c360studio/swarmrun/budget"
	"github.com/c360studio/swarmrun/engine"
)

func newMetricsCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <run-id>",
		Short: "Show a run's hierarchical token and cost usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Usage(ctx, args[0])
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "run total: %d in / %d out / %.4f cost\n",
					report.Total.InputTokens, report.Total.OutputTokens, report.Total.CostUnits)
				printScope(w, "phase", report.Phases)
				printScope(w, "agent", report.Agents)
				printScope(w, "tool", report.Tools)
				return nil
			})
		},
	}
}

func printScope(w io.Writer, label string, usages map[string]budget.Usage) {
	if len(usages) == 0 {
		return
	}
	keys := make([]string, 0, len(usages))
	for k := range usages {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		u := usages[k]
		fmt.Fprintf(w, "  %-6s %-40s %6d in %6d out %8.4f cost\n",
			label, k, u.InputTokens, u.OutputTokens, u.CostUnits)
	}
}
