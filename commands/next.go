package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/swarmrun/engine"
)

func newNextCmd(rt *runtime) *cobra.Command {
	var (
		maxWorkers int
		timeout    time.Duration
		follow     bool
	)

	cmd := &cobra.Command{
		Use:   "next <run-id>",
		Short: "Execute the run's current phase",
		Long: `Next runs one phase: PRE checkpoint, roster planning, parallel agent
execution, governance evaluation, POST checkpoint. With --follow it keeps
going until the run completes or needs an operator.

Exit codes: 0 on completion or more phases pending, 1 when the run failed
or aborted, 3 when it holds for consensus or a blocked gate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				opts := engine.NextOptions{MaxWorkers: maxWorkers, Timeout: timeout}
				for {
					outcome, err := e.Next(ctx, args[0], opts)
					if err != nil {
						return err
					}
					printOutcome(cmd.OutOrStdout(), outcome)
					if !follow || outcome.RunStatus != engine.StatusIdle {
						return exitFor(outcome.RunStatus)
					}
				}
			})
		},
	}

	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "max concurrent agents (0 uses the engine default)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "phase timeout (0 means none)")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep executing phases until the run stops")
	return cmd
}

func printOutcome(w io.Writer, o *engine.PhaseOutcome) {
	fmt.Fprintf(w, "phase: %s\n", o.Phase)
	if o.PhaseStatus != "" {
		fmt.Fprintf(w, "phase status: %s\n", o.PhaseStatus)
	}
	fmt.Fprintf(w, "run status: %s\n", o.RunStatus)
	for _, out := range o.AgentOutputs {
		fmt.Fprintf(w, "  %-24s %-10s %6d tokens\n",
			out.AgentID, out.Status, out.TokenUsage.TotalTokens())
	}
	if o.Governance != nil {
		fmt.Fprintf(w, "governance: %s\n", o.Governance.Overall)
	}
	if o.PostCheckpointID != "" {
		fmt.Fprintf(w, "post checkpoint: %s\n", o.PostCheckpointID)
	}
	if o.FailureReason != "" {
		fmt.Fprintf(w, "failure: %s\n", o.FailureReason)
	}
	for _, hint := range o.RemediationHints {
		fmt.Fprintf(w, "hint: %s\n", hint)
	}
}
