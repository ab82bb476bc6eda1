package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/swarmrun/engine"
)

func newStatusCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's position and per-phase history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				run, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "run:       %s\n", run.RunID)
				fmt.Fprintf(w, "project:   %s\n", run.ProjectName)
				fmt.Fprintf(w, "profile:   %s\n", run.Profile)
				fmt.Fprintf(w, "status:    %s\n", run.Status)
				if run.CurrentPhase != "" {
					fmt.Fprintf(w, "phase:     %s\n", run.CurrentPhase)
				}
				if len(run.CompletedPhases) > 0 {
					fmt.Fprintf(w, "completed: %s\n", strings.Join(run.CompletedPhases, ", "))
				}
				fmt.Fprintf(w, "tokens:    %d\n", run.TokenUsage.TotalTokens())
				if run.FailureReason != "" {
					fmt.Fprintf(w, "failure:   %s\n", run.FailureReason)
				}
				for _, hint := range run.RemediationHints {
					fmt.Fprintf(w, "hint:      %s\n", hint)
				}

				for _, phase := range run.Profile.Phases() {
					rec, ok := run.Phases[phase]
					if !ok {
						continue
					}
					fmt.Fprintf(w, "\n%s (attempt %d, %s)\n", phase, rec.AttemptCount, rec.Status)
					for agentID, state := range rec.AgentStates {
						fmt.Fprintf(w, "  %-24s %-10s %6d tokens\n",
							agentID, state.Status, state.TokenUsage.TotalTokens())
					}
				}
				return exitFor(run.Status)
			})
		},
	}
}
