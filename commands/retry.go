package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/c360studio/swarmrun/engine"
)

func newRetryCmd(rt *runtime) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "retry <run-id> <phase>",
		Short: "Replay a failed or blocked phase",
		Long: `Retry replays the failed subset of the phase's roster under the same
PRE checkpoint, bumping the attempt count. With --agent only that agent
is replayed. Three attempts per phase are allowed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				outcome, err := e.Retry(ctx, args[0], args[1], agentID)
				if err != nil {
					return err
				}
				printOutcome(cmd.OutOrStdout(), outcome)
				return exitFor(outcome.RunStatus)
			})
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "replay only this agent")
	return cmd
}
