package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/swarmrun/engine"
)

func newApproveCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Release a consensus hold and advance the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Approve(ctx, args[0]); err != nil {
					return err
				}
				run, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if run.Status == engine.StatusCompleted {
					fmt.Fprintln(cmd.OutOrStdout(), "approved; run completed")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "approved; next phase: %s\n", run.CurrentPhase)
				return nil
			})
		},
	}
}

func newRejectCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <run-id> [reason...]",
		Short: "Reject a consensus hold, failing the run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := strings.Join(args[1:], " ")
			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Reject(ctx, args[0], reason); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rejected")
				return &ExitError{Status: engine.StatusFailed}
			})
		},
	}
}
