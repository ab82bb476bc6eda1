package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/swarmrun/engine"
)

func newAbortCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Cancel in-flight work and mark the run aborted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Abort(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "aborted")
				return &ExitError{Status: engine.StatusAborted}
			})
		},
	}
}

func newResumeCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Return an aborted or failed run to idle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Resume(ctx, args[0]); err != nil {
					return err
				}
				run, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resumed; current phase: %s\n", run.CurrentPhase)
				return nil
			})
		},
	}
}
