package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/swarmrun/engine"
)

func newRollbackCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <run-id> <checkpoint-id>",
		Short: "Restore a run to an earlier checkpoint",
		Long: `Rollback restores the run to the state captured by the target
checkpoint: completed phases are trimmed, downstream artifact manifests
are archived (blobs stay in the store), and a PRE_ROLLBACK checkpoint
referencing the target is written. The run resumes idle at the target's
phase; use checkpoints to find a target ID.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Rollback(ctx, args[0], args[1]); err != nil {
					return err
				}
				run, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back; current phase: %s\n", run.CurrentPhase)
				return nil
			})
		},
	}
}

func newCheckpointsCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints <run-id>",
		Short: "List a run's checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				run, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				cps, err := e.Checkpoints().ListForRun(ctx, args[0], run.Profile.PhaseOrder)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, cp := range cps {
					fmt.Fprintf(w, "%-14s %-13s v%-3d %s  %s\n",
						cp.Phase, cp.Kind, cp.Version, cp.CheckpointID,
						cp.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
}
