package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360studio/swarmrun/engine"
	"github.com/c360studio/swarmrun/intake"
	"github.com/c360studio/swarmrun/planner"
)

func newStartCmd(rt *runtime) *cobra.Command {
	var (
		profile  string
		mode     string
		clientID string
	)

	cmd := &cobra.Command{
		Use:   "start <intake.yaml>",
		Short: "Create a run from an intake document",
		Long: `Start validates the intake document, detects the workflow profile from
project_type (unless --profile overrides it), and creates the run idle at
its first phase. The printed run ID drives all other commands.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read intake: %w", err)
			}
			doc, err := intake.Load(data)
			if err != nil {
				return err
			}

			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				runID, err := e.Start(ctx, doc, engine.StartOptions{
					Profile:  planner.Profile(profile),
					Mode:     engine.ExecutionMode(mode),
					ClientID: clientID,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), runID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "workflow profile (analytics, ml, webapp, optimization)")
	cmd.Flags().StringVar(&mode, "mode", "", "execution mode (standard, sandboxed)")
	cmd.Flags().StringVar(&clientID, "client", "", "client ID selecting the client policy layer")
	return cmd
}
