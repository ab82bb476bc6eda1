package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/swarmrun/engine"
	"github.com/c360studio/swarmrun/event"
)

func newEventsCmd(rt *runtime) *cobra.Command {
	var fromOffset uint64

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a run's event stream",
		Long: `Events replays the run's ordered event sequence from --from (a stream
sequence; 0 means the beginning) and keeps listening until the run
completes or aborts, or the command is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				subCtx, cancel := context.WithCancel(ctx)
				defer cancel()

				ch, err := e.Bus().Subscribe(subCtx, args[0], fromOffset)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				for {
					select {
					case <-ctx.Done():
						if errors.Is(ctx.Err(), context.Canceled) {
							return nil
						}
						return ctx.Err()
					case ev, ok := <-ch:
						if !ok {
							return nil
						}
						printEvent(w, ev)
						if ev.Type == event.TypeRunCompleted || ev.Type == event.TypeRunAborted {
							return nil
						}
					}
				}
			})
		},
	}

	cmd.Flags().Uint64Var(&fromOffset, "from", 0, "replay from this stream sequence")
	return cmd
}

func printEvent(w io.Writer, ev *event.Event) {
	var parts []string
	if ev.Phase != "" {
		parts = append(parts, "phase="+ev.Phase)
	}
	if ev.AgentID != "" {
		parts = append(parts, "agent="+ev.AgentID)
	}
	if len(ev.Data) > 0 {
		data, _ := json.Marshal(ev.Data)
		parts = append(parts, string(data))
	}
	fmt.Fprintf(w, "%6d  %s  %-26s %s\n",
		ev.Sequence, ev.Timestamp.Format("15:04:05.000"), ev.Type, strings.Join(parts, " "))
}
