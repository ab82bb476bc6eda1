// Package commands implements the swarmrun CLI: one cobra command per
// engine operation, sharing a runtime that connects to NATS (or starts an
// embedded server) and constructs the engine on demand.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "0.1.0"

// NewRoot builds the swarmrun command tree.
func NewRoot() *cobra.Command {
	rt := &runtime{}

	cmd := &cobra.Command{
		Use:   "swarmrun",
		Short: "Multi-agent workflow engine",
		Long: `Swarmrun drives projects through phased multi-agent workflows:
auto-detected plans, parallel agent swarms, versioned checkpoints with
rollback, governance gates, and hierarchical token budgets.

State lives in NATS JetStream. Without --nats-url an embedded server is
started, scoped to the process; point --nats-url at a durable server to
drive runs across invocations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Flags overlay swarmrun.yaml / ~/.config/swarmrun/config.yaml.
	pf := cmd.PersistentFlags()
	pf.StringVar(&rt.natsURL, "nats-url", "", "NATS server URL (empty starts an embedded server)")
	pf.StringVar(&rt.policyDir, "policy-dir", "", "governance policy directory (universal.yaml, org.yaml, clients/)")
	pf.StringVar(&rt.workDir, "work-dir", "", "agent workspace root (default \"work\")")
	pf.StringVar(&rt.agentURL, "agent-url", "", "agent call endpoint; empty uses deterministic stub agents")
	pf.StringVar(&rt.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&rt.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address for the life of the command")

	cmd.AddCommand(
		newStartCmd(rt),
		newNextCmd(rt),
		newStatusCmd(rt),
		newApproveCmd(rt),
		newRejectCmd(rt),
		newRetryCmd(rt),
		newRollbackCmd(rt),
		newAbortCmd(rt),
		newResumeCmd(rt),
		newMetricsCmd(rt),
		newEventsCmd(rt),
		newCheckpointsCmd(rt),
		newConfigCmd(rt),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "swarmrun %s\n", Version)
			},
		},
	)
	return cmd
}
