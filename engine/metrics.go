package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts engine activity.
type Metrics struct {
	RunsStarted     prometheus.Counter
	RunsCompleted   prometheus.Counter
	PhasesCompleted prometheus.Counter
	PhasesFailed    prometheus.Counter
	GateBlocks      prometheus.Counter
}

// NewMetrics registers engine counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_runs_started_total",
			Help: "Runs started.",
		}),
		RunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_runs_completed_total",
			Help: "Runs reaching completed status.",
		}),
		PhasesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_phases_completed_total",
			Help: "Phases finished successfully.",
		}),
		PhasesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_phases_failed_total",
			Help: "Phases ending in POST_FAILED.",
		}),
		GateBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_gate_blocks_total",
			Help: "Governance evaluations that blocked a transition.",
		}),
	}
	reg.MustRegister(m.RunsStarted, m.RunsCompleted, m.PhasesCompleted, m.PhasesFailed, m.GateBlocks)
	return m
}
