package swarm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts executor activity.
type Metrics struct {
	// Invocations counts agent invocation attempts, retries included.
	Invocations prometheus.Counter

	// Retries counts retry attempts after transient failures.
	Retries prometheus.Counter

	// Failures counts agents that failed after exhausting retries.
	Failures prometheus.Counter
}

// NewMetrics registers executor counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Invocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_agent_invocations_total",
			Help: "Agent invocation attempts, including retries.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_agent_retries_total",
			Help: "Agent retry attempts after transient failures.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_agent_failures_total",
			Help: "Agents failed after exhausting their retry budget.",
		}),
	}
	reg.MustRegister(m.Invocations, m.Retries, m.Failures)
	return m
}
