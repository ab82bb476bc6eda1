package budget

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds prometheus instrumentation shared by all ledgers.
type Metrics struct {
	InputTokens      prometheus.Counter
	OutputTokens     prometheus.Counter
	AdmissionDenials prometheus.Counter
}

// NewMetrics registers budget metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_budget_input_tokens_total",
			Help: "Total recorded input tokens across runs.",
		}),
		OutputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_budget_output_tokens_total",
			Help: "Total recorded output tokens across runs.",
		}),
		AdmissionDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_budget_admission_denials_total",
			Help: "Number of model calls denied by budget admission.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.InputTokens, m.OutputTokens, m.AdmissionDenials)
	}
	return m
}
