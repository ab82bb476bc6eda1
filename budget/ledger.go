package budget

import (
	"fmt"
	"log/slog"
	"sync"
)

// Limits configures a ledger: the run ceiling plus default ceilings applied
// to every node of a scope. Per-key overrides win over scope defaults.
type Limits struct {
	// Run bounds the whole run.
	Run Limit `json:"run"`

	// PhaseDefault bounds each phase unless overridden.
	PhaseDefault Limit `json:"phase_default"`

	// AgentDefault bounds each agent unless overridden.
	AgentDefault Limit `json:"agent_default"`

	// ToolDefault bounds each tool unless overridden.
	ToolDefault Limit `json:"tool_default"`

	// Overrides maps a node key to its explicit limit.
	Overrides map[string]Limit `json:"overrides,omitempty"`
}

// defaultFor returns the configured limit for a node.
func (l Limits) defaultFor(scope Scope, key string) Limit {
	if override, ok := l.Overrides[key]; ok {
		return override
	}
	switch scope {
	case ScopeRun:
		return l.Run
	case ScopePhase:
		return l.PhaseDefault
	case ScopeAgent:
		return l.AgentDefault
	default:
		return l.ToolDefault
	}
}

// ThresholdFunc is invoked once per node when usage first crosses the
// alert fraction of its token limit.
type ThresholdFunc func(scope Scope, key string, used, limit int64)

// DefaultAlertFraction is the usage fraction that triggers a threshold
// notification.
const DefaultAlertFraction = 0.8

type node struct {
	scope Scope
	key   string
	usage Usage
	limit Limit
	fired bool
}

// Ledger tracks hierarchical token and cost usage for one run. All methods
// are safe for concurrent use; updates are serialized by a single mutex so
// reads observe a consistent snapshot.
type Ledger struct {
	runID         string
	limits        Limits
	alertFraction float64
	onThreshold   ThresholdFunc
	logger        *slog.Logger
	metrics       *Metrics

	mu    sync.Mutex
	nodes map[string]*node // keyed by scope-qualified path
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithAlertFraction sets the usage fraction that triggers threshold
// notifications.
func WithAlertFraction(f float64) LedgerOption {
	return func(l *Ledger) {
		if f > 0 && f <= 1 {
			l.alertFraction = f
		}
	}
}

// WithThresholdFunc registers the threshold notification callback.
func WithThresholdFunc(fn ThresholdFunc) LedgerOption {
	return func(l *Ledger) { l.onThreshold = fn }
}

// WithLedgerLogger sets the logger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *Metrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger creates a ledger for one run.
func NewLedger(runID string, limits Limits, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		runID:         runID,
		limits:        limits,
		alertFraction: DefaultAlertFraction,
		logger:        slog.Default(),
		nodes:         make(map[string]*node),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunID returns the owning run.
func (l *Ledger) RunID() string { return l.runID }

// nodeFor returns the node for (scope, key), creating it with the scope's
// configured limit on first touch. Caller holds l.mu.
func (l *Ledger) nodeFor(scope Scope, key string) *node {
	id := string(scope) + ":" + key
	n, ok := l.nodes[id]
	if !ok {
		n = &node{scope: scope, key: key, limit: l.limits.defaultFor(scope, key)}
		l.nodes[id] = n
	}
	return n
}

// chain returns the node for key and all its ancestors, outermost first.
// The scope of each node follows from its depth. Caller holds l.mu.
func (l *Ledger) chain(key string) []*node {
	segments := keyPath(key)
	nodes := make([]*node, 0, len(segments)+1)
	nodes = append(nodes, l.nodeFor(ScopeRun, ""))
	for i := range segments {
		nodes = append(nodes, l.nodeFor(scopeAtDepth[i+1], joinKey(segments[:i+1])))
	}
	return nodes
}

func joinKey(segments []string) string {
	out := segments[0]
	for _, s := range segments[1:] {
		out += "/" + s
	}
	return out
}

// Admit checks whether a call with the given estimated input tokens fits
// within the node and every ancestor. Counters are never mutated by a
// denial, nor by an approval; only Record moves them.
func (l *Ledger) Admit(scope Scope, key string, estimatedInput int64) (Decision, error) {
	if err := validateKey(scope, key); err != nil {
		return Decision{}, err
	}
	if estimatedInput < 0 {
		return Decision{}, fmt.Errorf("negative token estimate: %d", estimatedInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, n := range l.chain(key) {
		if n.limit.MaxTokens > 0 && n.usage.TotalTokens()+estimatedInput > n.limit.MaxTokens {
			if l.metrics != nil {
				l.metrics.AdmissionDenials.Inc()
			}
			return Decision{
				Allowed:     false,
				DeniedScope: n.scope,
				DeniedKey:   n.key,
				Reason: fmt.Sprintf("%s budget exceeded: %d used + %d estimated > %d limit",
					n.scope, n.usage.TotalTokens(), estimatedInput, n.limit.MaxTokens),
			}, nil
		}
		// Cost has no per-call estimate; the ceiling gates further calls
		// once recorded spend reaches it.
		if n.limit.MaxCostUnits > 0 && n.usage.CostUnits >= n.limit.MaxCostUnits {
			if l.metrics != nil {
				l.metrics.AdmissionDenials.Inc()
			}
			return Decision{
				Allowed:     false,
				DeniedScope: n.scope,
				DeniedKey:   n.key,
				Reason: fmt.Sprintf("%s cost budget exhausted: %.4f used >= %.4f limit",
					n.scope, n.usage.CostUnits, n.limit.MaxCostUnits),
			}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Record adds usage to the node and every ancestor atomically and fires
// threshold notifications for any node that crosses its alert fraction.
func (l *Ledger) Record(scope Scope, key string, inputTokens, outputTokens int64, cost float64) error {
	if err := validateKey(scope, key); err != nil {
		return err
	}
	if inputTokens < 0 || outputTokens < 0 || cost < 0 {
		return fmt.Errorf("negative usage: in=%d out=%d cost=%f", inputTokens, outputTokens, cost)
	}

	delta := Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUnits:    cost,
		RequestCount: 1,
	}

	type crossing struct {
		scope Scope
		key   string
		used  int64
		limit int64
	}
	var crossed []crossing

	l.mu.Lock()
	for _, n := range l.chain(key) {
		n.usage.Add(delta)
		if n.limit.MaxTokens <= 0 || n.fired {
			continue
		}
		if float64(n.usage.TotalTokens()) >= l.alertFraction*float64(n.limit.MaxTokens) {
			n.fired = true
			crossed = append(crossed, crossing{n.scope, n.key, n.usage.TotalTokens(), n.limit.MaxTokens})
		}
	}
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.InputTokens.Add(float64(inputTokens))
		l.metrics.OutputTokens.Add(float64(outputTokens))
	}

	for _, c := range crossed {
		l.logger.Warn("budget threshold crossed",
			"run_id", l.runID,
			"scope", c.scope,
			"key", c.key,
			"used_tokens", c.used,
			"limit_tokens", c.limit)
		if l.onThreshold != nil {
			l.onThreshold(c.scope, c.key, c.used, c.limit)
		}
	}
	return nil
}

// Snapshot returns a copy of the usage counters for a node. Untouched
// nodes report zero usage.
func (l *Ledger) Snapshot(scope Scope, key string) (Usage, error) {
	if err := validateKey(scope, key); err != nil {
		return Usage{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nodeFor(scope, key).usage, nil
}

// Remaining returns the unused token headroom for a node considering the
// node and all ancestors. Unlimited chains report -1.
func (l *Ledger) Remaining(scope Scope, key string) (int64, error) {
	if err := validateKey(scope, key); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := int64(-1)
	for _, n := range l.chain(key) {
		if n.limit.MaxTokens <= 0 {
			continue
		}
		headroom := n.limit.MaxTokens - n.usage.TotalTokens()
		if headroom < 0 {
			headroom = 0
		}
		if remaining < 0 || headroom < remaining {
			remaining = headroom
		}
	}
	return remaining, nil
}

// Report summarizes usage for the run: the run total plus per-phase and
// per-agent breakdowns.
type Report struct {
	RunID  string           `json:"run_id"`
	Total  Usage            `json:"total"`
	Phases map[string]Usage `json:"phases"`
	Agents map[string]Usage `json:"agents"`
	Tools  map[string]Usage `json:"tools,omitempty"`
}

// Report builds the usage breakdown for the run.
func (l *Ledger) Report() *Report {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := &Report{
		RunID:  l.runID,
		Phases: make(map[string]Usage),
		Agents: make(map[string]Usage),
		Tools:  make(map[string]Usage),
	}
	for _, n := range l.nodes {
		switch n.scope {
		case ScopeRun:
			r.Total = n.usage
		case ScopePhase:
			r.Phases[n.key] = n.usage
		case ScopeAgent:
			r.Agents[n.key] = n.usage
		case ScopeTool:
			r.Tools[n.key] = n.usage
		}
	}
	return r
}
