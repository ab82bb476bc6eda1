package swarm

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/c360studio/swarmrun/agent"
)

// Defaults for executor tuning.
const (
	DefaultConcurrency    = 4
	DefaultRetryBudget    = 2
	DefaultAgentTimeout   = 10 * time.Minute
	DefaultRetryBaseDelay = 500 * time.Millisecond
)

// AgentInvoker runs one agent to completion. *agent.Dispatcher satisfies it.
type AgentInvoker interface {
	Invoke(ctx context.Context, req agent.Request, inv *agent.Invocation) (*agent.Output, error)
}

// Result is the outcome of one phase execution. Outputs are in roster
// order regardless of completion order; agents never dispatched carry
// status skipped.
type Result struct {
	Outputs []*agent.Output `json:"outputs"`

	// Failed is set when any agent failed after exhausting retries.
	Failed bool `json:"failed"`

	// Cancelled is set when execution stopped on context cancellation.
	Cancelled bool `json:"cancelled"`
}

// Output returns the result for one agent, or nil if unknown.
func (r *Result) Output(agentID string) *agent.Output {
	for _, out := range r.Outputs {
		if out.AgentID == agentID {
			return out
		}
	}
	return nil
}

// FailedAgents returns the IDs of agents with status failed, roster order.
func (r *Result) FailedAgents() []string {
	var ids []string
	for _, out := range r.Outputs {
		if out.Status == agent.StatusFailed {
			ids = append(ids, out.AgentID)
		}
	}
	return ids
}

// Executor runs rosters level by level with bounded concurrency. Transient
// agent failures are retried with jittered exponential backoff; a failure
// that survives its retry budget stops dispatch of later levels while
// already-running peers finish.
type Executor struct {
	invoker     AgentInvoker
	concurrency int
	retryBudget int
	timeout     time.Duration
	retryBase   time.Duration
	logger      *slog.Logger
	metrics     *Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithConcurrency bounds in-flight agents.
func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithRetryBudget sets retries per agent for transient failures.
func WithRetryBudget(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.retryBudget = n
		}
	}
}

// WithAgentTimeout bounds each invocation attempt. Zero disables.
func WithAgentTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithRetryBaseDelay sets the backoff base delay.
func WithRetryBaseDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.retryBase = d
		}
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithExecutorMetrics attaches execution counters.
func WithExecutorMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor over the given invoker.
func NewExecutor(invoker AgentInvoker, opts ...ExecutorOption) *Executor {
	e := &Executor{
		invoker:     invoker,
		concurrency: DefaultConcurrency,
		retryBudget: DefaultRetryBudget,
		timeout:     DefaultAgentTimeout,
		retryBase:   DefaultRetryBaseDelay,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the roster. Graph defects return *InvalidGraphError before
// any agent is invoked. Agent failures do not surface as errors; the
// Result carries per-agent statuses and the Failed flag.
func (e *Executor) Execute(ctx context.Context, roster agent.Roster, inv *agent.Invocation) (*Result, error) {
	graph, err := NewGraph(roster)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]agent.Request, len(roster))
	for _, req := range roster {
		byID[req.AgentID] = req
	}

	var (
		mu        sync.Mutex
		outputs   = make(map[string]*agent.Output, len(roster))
		failed    bool
		cancelled bool
	)
	sem := make(chan struct{}, e.concurrency)

	for _, level := range graph.Levels() {
		mu.Lock()
		stop := failed || cancelled
		mu.Unlock()
		if stop || ctx.Err() != nil {
			break
		}

		var wg sync.WaitGroup
		for _, id := range level {
			wg.Add(1)
			go func(req agent.Request) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				out := e.runWithRetry(ctx, req, inv)
				mu.Lock()
				outputs[req.AgentID] = out
				switch out.Status {
				case agent.StatusFailed:
					failed = true
				case agent.StatusCancelled:
					cancelled = true
				}
				mu.Unlock()
			}(byID[id])
		}
		wg.Wait()
	}

	if ctx.Err() != nil {
		cancelled = true
	}

	result := &Result{Failed: failed, Cancelled: cancelled}
	for _, req := range roster {
		out, ok := outputs[req.AgentID]
		if !ok {
			out = &agent.Output{AgentID: req.AgentID, Role: req.Role, Status: agent.StatusSkipped}
		}
		result.Outputs = append(result.Outputs, out)
	}
	if failed {
		e.logger.Warn("phase execution failed",
			"run_id", inv.RunID,
			"phase", inv.Phase,
			"failed_agents", result.FailedAgents())
	}
	return result, nil
}

// runWithRetry invokes one agent, retrying transient failures up to the
// retry budget. Permanent failures and policy violations stop immediately.
func (e *Executor) runWithRetry(ctx context.Context, req agent.Request, inv *agent.Invocation) *agent.Output {
	var (
		out *agent.Output
		err error
	)
	for attempt := 0; attempt <= e.retryBudget; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.Retries.Inc()
			}
			select {
			case <-ctx.Done():
				return &agent.Output{AgentID: req.AgentID, Role: req.Role, Status: agent.StatusCancelled}
			case <-time.After(backoffDelay(attempt, e.retryBase)):
			}
		}

		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if e.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		}
		if e.metrics != nil {
			e.metrics.Invocations.Inc()
		}
		out, err = e.invoker.Invoke(callCtx, req, inv)
		cancel()

		if err == nil {
			return out
		}
		if !agent.IsTransient(err) {
			break
		}
		e.logger.Warn("agent failed, retrying",
			"run_id", inv.RunID,
			"phase", inv.Phase,
			"agent_id", req.AgentID,
			"attempt", attempt+1,
			"error", err)
	}

	if e.metrics != nil {
		e.metrics.Failures.Inc()
	}
	if out == nil {
		out = &agent.Output{AgentID: req.AgentID, Role: req.Role, Status: agent.StatusFailed}
		if err != nil {
			out.Errors = append(out.Errors, err.Error())
		}
	}
	return out
}

// backoffDelay returns base * 2^(attempt-1) with +/-25% jitter.
func backoffDelay(attempt int, base time.Duration) time.Duration {
	d := base << (attempt - 1)
	jitter := 0.75 + 0.5*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
