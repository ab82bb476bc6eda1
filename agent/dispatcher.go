package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/swarmrun/artifact"
	"github.com/c360studio/swarmrun/budget"
)

// Stage names the uniform agent lifecycle. Every invocation passes through
// the same stages regardless of role.
type Stage string

// Lifecycle stages.
const (
	StageInitialize Stage = "INITIALIZE"
	StagePlan       Stage = "PLAN"
	StageAct        Stage = "ACT"
	StageSummarize  Stage = "SUMMARIZE"
	StageComplete   Stage = "COMPLETE"
)

// Status is the terminal state of one invocation.
type Status string

// Invocation statuses.
const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// CallRequest is what the model-call surface receives. The transport
// behind it (provider selection, credentials) is outside the engine.
type CallRequest struct {
	RunID    string          `json:"run_id"`
	Phase    string          `json:"phase"`
	AgentID  string          `json:"agent_id"`
	Role     Role            `json:"role"`
	Model    string          `json:"model"`
	Strategy budget.Strategy `json:"strategy"`

	// InputSpec is the roster entry's invocation payload.
	InputSpec map[string]any `json:"input_spec,omitempty"`

	// Context is the composed context payload for the agent.
	Context any `json:"context,omitempty"`

	// WorkDir confines the agent's filesystem surface.
	WorkDir string `json:"work_dir,omitempty"`

	// NetworkDenied is set when the run executes sandboxed.
	NetworkDenied bool `json:"network_denied,omitempty"`
}

// ArtifactSpec is one entry of an agent's output manifest. Only manifest
// entries are persisted; the dispatcher never scans for side effects.
type ArtifactSpec struct {
	LogicalName string        `json:"logical_name"`
	Type        artifact.Type `json:"type,omitempty"`
	Data        []byte        `json:"data"`
}

// CallResult is the structured result of one model call.
type CallResult struct {
	// Summary is the agent's human-readable outcome description.
	Summary string `json:"summary"`

	// Output is the structured output, validated against the role spec.
	Output map[string]any `json:"output"`

	// Artifacts is the explicit output manifest.
	Artifacts []ArtifactSpec `json:"artifacts,omitempty"`

	// Token accounting reported by the call surface.
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUnits    float64 `json:"cost_units"`
}

// Caller is the role-agnostic model-call surface.
type Caller interface {
	Call(ctx context.Context, req *CallRequest) (*CallResult, error)
}

// Output is the dispatcher's normalized result for one agent.
type Output struct {
	AgentID    string          `json:"agent_id"`
	Role       Role            `json:"role"`
	Status     Status          `json:"status"`
	Summary    string          `json:"summary,omitempty"`
	Strategy   budget.Strategy `json:"strategy,omitempty"`
	Artifacts  []*artifact.Ref `json:"artifacts,omitempty"`
	TokenUsage budget.Usage    `json:"token_usage"`
	Errors     []string        `json:"errors,omitempty"`
}

// Invocation carries the per-phase environment an invocation runs in.
type Invocation struct {
	RunID     string
	Phase     string
	Ledger    *budget.Ledger
	WorkDir   string
	Sandboxed bool

	// Context is the composed context payload shared by the roster.
	Context any
}

// StageObserver is notified as an invocation moves through its lifecycle.
type StageObserver func(agentID string, stage Stage)

// Dispatcher invokes agents by role.
type Dispatcher struct {
	caller    Caller
	models    *Registry
	artifacts *artifact.Store
	logger    *slog.Logger
	onStage   StageObserver
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithStageObserver registers a lifecycle observer.
func WithStageObserver(fn StageObserver) DispatcherOption {
	return func(d *Dispatcher) { d.onStage = fn }
}

// WithModelRegistry overrides the default model registry.
func WithModelRegistry(r *Registry) DispatcherOption {
	return func(d *Dispatcher) { d.models = r }
}

// NewDispatcher creates a dispatcher over the given call surface and
// artifact store.
func NewDispatcher(caller Caller, artifacts *artifact.Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		caller:    caller,
		models:    NewDefaultRegistry(),
		artifacts: artifacts,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) stage(agentID string, s Stage) {
	if d.onStage != nil {
		d.onStage(agentID, s)
	}
}

// Invoke runs one agent through the uniform lifecycle: INITIALIZE (resolve
// spec, admit budget), PLAN, ACT (model call), SUMMARIZE (validate output,
// register artifacts), COMPLETE. Returned errors are classified
// transient, permanent, or policy violation; cancellation yields a
// cancelled output with no error.
func (d *Dispatcher) Invoke(ctx context.Context, req Request, inv *Invocation) (*Output, error) {
	out := &Output{AgentID: req.AgentID, Role: req.Role, Status: StatusFailed}

	d.stage(req.AgentID, StageInitialize)
	spec, err := SpecFor(req.Role)
	if err != nil {
		return d.fail(out, NewPermanentError(err))
	}

	budgetKey := fmt.Sprintf("%s/%s", inv.Phase, req.AgentID)
	strategy, err := inv.Ledger.SelectStrategy(budget.ScopeAgent, budgetKey)
	if err != nil {
		return d.fail(out, NewPermanentError(err))
	}
	decision, err := inv.Ledger.Admit(budget.ScopeAgent, budgetKey, strategy.CostFloor())
	if err != nil {
		return d.fail(out, NewPermanentError(err))
	}
	if !decision.Allowed {
		// One downgrade attempt before giving up.
		if next, ok := budget.Downgrade(strategy); ok {
			strategy = next
			decision, err = inv.Ledger.Admit(budget.ScopeAgent, budgetKey, strategy.CostFloor())
			if err != nil {
				return d.fail(out, NewPermanentError(err))
			}
		}
		if !decision.Allowed {
			return d.fail(out, NewPermanentError(
				fmt.Errorf("%w: %s", ErrBudgetExhausted, decision.Reason)))
		}
	}
	out.Strategy = strategy

	d.stage(req.AgentID, StagePlan)
	call := &CallRequest{
		RunID:         inv.RunID,
		Phase:         inv.Phase,
		AgentID:       req.AgentID,
		Role:          req.Role,
		Strategy:      strategy,
		InputSpec:     req.InputSpec,
		Context:       inv.Context,
		WorkDir:       inv.WorkDir,
		NetworkDenied: inv.Sandboxed,
	}

	// Models are tried in capability preference order; transient failures
	// fall through to the next model, permanent ones stop immediately.
	d.stage(req.AgentID, StageAct)
	start := time.Now()
	var result *CallResult
	models := d.models.FallbackChain(spec.Capability)
	for i, model := range models {
		call.Model = model
		result, err = d.caller.Call(ctx, call)
		if err == nil {
			break
		}
		if ctx.Err() != nil || IsPermanent(err) || IsPolicyViolation(err) {
			break
		}
		if i < len(models)-1 {
			d.logger.Warn("model call failed, falling back",
				"run_id", inv.RunID,
				"agent_id", req.AgentID,
				"model", model,
				"next_model", models[i+1],
				"error", err)
		}
	}
	elapsed := time.Since(start)
	if err != nil {
		return d.mapCallError(ctx, out, err)
	}

	out.TokenUsage = budget.Usage{
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUnits:    result.CostUnits,
		RequestCount: 1,
	}
	if err := inv.Ledger.Record(budget.ScopeAgent, budgetKey,
		result.InputTokens, result.OutputTokens, result.CostUnits); err != nil {
		return d.fail(out, NewPermanentError(err))
	}

	d.stage(req.AgentID, StageSummarize)
	if err := validateOutput(spec, result); err != nil {
		return d.fail(out, NewPermanentError(err))
	}

	registered := make(map[string]bool, len(result.Artifacts))
	for _, a := range result.Artifacts {
		typ := a.Type
		if typ == "" {
			typ = spec.DefaultArtifactType
		}
		ref, err := d.artifacts.Put(ctx, inv.RunID, inv.Phase, req.AgentID, a.LogicalName, typ, a.Data)
		if err != nil {
			return d.fail(out, NewPermanentError(fmt.Errorf("register artifact %q: %w", a.LogicalName, err)))
		}
		out.Artifacts = append(out.Artifacts, ref)
		registered[a.LogicalName] = true
	}
	for _, name := range spec.RequiredArtifacts {
		if !registered[name] {
			return d.fail(out, NewPermanentError(
				fmt.Errorf("missing required artifact %q from %s", name, req.AgentID)))
		}
	}

	d.stage(req.AgentID, StageComplete)
	out.Status = StatusSuccess
	out.Summary = result.Summary
	d.logger.Info("agent completed",
		"run_id", inv.RunID,
		"phase", inv.Phase,
		"agent_id", req.AgentID,
		"strategy", strategy,
		"duration_ms", elapsed.Milliseconds(),
		"tokens", out.TokenUsage.TotalTokens())
	return out, nil
}

// mapCallError normalizes a call failure. Cancellation is not an error:
// the output carries status cancelled. Timeouts are transient. Errors
// already classified pass through; everything else defaults to transient
// (transport failures dominate).
func (d *Dispatcher) mapCallError(ctx context.Context, out *Output, err error) (*Output, error) {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		out.Status = StatusCancelled
		out.Errors = append(out.Errors, "cancelled")
		return out, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return d.fail(out, NewTransientError(fmt.Errorf("timeout: %w", err)))
	}
	if IsTransient(err) || IsPermanent(err) || IsPolicyViolation(err) {
		return d.fail(out, err)
	}
	return d.fail(out, NewTransientError(err))
}

func (d *Dispatcher) fail(out *Output, err error) (*Output, error) {
	out.Status = StatusFailed
	out.Errors = append(out.Errors, err.Error())
	return out, err
}

// validateOutput checks the structured output against the role spec.
func validateOutput(spec Spec, result *CallResult) error {
	for _, field := range spec.RequiredOutputFields {
		if field == "summary" {
			if result.Summary == "" {
				return fmt.Errorf("output missing required field %q", field)
			}
			continue
		}
		if _, ok := result.Output[field]; !ok {
			return fmt.Errorf("output missing required field %q", field)
		}
	}
	return nil
}

// ScannerRunner adapts the dispatcher for governance tool gates: it runs a
// scanner role directly and records usage under the tool scope.
type ScannerRunner struct {
	Dispatcher *Dispatcher
	RunID      string
	Phase      string
	Ledger     *budget.Ledger
	WorkDir    string
}

// RunScanner invokes the scanner role and returns its structured output.
func (s *ScannerRunner) RunScanner(ctx context.Context, scanner string, spec map[string]any) (map[string]any, error) {
	role := Role(scanner)
	if !role.IsValid() {
		return nil, fmt.Errorf("unknown scanner role: %q", scanner)
	}

	call := &CallRequest{
		RunID:     s.RunID,
		Phase:     s.Phase,
		AgentID:   scanner,
		Role:      role,
		Model:     s.Dispatcher.models.ForRole(role),
		Strategy:  budget.StrategyMinimal,
		InputSpec: spec,
		WorkDir:   s.WorkDir,
	}
	result, err := s.Dispatcher.caller.Call(ctx, call)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/governance/%s", s.Phase, scanner)
	if err := s.Ledger.Record(budget.ScopeTool, key,
		result.InputTokens, result.OutputTokens, result.CostUnits); err != nil {
		return nil, err
	}
	return result.Output, nil
}
