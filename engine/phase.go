package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/swarmrun/agent"
	"github.com/c360studio/swarmrun/artifact"
	"github.com/c360studio/swarmrun/budget"
	"github.com/c360studio/swarmrun/checkpoint"
	"github.com/c360studio/swarmrun/event"
	"github.com/c360studio/swarmrun/governance"
	"github.com/c360studio/swarmrun/intake"
	"github.com/c360studio/swarmrun/planner"
	"github.com/c360studio/swarmrun/source"
	"github.com/c360studio/swarmrun/swarm"
)

// PhaseOutcome reports the result of one Next or Retry call.
type PhaseOutcome struct {
	RunID string `json:"run_id"`
	Phase string `json:"phase,omitempty"`

	// RunStatus is the run's position after the call.
	RunStatus Status `json:"run_status"`

	// PhaseStatus is completed, failed, blocked, or cancelled; empty when
	// no phase work happened.
	PhaseStatus string `json:"phase_status,omitempty"`

	AgentOutputs []*agent.Output    `json:"agent_outputs,omitempty"`
	Governance   *governance.Result `json:"governance,omitempty"`

	PreCheckpointID  string `json:"pre_checkpoint_id,omitempty"`
	PostCheckpointID string `json:"post_checkpoint_id,omitempty"`

	// TokenUsage is this attempt's roster total.
	TokenUsage budget.Usage `json:"token_usage"`

	FailureReason    string   `json:"failure_reason,omitempty"`
	RemediationHints []string `json:"remediation_hints,omitempty"`
}

// outcomeFor describes a run that did no phase work on this call.
func (e *Engine) outcomeFor(run *Run) *PhaseOutcome {
	out := &PhaseOutcome{
		RunID:            run.RunID,
		Phase:            run.CurrentPhase,
		RunStatus:        run.Status,
		FailureReason:    run.FailureReason,
		RemediationHints: run.RemediationHints,
	}
	if rec, ok := run.Phases[run.CurrentPhase]; ok {
		out.PreCheckpointID = rec.PreCheckpointID
		out.PostCheckpointID = rec.PostCheckpointID
	}
	return out
}

// phasePayload is the composed context handed to every agent of a phase.
type phasePayload struct {
	Intake         *intake.Document   `json:"intake"`
	Phase          string             `json:"phase"`
	PriorSummaries map[string]string  `json:"prior_summaries,omitempty"`
	Sources        []*source.Document `json:"sources,omitempty"`
}

// executePhase runs the per-phase protocol for run.CurrentPhase. When only
// is non-empty, the roster is restricted to that subset (retry path) and
// the existing PRE checkpoint is kept.
func (e *Engine) executePhase(ctx context.Context, run *Run, opts NextOptions, only []string) (*PhaseOutcome, error) {
	phase := run.CurrentPhase
	rec := run.phaseRecord(phase)
	rec.AttemptCount++
	rec.StartedAt = time.Now().UTC()
	run.Status = StatusRunningPhase
	if err := e.runs.Save(ctx, run); err != nil {
		return nil, err
	}

	pol := e.policyFor(run)
	ledger := e.ledgerFor(run, pol)
	retrying := len(only) > 0 && rec.PreCheckpointID != ""

	if !retrying {
		pre, err := e.snapshot(ctx, run, phase, checkpoint.KindPre, rec.AgentStates, nil, nil)
		if err != nil {
			return nil, e.abortOnIntegrity(ctx, run, fmt.Errorf("pre checkpoint: %w", err))
		}
		rec.PreCheckpointID = pre.CheckpointID
	}

	roster, err := planner.Plan(run.Intake, pol, run.Profile, phase)
	if err != nil {
		return e.failPhase(ctx, run, rec, nil, fmt.Sprintf("plan roster: %v", err))
	}
	if retrying {
		roster = filterRoster(roster, only)
		if len(roster) == 0 {
			return e.failPhase(ctx, run, rec, nil, "retry subset matches no roster agent")
		}
	}

	e.bus.Publish(event.New(run.RunID, event.TypePhaseStarted).
		WithPhase(phase).
		WithData(map[string]any{"attempt": rec.AttemptCount, "agents": roster.IDs()}))

	workDir := filepath.Join(e.workRoot, run.RunID, phase)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	inv := &agent.Invocation{
		RunID:     run.RunID,
		Phase:     phase,
		Ledger:    ledger,
		WorkDir:   workDir,
		Sandboxed: run.ExecutionMode == ModeSandboxed,
		Context:   e.composePayload(ctx, run, phase),
	}

	concurrency := e.concurrency
	if opts.MaxWorkers > 0 {
		concurrency = opts.MaxWorkers
	}
	execOpts := []swarm.ExecutorOption{
		swarm.WithConcurrency(concurrency),
		swarm.WithAgentTimeout(e.agentTimeout),
		swarm.WithExecutorLogger(e.logger),
	}
	if e.swarmMetrics != nil {
		execOpts = append(execOpts, swarm.WithExecutorMetrics(e.swarmMetrics))
	}
	executor := swarm.NewExecutor(
		&eventingInvoker{dispatcher: e.dispatcher, bus: e.bus}, execOpts...)
	result, err := executor.Execute(ctx, roster, inv)
	if err != nil {
		// Graph defects are permanent; no agent ran.
		return e.failPhase(ctx, run, rec, nil, fmt.Sprintf("roster graph: %v", err))
	}

	var attemptUsage budget.Usage
	if rec.AgentStates == nil {
		rec.AgentStates = make(map[string]checkpoint.AgentState, len(result.Outputs))
	}
	for _, out := range result.Outputs {
		attemptUsage.Add(out.TokenUsage)
		rec.AgentStates[out.AgentID] = checkpoint.AgentState{
			Status:        string(out.Status),
			TokenUsage:    out.TokenUsage,
			OutputSummary: out.Summary,
		}
	}
	rec.TokenUsage.Add(attemptUsage)
	run.TokenUsage.Add(attemptUsage)

	outcome := &PhaseOutcome{
		RunID:           run.RunID,
		Phase:           phase,
		AgentOutputs:    result.Outputs,
		PreCheckpointID: rec.PreCheckpointID,
		TokenUsage:      attemptUsage,
	}

	if result.Cancelled {
		return e.concludeFailed(ctx, run, rec, outcome, "cancelled")
	}
	if result.Failed {
		reason := fmt.Sprintf("agents failed: %v", result.FailedAgents())
		outcome.RemediationHints = agentHints(result.Outputs)
		return e.concludeFailed(ctx, run, rec, outcome, reason)
	}
	if missing := missingArtifacts(ctx, e.artifacts, run.RunID, roster, result); len(missing) > 0 {
		return e.concludeFailed(ctx, run, rec, outcome,
			fmt.Sprintf("missing required artifacts: %v", missing))
	}

	govResult, err := e.evaluateGovernance(ctx, run, pol, phase, workDir, ledger)
	if err != nil {
		return nil, e.abortOnIntegrity(ctx, run, fmt.Errorf("governance: %w", err))
	}
	outcome.Governance = govResult
	rec.GovernanceOverall = string(govResult.Overall)

	post, err := e.snapshot(ctx, run, phase, checkpoint.KindPost, rec.AgentStates, govResult, nil)
	if err != nil {
		return nil, e.abortOnIntegrity(ctx, run, fmt.Errorf("post checkpoint: %w", err))
	}
	rec.PostCheckpointID = post.CheckpointID
	outcome.PostCheckpointID = post.CheckpointID
	e.publishCheckpoint(run.RunID, post)

	if govResult.Overall == governance.OverallBlock {
		hints := govResult.RemediationHints(3)
		run.Status = StatusAwaitingPostGate
		run.RemediationHints = hints
		rec.Status = "blocked"
		if err := e.runs.Save(ctx, run); err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.metrics.GateBlocks.Inc()
		}
		e.bus.Publish(event.New(run.RunID, event.TypeGovernanceCheckFailed).
			WithPhase(phase).
			WithData(map[string]any{"overall": string(govResult.Overall), "hints": hints}))
		outcome.RunStatus = run.Status
		outcome.PhaseStatus = "blocked"
		outcome.RemediationHints = hints
		return outcome, nil
	}

	e.bus.Publish(event.New(run.RunID, event.TypeGovernanceCheckPassed).
		WithPhase(phase).
		WithData(map[string]any{"overall": string(govResult.Overall)}))

	rec.Status = "completed"
	rec.CompletedAt = time.Now().UTC()
	if !run.completed(phase) {
		run.CompletedPhases = append(run.CompletedPhases, phase)
	}
	run.RemediationHints = nil
	if e.metrics != nil {
		e.metrics.PhasesCompleted.Inc()
	}
	e.bus.Publish(event.New(run.RunID, event.TypePhaseCompleted).
		WithPhase(phase).
		WithData(map[string]any{"tokens": attemptUsage.TotalTokens()}))

	if e.isConsensusBoundary(pol, run.Profile, phase) {
		run.Status = StatusAwaitingConsensus
		if err := e.runs.Save(ctx, run); err != nil {
			return nil, err
		}
		e.bus.Publish(event.New(run.RunID, event.TypeConsensusRequested).
			WithPhase(phase).
			WithData(map[string]any{
				"checkpoint_id":     post.CheckpointID,
				"checkpoint_digest": post.Checksum,
			}))
		outcome.RunStatus = run.Status
		outcome.PhaseStatus = "completed"
		return outcome, nil
	}

	e.advance(run)
	if err := e.runs.Save(ctx, run); err != nil {
		return nil, err
	}
	e.emitTerminal(run)
	outcome.RunStatus = run.Status
	outcome.PhaseStatus = "completed"
	return outcome, nil
}

// concludeFailed writes the POST_FAILED checkpoint and parks the run in
// failed status. Partial artifacts are kept.
func (e *Engine) concludeFailed(ctx context.Context, run *Run, rec *PhaseRecord, outcome *PhaseOutcome, reason string) (*PhaseOutcome, error) {
	post, err := e.snapshot(ctx, run, rec.Phase, checkpoint.KindPostFailed, rec.AgentStates, nil,
		map[string]string{"reason": reason})
	if err != nil {
		return nil, e.abortOnIntegrity(ctx, run, fmt.Errorf("post_failed checkpoint: %w", err))
	}
	rec.PostCheckpointID = post.CheckpointID
	rec.Status = "failed"
	rec.FailureReason = reason
	run.Status = StatusFailed
	run.FailureReason = reason
	run.RemediationHints = outcome.RemediationHints
	if err := e.runs.Save(ctx, run); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.PhasesFailed.Inc()
	}
	e.publishCheckpoint(run.RunID, post)
	e.bus.Publish(event.New(run.RunID, event.TypePhaseFailed).
		WithPhase(rec.Phase).
		WithData(map[string]any{"reason": reason}))
	e.logger.Warn("phase failed", "run_id", run.RunID, "phase", rec.Phase, "reason", reason)

	outcome.RunStatus = run.Status
	outcome.PhaseStatus = "failed"
	if reason == "cancelled" {
		outcome.PhaseStatus = "cancelled"
	}
	outcome.PostCheckpointID = post.CheckpointID
	outcome.FailureReason = reason
	return outcome, nil
}

// failPhase handles failures before any agent ran (planning, graph).
func (e *Engine) failPhase(ctx context.Context, run *Run, rec *PhaseRecord, outputs []*agent.Output, reason string) (*PhaseOutcome, error) {
	outcome := &PhaseOutcome{
		RunID:           run.RunID,
		Phase:           rec.Phase,
		AgentOutputs:    outputs,
		PreCheckpointID: rec.PreCheckpointID,
	}
	return e.concludeFailed(ctx, run, rec, outcome, reason)
}

// abortOnIntegrity aborts the run on integrity failures; other errors pass
// through for the caller to retry.
func (e *Engine) abortOnIntegrity(ctx context.Context, run *Run, err error) error {
	if !errors.Is(err, checkpoint.ErrIntegrity) && !errors.Is(err, artifact.ErrIntegrity) {
		return err
	}
	run.Status = StatusAborted
	run.FailureReason = err.Error()
	if saveErr := e.runs.Save(ctx, run); saveErr != nil {
		e.logger.Error("save aborted run", "run_id", run.RunID, "error", saveErr)
	}
	e.bus.Publish(event.New(run.RunID, event.TypeRunAborted).
		WithPhase(run.CurrentPhase).
		WithData(map[string]any{"reason": err.Error()}))
	e.logger.Error("run aborted on integrity failure", "run_id", run.RunID, "error", err)
	return err
}

// snapshot freezes the run into a checkpoint of the given kind. The
// artifact map is the run's active manifest.
func (e *Engine) snapshot(ctx context.Context, run *Run, phase string, kind checkpoint.Kind,
	agentStates map[string]checkpoint.AgentState, gov *governance.Result, metadata map[string]string) (*checkpoint.Checkpoint, error) {

	refs, err := e.artifacts.ListByRun(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	arts := make(map[string]checkpoint.ArtifactEntry, len(refs))
	for _, ref := range refs {
		arts[ref.LogicalName] = checkpoint.ArtifactEntry{
			ArtifactID: ref.ArtifactID,
			StablePath: ref.StablePath,
			BlobHash:   ref.BlobHash,
			Size:       ref.Size,
		}
	}

	cp := &checkpoint.Checkpoint{
		RunID:        run.RunID,
		Phase:        phase,
		Kind:         kind,
		Artifacts:    arts,
		AgentStates:  agentStates,
		Orchestrator: run.orchestratorState(),
		Governance:   gov,
		Metadata:     metadata,
	}
	created, err := e.checkpoints.Create(ctx, cp)
	if err != nil {
		return nil, err
	}
	if kind == checkpoint.KindPre {
		e.publishCheckpoint(run.RunID, created)
	}
	return created, nil
}

func (e *Engine) publishCheckpoint(runID string, cp *checkpoint.Checkpoint) {
	e.bus.Publish(event.New(runID, event.TypeCheckpointCreated).
		WithPhase(cp.Phase).
		WithData(map[string]any{
			"checkpoint_id": cp.CheckpointID,
			"kind":          string(cp.Kind),
			"version":       cp.Version,
		}))
}

// evaluateGovernance runs the phase's gates with tool gates dispatched
// through the agent surface and every evaluation audited.
func (e *Engine) evaluateGovernance(ctx context.Context, run *Run, pol *governance.Policy,
	phase, workDir string, ledger *budget.Ledger) (*governance.Result, error) {

	runner := &agent.ScannerRunner{
		Dispatcher: e.dispatcher,
		RunID:      run.RunID,
		Phase:      phase,
		Ledger:     ledger,
		WorkDir:    workDir,
	}
	gov := governance.NewEngine(
		governance.WithToolRunner(runner),
		governance.WithAuditLog(e.audit),
		governance.WithEngineLogger(e.logger),
	)
	pctx := &governance.PhaseContext{
		RunID:    run.RunID,
		Phase:    phase,
		WorkDir:  workDir,
		Artifact: e.artifactResolver(ctx, run.RunID),
	}
	return gov.Evaluate(ctx, pol, phase, pctx)
}

// artifactResolver resolves a logical name to the newest active artifact
// content for the run.
func (e *Engine) artifactResolver(ctx context.Context, runID string) func(string) ([]byte, error) {
	return func(logicalName string) ([]byte, error) {
		refs, err := e.artifacts.ListByRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		var match *artifact.Ref
		for _, ref := range refs {
			if ref.LogicalName == logicalName {
				match = ref
			}
		}
		if match == nil {
			return nil, fmt.Errorf("artifact %q: %w", logicalName, artifact.ErrArtifactNotFound)
		}
		return e.artifacts.ResolveBlob(ctx, match.BlobHash)
	}
}

// composePayload builds the shared agent context: intake, prior phase
// summaries, and fetched source documents.
func (e *Engine) composePayload(ctx context.Context, run *Run, phase string) *phasePayload {
	payload := &phasePayload{Intake: run.Intake, Phase: phase}

	for _, completedPhase := range run.CompletedPhases {
		rec, ok := run.Phases[completedPhase]
		if !ok {
			continue
		}
		for agentID, state := range rec.AgentStates {
			if state.OutputSummary == "" {
				continue
			}
			if payload.PriorSummaries == nil {
				payload.PriorSummaries = make(map[string]string)
			}
			payload.PriorSummaries[completedPhase+"/"+agentID] = state.OutputSummary
		}
	}

	if urls := run.Intake.SourceURLs(); len(urls) > 0 {
		payload.Sources = e.enricher.Enrich(ctx, urls)
	}
	return payload
}

// isConsensusBoundary reports whether phase ends with a human-approval
// hold. Profile defaults apply unless policy overrides.
func (e *Engine) isConsensusBoundary(pol *governance.Policy, profile planner.Profile, phase string) bool {
	boundaries := pol.ConsensusAfter(profile.ConsensusDefaults())
	for _, b := range boundaries {
		if b == phase {
			return true
		}
	}
	return false
}

// missingArtifacts checks phase-level required artifacts: every successful
// agent's role requirements must resolve in the run manifest.
func missingArtifacts(ctx context.Context, store *artifact.Store, runID string, roster agent.Roster, result *swarm.Result) []string {
	refs, err := store.ListByRun(ctx, runID)
	if err != nil {
		return []string{fmt.Sprintf("manifest unavailable: %v", err)}
	}
	have := make(map[string]bool, len(refs))
	for _, ref := range refs {
		have[ref.LogicalName] = true
	}

	var missing []string
	for _, req := range roster {
		out := result.Output(req.AgentID)
		if out == nil || out.Status != agent.StatusSuccess {
			continue
		}
		spec, err := agent.SpecFor(req.Role)
		if err != nil {
			continue
		}
		for _, name := range spec.RequiredArtifacts {
			if !have[name] {
				missing = append(missing, name)
			}
		}
	}
	return missing
}

// agentHints extracts up to three remediation strings from failed agents.
func agentHints(outputs []*agent.Output) []string {
	var hints []string
	for _, out := range outputs {
		if out.Status != agent.StatusFailed {
			continue
		}
		for _, msg := range out.Errors {
			if len(hints) >= 3 {
				return hints
			}
			hints = append(hints, fmt.Sprintf("%s: %s", out.AgentID, msg))
		}
	}
	return hints
}

// filterRoster restricts the roster to the given agent IDs, dropping
// dependency references that leave the subset (those agents already
// completed in an earlier attempt).
func filterRoster(roster agent.Roster, only []string) agent.Roster {
	keep := make(map[string]bool, len(only))
	for _, id := range only {
		keep[id] = true
	}
	var out agent.Roster
	for _, req := range roster {
		if !keep[req.AgentID] {
			continue
		}
		var deps []string
		for _, dep := range req.DependencyRefs {
			if keep[dep] {
				deps = append(deps, dep)
			}
		}
		req.DependencyRefs = deps
		out = append(out, req)
	}
	return out
}

// eventingInvoker wraps the dispatcher with per-agent lifecycle events.
type eventingInvoker struct {
	dispatcher *agent.Dispatcher
	bus        *event.Bus
}

func (ei *eventingInvoker) Invoke(ctx context.Context, req agent.Request, inv *agent.Invocation) (*agent.Output, error) {
	ei.bus.Publish(event.New(inv.RunID, event.TypeAgentStarted).
		WithPhase(inv.Phase).
		WithAgent(req.AgentID))

	out, err := ei.dispatcher.Invoke(ctx, req, inv)

	switch {
	case out != nil && out.Status == agent.StatusSuccess:
		ei.bus.Publish(event.New(inv.RunID, event.TypeAgentCompleted).
			WithPhase(inv.Phase).
			WithAgent(req.AgentID).
			WithData(map[string]any{"tokens": out.TokenUsage.TotalTokens()}))
	default:
		data := map[string]any{"transient": agent.IsTransient(err)}
		if err != nil {
			data["error"] = err.Error()
		}
		if out != nil && out.Status == agent.StatusCancelled {
			data["reason"] = "cancelled"
		}
		ei.bus.Publish(event.New(inv.RunID, event.TypeAgentFailed).
			WithPhase(inv.Phase).
			WithAgent(req.AgentID).
			WithData(data))
	}
	return out, err
}
