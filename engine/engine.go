package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/swarmrun/agent"
	"github.com/c360studio/swarmrun/artifact"
	"github.com/c360studio/swarmrun/budget"
	"github.com/c360studio/swarmrun/checkpoint"
	"github.com/c360studio/swarmrun/contextcache"
	"github.com/c360studio/swarmrun/event"
	"github.com/c360studio/swarmrun/governance"
	"github.com/c360studio/swarmrun/ident"
	"github.com/c360studio/swarmrun/intake"
	"github.com/c360studio/swarmrun/planner"
	"github.com/c360studio/swarmrun/source"
	"github.com/c360studio/swarmrun/swarm"
)

// maxPhaseAttempts bounds retries of one phase.
const maxPhaseAttempts = 3

// Engine coordinates runs. It owns every component instance; there is no
// package-level state.
type Engine struct {
	js          jetstream.JetStream
	runs        *RunStore
	artifacts   *artifact.Store
	checkpoints *checkpoint.Store
	audit       *governance.AuditLog
	policies    *governance.Loader
	bus         *event.Bus
	dispatcher  *agent.Dispatcher
	cache       *contextcache.Cache
	fetcher     source.ContentFetcher
	enricher    *source.Enricher
	logger      *slog.Logger

	registerer    prometheus.Registerer
	metrics       *Metrics
	swarmMetrics  *swarm.Metrics
	budgetMetrics *budget.Metrics

	mu      sync.Mutex
	runMus  map[string]*sync.Mutex
	ledgers map[string]*budget.Ledger
	cancels map[string]context.CancelFunc

	workRoot     string
	concurrency  int
	agentTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPolicyLoader attaches the policy layer loader.
func WithPolicyLoader(l *governance.Loader) Option {
	return func(e *Engine) { e.policies = l }
}

// WithRegisterer registers the engine's prometheus collectors, along with
// those of the executor, the budget ledgers, and the event bus.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithWorkRoot sets the root directory for per-phase agent workspaces.
func WithWorkRoot(dir string) Option {
	return func(e *Engine) { e.workRoot = dir }
}

// WithConcurrency bounds in-flight agents per phase.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithAgentTimeout bounds each agent invocation.
func WithAgentTimeout(d time.Duration) Option {
	return func(e *Engine) { e.agentTimeout = d }
}

// WithSourceFetcher overrides the web fetcher behind source enrichment.
func WithSourceFetcher(f source.ContentFetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// New builds an engine over a JetStream connection and a model-call
// surface. All stores and the event bus are provisioned here.
func New(ctx context.Context, js jetstream.JetStream, caller agent.Caller, opts ...Option) (*Engine, error) {
	e := &Engine{
		js:           js,
		logger:       slog.Default(),
		runMus:       make(map[string]*sync.Mutex),
		ledgers:      make(map[string]*budget.Ledger),
		cancels:      make(map[string]context.CancelFunc),
		workRoot:     "work",
		concurrency:  4,
		agentTimeout: 30 * time.Minute,
		cache:        contextcache.New(0),
	}
	for _, opt := range opts {
		opt(e)
	}

	busOpts := []event.BusOption{event.WithBusLogger(e.logger)}
	if e.registerer != nil {
		e.metrics = NewMetrics(e.registerer)
		e.swarmMetrics = swarm.NewMetrics(e.registerer)
		e.budgetMetrics = budget.NewMetrics(e.registerer)
		busOpts = append(busOpts, event.WithBusMetrics(event.NewMetrics(e.registerer)))
	}
	if e.fetcher == nil {
		e.fetcher = source.NewFetcher(0, 0)
	}
	e.enricher = source.NewEnricher(e.fetcher, e.cache, source.WithEnricherLogger(e.logger))

	var err error
	if e.runs, err = NewRunStore(ctx, js); err != nil {
		return nil, err
	}
	if e.artifacts, err = artifact.NewStore(ctx, js, artifact.WithLogger(e.logger)); err != nil {
		return nil, err
	}
	if e.checkpoints, err = checkpoint.NewStore(ctx, js, e.artifacts, checkpoint.WithLogger(e.logger)); err != nil {
		return nil, err
	}
	if e.audit, err = governance.NewAuditLog(ctx, js); err != nil {
		return nil, err
	}
	if e.bus, err = event.NewBus(ctx, js, busOpts...); err != nil {
		return nil, err
	}
	e.dispatcher = agent.NewDispatcher(caller, e.artifacts, agent.WithLogger(e.logger))
	return e, nil
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Checkpoints exposes the checkpoint store for drivers.
func (e *Engine) Checkpoints() *checkpoint.Store { return e.checkpoints }

// Artifacts exposes the artifact store for drivers.
func (e *Engine) Artifacts() *artifact.Store { return e.artifacts }

// Close flushes the event bus.
func (e *Engine) Close() {
	e.bus.Close()
}

func (e *Engine) runLock(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.runMus[runID]
	if !ok {
		mu = &sync.Mutex{}
		e.runMus[runID] = mu
	}
	return mu
}

// policyFor loads the composed policy for the run's client, or an empty
// policy when no loader is attached.
func (e *Engine) policyFor(run *Run) *governance.Policy {
	if e.policies == nil {
		return &governance.Policy{}
	}
	pol, err := e.policies.Load(run.ClientID)
	if err != nil {
		e.logger.Error("policy load failed, using empty policy",
			"run_id", run.RunID, "client_id", run.ClientID, "error", err)
		return &governance.Policy{}
	}
	return pol
}

// ledgerFor returns the run's budget ledger, creating it from policy
// ceilings on first use. Threshold crossings publish budget_threshold.
func (e *Engine) ledgerFor(run *Run, pol *governance.Policy) *budget.Ledger {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.ledgers[run.RunID]; ok {
		return l
	}

	limits := budget.Limits{}
	var ledgerOpts []budget.LedgerOption
	if pol != nil && pol.Budgets != nil {
		limits.Run.MaxTokens = pol.Budgets.RunMaxTokens
		limits.Run.MaxCostUnits = pol.Budgets.RunMaxCostUnits
		limits.PhaseDefault.MaxTokens = pol.Budgets.PhaseMaxTokens
		limits.AgentDefault.MaxTokens = pol.Budgets.AgentMaxTokens
		limits.ToolDefault.MaxTokens = pol.Budgets.ToolMaxTokens
		if pol.Budgets.AlertFraction > 0 {
			ledgerOpts = append(ledgerOpts, budget.WithAlertFraction(pol.Budgets.AlertFraction))
		}
	}
	if e.budgetMetrics != nil {
		ledgerOpts = append(ledgerOpts, budget.WithMetrics(e.budgetMetrics))
	}
	runID := run.RunID
	ledgerOpts = append(ledgerOpts,
		budget.WithLedgerLogger(e.logger),
		budget.WithThresholdFunc(func(scope budget.Scope, key string, used, limit int64) {
			e.bus.Publish(event.New(runID, event.TypeBudgetThreshold).WithData(map[string]any{
				"scope": string(scope),
				"key":   key,
				"used":  used,
				"limit": limit,
			}))
		}))

	l := budget.NewLedger(runID, limits, ledgerOpts...)
	e.ledgers[runID] = l
	return l
}

// StartOptions tune run creation.
type StartOptions struct {
	// Profile overrides the profile derived from project_type.
	Profile planner.Profile

	// Mode selects agent sandboxing. Defaults to standard.
	Mode ExecutionMode

	// ClientID selects the client policy layer.
	ClientID string
}

// Start creates a run from a validated intake document and returns its ID.
// The run starts idle at the first phase of its profile; Next drives it.
func (e *Engine) Start(ctx context.Context, doc *intake.Document, opts StartOptions) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}

	profile := opts.Profile
	if profile == "" {
		var err error
		if profile, err = planner.ProfileFor(doc.ProjectType); err != nil {
			return "", err
		}
	}
	if !profile.IsValid() {
		return "", fmt.Errorf("unknown profile %q", profile)
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeStandard
	}

	digest, err := doc.Digest()
	if err != nil {
		return "", fmt.Errorf("intake digest: %w", err)
	}

	now := time.Now().UTC()
	run := &Run{
		RunID:         ident.NewRunID(now),
		ProjectName:   doc.ProjectName,
		Profile:       profile,
		Status:        StatusIdle,
		ExecutionMode: mode,
		CurrentPhase:  profile.Phases()[0],
		Intake:        doc,
		IntakeDigest:  digest,
		ClientID:      opts.ClientID,
		Metadata:      runMetadata(doc, opts),
		CreatedAt:     now,
	}
	if err := e.runs.Save(ctx, run); err != nil {
		return "", err
	}

	if e.metrics != nil {
		e.metrics.RunsStarted.Inc()
	}
	e.bus.Publish(event.New(run.RunID, event.TypeRunStarted).WithData(map[string]any{
		"project_name":  run.ProjectName,
		"profile":       string(run.Profile),
		"intake_digest": run.IntakeDigest,
	}))
	e.logger.Info("run started",
		"run_id", run.RunID, "profile", run.Profile, "project", run.ProjectName)
	return run.RunID, nil
}

// runMetadata derives the run's opaque annotations from the intake.
func runMetadata(doc *intake.Document, opts StartOptions) map[string]string {
	meta := make(map[string]string)
	if doc.ProjectType != "" {
		meta["project_type"] = string(doc.ProjectType)
	}
	if doc.Environment != "" {
		meta["environment"] = string(doc.Environment)
	}
	if len(doc.Compliance) > 0 {
		regimes := make([]string, len(doc.Compliance))
		for i, c := range doc.Compliance {
			regimes[i] = string(c)
		}
		meta["compliance"] = strings.Join(regimes, ",")
	}
	if opts.ClientID != "" {
		meta["client_id"] = opts.ClientID
	}
	return meta
}

// NextOptions tune one phase execution.
type NextOptions struct {
	// MaxWorkers overrides the engine concurrency bound.
	MaxWorkers int

	// Timeout bounds the whole phase. Zero means no phase bound.
	Timeout time.Duration
}

// Next executes the run's current phase. When the run is waiting on an
// operator (consensus or a blocked gate) or is terminal, it returns the
// current position unchanged.
func (e *Engine) Next(ctx context.Context, runID string, opts NextOptions) (*PhaseOutcome, error) {
	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := e.runs.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case StatusIdle:
		// Proceed.
	case StatusAwaitingConsensus, StatusAwaitingPostGate, StatusCompleted,
		StatusFailed, StatusAborted, StatusRunningPhase:
		return e.outcomeFor(run), nil
	default:
		return nil, fmt.Errorf("run %s: unexpected status %q", runID, run.Status)
	}

	phaseCtx := ctx
	cancel := context.CancelFunc(func() {})
	if opts.Timeout > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		phaseCtx, cancel = context.WithCancel(ctx)
	}
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, runID)
		e.mu.Unlock()
	}()

	return e.executePhase(phaseCtx, run, opts, nil)
}

// Approve releases a consensus hold and advances the run.
func (e *Engine) Approve(ctx context.Context, runID string) error {
	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := e.runs.Load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != StatusAwaitingConsensus {
		return fmt.Errorf("run %s is %s, not awaiting consensus", runID, run.Status)
	}

	e.bus.Publish(event.New(runID, event.TypeConsensusApproved).WithPhase(run.CurrentPhase))
	e.advance(run)
	if err := e.runs.Save(ctx, run); err != nil {
		return err
	}
	e.emitTerminal(run)
	return nil
}

// Reject fails the run at a consensus boundary.
func (e *Engine) Reject(ctx context.Context, runID, reason string) error {
	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := e.runs.Load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != StatusAwaitingConsensus {
		return fmt.Errorf("run %s is %s, not awaiting consensus", runID, run.Status)
	}

	run.Status = StatusFailed
	run.FailureReason = "consensus_rejected"
	if reason != "" {
		run.FailureReason += ": " + reason
	}
	if err := e.runs.Save(ctx, run); err != nil {
		return err
	}
	e.bus.Publish(event.New(runID, event.TypeConsensusRejected).
		WithPhase(run.CurrentPhase).
		WithData(map[string]any{"reason": reason}))
	e.logger.Info("consensus rejected", "run_id", runID, "reason", reason)
	return nil
}

// Retry replays the current phase after a failure or a gate block. When
// agentID is set, only that agent is replayed; otherwise the failed subset
// is. The phase keeps its PRE checkpoint and bumps attempt_count.
func (e *Engine) Retry(ctx context.Context, runID, phase, agentID string) (*PhaseOutcome, error) {
	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := e.runs.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusFailed && run.Status != StatusAwaitingPostGate {
		return nil, fmt.Errorf("run %s is %s; retry requires failed or awaiting_post_gate", runID, run.Status)
	}
	if phase != run.CurrentPhase {
		return nil, fmt.Errorf("run %s is at phase %s, not %s", runID, run.CurrentPhase, phase)
	}
	rec := run.phaseRecord(phase)
	if rec.AttemptCount >= maxPhaseAttempts {
		return nil, fmt.Errorf("phase %s exhausted its %d attempts", phase, maxPhaseAttempts)
	}

	var only []string
	if agentID != "" {
		only = []string{agentID}
	} else {
		for id, state := range rec.AgentStates {
			if state.Status != string(agent.StatusSuccess) {
				only = append(only, id)
			}
		}
	}

	run.Status = StatusIdle
	run.FailureReason = ""
	return e.executePhase(ctx, run, NextOptions{}, only)
}

// Rollback restores the run to the state captured by a checkpoint. The
// checkpoint store archives downstream artifacts and snapshots a
// PRE_ROLLBACK checkpoint; the run record is reset from the restored
// orchestrator state.
func (e *Engine) Rollback(ctx context.Context, runID, targetCheckpointID string) error {
	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := e.runs.Load(ctx, runID)
	if err != nil {
		return err
	}

	pre, state, err := e.checkpoints.Rollback(ctx, runID, targetCheckpointID, run.Profile.PhaseOrder)
	if err != nil {
		return err
	}

	run.CurrentPhase = state.CurrentPhase
	run.CompletedPhases = state.CompletedPhases
	run.Status = StatusIdle
	run.FailureReason = ""
	run.RemediationHints = nil
	targetOrder := run.Profile.PhaseOrder(state.CurrentPhase)
	for phase := range run.Phases {
		if order := run.Profile.PhaseOrder(phase); order >= targetOrder {
			delete(run.Phases, phase)
		}
	}
	if err := e.runs.Save(ctx, run); err != nil {
		return err
	}

	e.bus.Publish(event.New(runID, event.TypeCheckpointCreated).
		WithPhase(pre.Phase).
		WithData(map[string]any{"checkpoint_id": pre.CheckpointID, "kind": string(pre.Kind)}))
	e.bus.Publish(event.New(runID, event.TypeRollbackPerformed).
		WithPhase(state.CurrentPhase).
		WithData(map[string]any{
			"target_checkpoint_id":       targetCheckpointID,
			"pre_rollback_checkpoint_id": pre.CheckpointID,
		}))
	e.logger.Info("rollback performed",
		"run_id", runID, "target", targetCheckpointID, "current_phase", state.CurrentPhase)
	return nil
}

// Abort cancels any in-flight phase and marks the run aborted.
func (e *Engine) Abort(ctx context.Context, runID string) error {
	e.mu.Lock()
	if cancel, ok := e.cancels[runID]; ok {
		cancel()
	}
	e.mu.Unlock()

	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := e.runs.Load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}

	run.Status = StatusAborted
	if run.FailureReason == "" {
		run.FailureReason = "aborted"
	}
	if err := e.runs.Save(ctx, run); err != nil {
		return err
	}
	e.bus.Publish(event.New(runID, event.TypeRunAborted).WithPhase(run.CurrentPhase))
	e.logger.Info("run aborted", "run_id", runID)
	return nil
}

// Resume returns an aborted or failed run to idle so Next can continue
// from its current phase.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := e.runs.Load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != StatusAborted && run.Status != StatusFailed {
		return fmt.Errorf("run %s is %s; resume requires aborted or failed", runID, run.Status)
	}

	run.Status = StatusIdle
	run.FailureReason = ""
	if err := e.runs.Save(ctx, run); err != nil {
		return err
	}
	e.logger.Info("run resumed", "run_id", runID, "current_phase", run.CurrentPhase)
	return nil
}

// Status returns the persisted run record.
func (e *Engine) Status(ctx context.Context, runID string) (*Run, error) {
	return e.runs.Load(ctx, runID)
}

// Usage returns the run's hierarchical token and cost breakdown.
func (e *Engine) Usage(ctx context.Context, runID string) (*budget.Report, error) {
	run, err := e.runs.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	pol := e.policyFor(run)
	return e.ledgerFor(run, pol).Report(), nil
}

// Rehydrate scans the run store after a restart and returns the runs that
// need driving. Runs caught mid-phase are reset to idle; their phase
// re-runs from its PRE checkpoint.
func (e *Engine) Rehydrate(ctx context.Context) ([]string, error) {
	active, err := e.runs.Active(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, run := range active {
		if run.Status == StatusRunningPhase {
			run.Status = StatusIdle
			if err := e.runs.Save(ctx, run); err != nil {
				return nil, err
			}
			e.logger.Warn("run rehydrated mid-phase, phase will re-run",
				"run_id", run.RunID, "phase", run.CurrentPhase)
		}
		ids = append(ids, run.RunID)
	}
	return ids, nil
}

// advance moves the run past its current phase: to the next phase, or to
// completed when none remains.
func (e *Engine) advance(run *Run) {
	next := run.Profile.NextPhase(run.CurrentPhase)
	if next == "" {
		run.Status = StatusCompleted
		run.CurrentPhase = ""
		return
	}
	run.CurrentPhase = next
	run.Status = StatusIdle
}

// emitTerminal publishes run_completed when advance finished the run.
func (e *Engine) emitTerminal(run *Run) {
	if run.Status != StatusCompleted {
		return
	}
	if e.metrics != nil {
		e.metrics.RunsCompleted.Inc()
	}
	e.bus.Publish(event.New(run.RunID, event.TypeRunCompleted).WithData(map[string]any{
		"completed_phases": strings.Join(run.CompletedPhases, ","),
	}))
	e.logger.Info("run completed", "run_id", run.RunID)
}
