package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/swarmrun/agent"
	"github.com/c360studio/swarmrun/artifact"
	"github.com/c360studio/swarmrun/checkpoint"
	"github.com/c360studio/swarmrun/event"
	"github.com/c360studio/swarmrun/governance"
	"github.com/c360studio/swarmrun/ident"
	"github.com/c360studio/swarmrun/intake"
	"github.com/c360studio/swarmrun/storage/storagetest"
)

// scriptedCaller produces role-conformant outputs so runs complete. Agents
// named in fail return their scripted error once per entry. Every call's
// composed context is retained for inspection.
type scriptedCaller struct {
	mu           sync.Mutex
	fail         map[string][]error
	contexts     []any
	inputTokens  int64
	outputTokens int64
}

func newScriptedCaller() *scriptedCaller {
	return &scriptedCaller{inputTokens: 800, outputTokens: 200}
}

func (c *scriptedCaller) Call(_ context.Context, req *agent.CallRequest) (*agent.CallResult, error) {
	c.mu.Lock()
	c.contexts = append(c.contexts, req.Context)
	if script := c.fail[req.AgentID]; len(script) > 0 {
		err := script[0]
		c.fail[req.AgentID] = script[1:]
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	spec, err := agent.SpecFor(req.Role)
	if err != nil {
		return nil, err
	}

	output := make(map[string]any)
	for _, field := range spec.RequiredOutputFields {
		switch field {
		case "summary":
			// Carried on CallResult.Summary.
		case "milestones":
			output[field] = []any{"scope", "build", "ship"}
		case "components":
			output[field] = []any{"api", "worker"}
		case "schema":
			output[field] = map[string]any{"tables": []any{"events"}}
		case "verdict":
			output[field] = "pass"
		case "passed":
			output[field] = true
		case "findings":
			output[field] = []any{}
		default:
			output[field] = "ok"
		}
	}

	artifacts := make([]agent.ArtifactSpec, 0, len(spec.RequiredArtifacts))
	for _, name := range spec.RequiredArtifacts {
		artifacts = append(artifacts, agent.ArtifactSpec{
			LogicalName: name,
			Data:        []byte(fmt.Sprintf("# %s\nproduced by %s\n", name, req.AgentID)),
		})
	}

	return &agent.CallResult{
		Summary:      req.AgentID + " finished",
		Output:       output,
		Artifacts:    artifacts,
		InputTokens:  c.inputTokens,
		OutputTokens: c.outputTokens,
		CostUnits:    0.05,
	}, nil
}

func newEngine(t *testing.T, caller agent.Caller, opts ...Option) *Engine {
	t.Helper()
	js := storagetest.Start(t)
	opts = append(opts, WithWorkRoot(t.TempDir()))
	e, err := New(context.Background(), js, caller, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func writePolicy(t *testing.T, body string) *governance.Loader {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "universal.yaml"), []byte(body), 0o644))
	return governance.NewLoader(dir, nil)
}

func startRun(t *testing.T, e *Engine, doc string, opts StartOptions) string {
	t.Helper()
	parsed, err := intake.Load([]byte(doc))
	require.NoError(t, err)
	runID, err := e.Start(context.Background(), parsed, opts)
	require.NoError(t, err)
	return runID
}

// driveToCompletion pumps Next, approving every consensus hold.
func driveToCompletion(t *testing.T, e *Engine, runID string) *Run {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		out, err := e.Next(ctx, runID, NextOptions{})
		require.NoError(t, err)
		switch out.RunStatus {
		case StatusAwaitingConsensus:
			require.NoError(t, e.Approve(ctx, runID))
		case StatusCompleted:
			run, err := e.Status(ctx, runID)
			require.NoError(t, err)
			return run
		case StatusFailed, StatusAborted, StatusAwaitingPostGate:
			t.Fatalf("run stuck: %s (%s)", out.RunStatus, out.FailureReason)
		}
	}
	t.Fatal("run did not complete within iteration bound")
	return nil
}

const analyticsIntake = `
project_name: "Q3 forecast"
project_type: analytics
environment: staging
requirements:
  - monthly forecast
`

func TestHappyPathAnalytics(t *testing.T) {
	e := newEngine(t, newScriptedCaller())
	runID := startRun(t, e, analyticsIntake, StartOptions{})

	run := driveToCompletion(t, e, runID)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t,
		[]string{"planning", "architecture", "data", "development", "documentation"},
		run.CompletedPhases)

	// No specialist agents on a staging analytics run.
	for phase, rec := range run.Phases {
		assert.NotContains(t, rec.AgentStates, "security_auditor", phase)
		assert.NotContains(t, rec.AgentStates, "performance_engineer", phase)
	}

	// PRE and POST checkpoints exist for every completed phase; POST at v1.
	ctx := context.Background()
	cps, err := e.Checkpoints().ListForRun(ctx, runID, run.Profile.PhaseOrder)
	require.NoError(t, err)
	kinds := make(map[string]map[checkpoint.Kind]int)
	for _, cp := range cps {
		if kinds[cp.Phase] == nil {
			kinds[cp.Phase] = make(map[checkpoint.Kind]int)
		}
		kinds[cp.Phase][cp.Kind] = cp.Version
	}
	for _, phase := range run.CompletedPhases {
		assert.Contains(t, kinds[phase], checkpoint.KindPre, phase)
		assert.Equal(t, 1, kinds[phase][checkpoint.KindPost], phase)
	}

	// Every checkpointed artifact resolves and matches its recorded hash.
	for _, cp := range cps {
		for name, entry := range cp.Artifacts {
			data, err := e.Artifacts().ResolveBlob(ctx, entry.BlobHash)
			require.NoError(t, err, name)
			assert.Equal(t, entry.BlobHash, ident.HashBytes(data))
		}
	}
}

func TestTokenAccounting(t *testing.T) {
	e := newEngine(t, newScriptedCaller())
	runID := startRun(t, e, analyticsIntake, StartOptions{})
	run := driveToCompletion(t, e, runID)

	var phaseSum int64
	for _, rec := range run.Phases {
		var agentSum int64
		for _, state := range rec.AgentStates {
			agentSum += state.TokenUsage.TotalTokens()
		}
		assert.Equal(t, agentSum, rec.TokenUsage.TotalTokens(), rec.Phase)
		phaseSum += rec.TokenUsage.TotalTokens()
	}
	assert.Equal(t, phaseSum, run.TokenUsage.TotalTokens())

	report, err := e.Usage(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, phaseSum, report.Total.TotalTokens())
}

const webappIntake = `
project_name: "storefront"
project_type: webapp
compliance: [gdpr]
environment: production
`

func TestSecurityTriggeredByCompliance(t *testing.T) {
	loader := writePolicy(t, `
version: "1"
settings:
  require_security_scan: true
gates:
  - id: security-scan
    kind: tool
    phases: [security]
    on_failure: block
    remediation: fix the findings in the security report
    tool:
      scanner: security_auditor
      verdict_field: passed
`)
	e := newEngine(t, newScriptedCaller(), WithPolicyLoader(loader))
	runID := startRun(t, e, webappIntake, StartOptions{})

	run := driveToCompletion(t, e, runID)
	assert.Equal(t, StatusCompleted, run.Status)

	// security phase ran last, after qa.
	assert.Equal(t, "security", run.CompletedPhases[len(run.CompletedPhases)-1])

	// Planner appended the auditor to development and qa rosters.
	assert.Contains(t, run.Phases["development"].AgentStates, "security_auditor")
	assert.Contains(t, run.Phases["qa"].AgentStates, "security_auditor")

	// The tool gate evaluated and passed.
	assert.Equal(t, string(governance.OverallPass), run.Phases["security"].GovernanceOverall)

	records, err := e.audit.ListForRun(context.Background(), runID)
	require.NoError(t, err)
	found := false
	for _, r := range records {
		if r.GateID == "security-scan" {
			found = true
			assert.Equal(t, governance.StatusPass, r.Status)
		}
	}
	assert.True(t, found, "security-scan audit record missing")
}

func TestConsensusHoldAndReject(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newScriptedCaller())
	runID := startRun(t, e, analyticsIntake, StartOptions{})

	out, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingConsensus, out.RunStatus)
	assert.Equal(t, "planning", out.Phase)

	// Next before approve leaves the run unchanged.
	again, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingConsensus, again.RunStatus)

	require.NoError(t, e.Reject(ctx, runID, "scope too broad"))
	run, err := e.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.FailureReason, "consensus_rejected")

	// No subsequent phase runs.
	after, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, after.RunStatus)
	assert.Equal(t, []string{"planning"}, run.CompletedPhases)
}

func TestConsensusApproveAdvances(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newScriptedCaller())
	runID := startRun(t, e, analyticsIntake, StartOptions{})

	_, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Approve(ctx, runID))

	run, err := e.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, run.Status)
	assert.Equal(t, "architecture", run.CurrentPhase)

	err = e.Approve(ctx, runID)
	assert.Error(t, err) // nothing to approve now
}

const mlIntake = `
project_name: "churn model"
project_type: ml
environment: staging
`

func TestRollbackAfterQA(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newScriptedCaller())
	runID := startRun(t, e, mlIntake, StartOptions{})

	// Drive through qa (consensus after planning and qa).
	for {
		out, err := e.Next(ctx, runID, NextOptions{})
		require.NoError(t, err)
		if out.RunStatus == StatusAwaitingConsensus && out.Phase == "qa" {
			break
		}
		if out.RunStatus == StatusAwaitingConsensus {
			require.NoError(t, e.Approve(ctx, runID))
		}
		require.NotEqual(t, StatusFailed, out.RunStatus, out.FailureReason)
	}

	run, err := e.Status(ctx, runID)
	require.NoError(t, err)
	devPost := run.Phases["development"].PostCheckpointID
	require.NotEmpty(t, devPost)
	qaReport, err := findArtifact(ctx, e, runID, "qa_report")
	require.NoError(t, err)

	require.NoError(t, e.Rollback(ctx, runID, devPost))

	run, err = e.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "development", run.CurrentPhase)
	assert.Equal(t, []string{"planning", "architecture", "data"}, run.CompletedPhases)
	assert.Equal(t, StatusIdle, run.Status)

	// A PRE_ROLLBACK checkpoint exists, parented on the target.
	cps, err := e.Checkpoints().ListForRun(ctx, runID, run.Profile.PhaseOrder)
	require.NoError(t, err)
	var preRollback *checkpoint.Checkpoint
	for _, cp := range cps {
		if cp.Kind == checkpoint.KindPreRollback {
			preRollback = cp
		}
	}
	require.NotNil(t, preRollback)
	assert.Equal(t, devPost, preRollback.ParentCheckpointID)

	// QA artifacts left the active manifest; their blobs survive.
	_, err = findArtifact(ctx, e, runID, "qa_report")
	assert.Error(t, err)
	_, err = e.Artifacts().ResolveBlob(ctx, qaReport.BlobHash)
	assert.NoError(t, err)

	// Idempotence: rolling back again lands in the same state with a new
	// PRE_ROLLBACK at the next version.
	require.NoError(t, e.Rollback(ctx, runID, devPost))
	run2, err := e.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.CurrentPhase, run2.CurrentPhase)
	assert.Equal(t, run.CompletedPhases, run2.CompletedPhases)

	cps, err = e.Checkpoints().ListForRun(ctx, runID, run.Profile.PhaseOrder)
	require.NoError(t, err)
	var rollbacks []*checkpoint.Checkpoint
	for _, cp := range cps {
		if cp.Kind == checkpoint.KindPreRollback {
			rollbacks = append(rollbacks, cp)
		}
	}
	require.Len(t, rollbacks, 2)
	assert.NotEqual(t, rollbacks[0].CheckpointID, rollbacks[1].CheckpointID)
	assert.NotEqual(t, rollbacks[0].Version, rollbacks[1].Version)
}

func findArtifact(ctx context.Context, e *Engine, runID, logicalName string) (*artifact.Ref, error) {
	refs, err := e.Artifacts().ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if ref.LogicalName == logicalName {
			return ref, nil
		}
	}
	return nil, fmt.Errorf("artifact %q not active", logicalName)
}

func TestBudgetExhaustionDowngradesStrategy(t *testing.T) {
	loader := writePolicy(t, `
version: "1"
budgets:
  run_max_tokens: 10000
  phase_max_tokens: 5000
`)
	caller := newScriptedCaller()
	caller.inputTokens = 2900
	caller.outputTokens = 1200 // 4100 crosses 80% of the 5k phase ceiling
	e := newEngine(t, caller, WithPolicyLoader(loader))
	runID := startRun(t, e, analyticsIntake, StartOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := e.Bus().Subscribe(ctx, runID, 0)
	require.NoError(t, err)

	out, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingConsensus, out.RunStatus)

	// Thorough (24k) and balanced (8k) exceed the phase ceiling; the
	// dispatcher lands on minimal.
	require.Len(t, out.AgentOutputs, 1)
	assert.Equal(t, "minimal", string(out.AgentOutputs[0].Strategy))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok)
			if ev.Type == event.TypeBudgetThreshold {
				assert.Equal(t, "phase", ev.Data["scope"])
				return
			}
		case <-deadline:
			t.Fatal("no budget_threshold event observed")
		}
	}
}

func TestEventOrdering(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newScriptedCaller())
	runID := startRun(t, e, analyticsIntake, StartOptions{})

	_, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := e.Bus().Subscribe(subCtx, runID, 0)
	require.NoError(t, err)

	var seen []event.Type
	deadline := time.After(5 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != event.TypeConsensusRequested {
		select {
		case ev, ok := <-ch:
			require.True(t, ok)
			seen = append(seen, ev.Type)
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}

	idx := func(want event.Type) int {
		for i, typ := range seen {
			if typ == want {
				return i
			}
		}
		return -1
	}
	require.GreaterOrEqual(t, idx(event.TypePhaseStarted), 0)
	assert.Less(t, idx(event.TypeRunStarted), idx(event.TypePhaseStarted))
	assert.Less(t, idx(event.TypePhaseStarted), idx(event.TypeAgentStarted))
	assert.Less(t, idx(event.TypeAgentStarted), idx(event.TypeAgentCompleted))
	assert.Less(t, idx(event.TypeAgentCompleted), idx(event.TypePhaseCompleted))
}

func TestPermanentFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	caller := newScriptedCaller()
	caller.fail = map[string][]error{
		"project_planner": {agent.NewPermanentError(errors.New("schema mismatch"))},
	}
	e := newEngine(t, caller)
	runID := startRun(t, e, analyticsIntake, StartOptions{})

	out, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.RunStatus)
	assert.Equal(t, "failed", out.PhaseStatus)
	assert.NotEmpty(t, out.PostCheckpointID)

	// POST_FAILED checkpoint recorded.
	cp, err := e.Checkpoints().Load(ctx, runID, out.PostCheckpointID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.KindPostFailed, cp.Kind)

	// Retry replays the failed agent under the same PRE checkpoint.
	retried, err := e.Retry(ctx, runID, "planning", "")
	require.NoError(t, err)
	assert.Equal(t, out.PreCheckpointID, retried.PreCheckpointID)
	assert.Equal(t, StatusAwaitingConsensus, retried.RunStatus)

	run, err := e.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Phases["planning"].AttemptCount)
}

func TestRetryLimit(t *testing.T) {
	ctx := context.Background()
	caller := newScriptedCaller()
	perm := agent.NewPermanentError(errors.New("still broken"))
	caller.fail = map[string][]error{
		"project_planner": {perm, perm, perm, perm},
	}
	e := newEngine(t, caller)
	runID := startRun(t, e, analyticsIntake, StartOptions{})

	_, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	_, err = e.Retry(ctx, runID, "planning", "")
	require.NoError(t, err)
	_, err = e.Retry(ctx, runID, "planning", "")
	require.NoError(t, err)

	_, err = e.Retry(ctx, runID, "planning", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempts")
}

func TestGateBlockHoldsRun(t *testing.T) {
	loader := writePolicy(t, `
version: "1"
gates:
  - id: plan-length
    kind: metric
    phases: [planning]
    on_failure: block
    remediation: expand the project plan
    metric:
      artifact: planning_score
      field: score
      comparison: gte
      threshold: 1
`)
	ctx := context.Background()
	e := newEngine(t, newScriptedCaller(), WithPolicyLoader(loader))
	runID := startRun(t, e, analyticsIntake, StartOptions{})

	// The metric artifact does not exist, so the gate fails closed.
	out, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingPostGate, out.RunStatus)
	assert.Equal(t, "blocked", out.PhaseStatus)
	assert.Contains(t, out.RemediationHints, "expand the project plan")

	// Next is a no-op while blocked.
	again, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingPostGate, again.RunStatus)

	run, err := e.Status(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, run.CompletedPhases)
}

func TestAbortAndResume(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newScriptedCaller())
	runID := startRun(t, e, analyticsIntake, StartOptions{})

	require.NoError(t, e.Abort(ctx, runID))
	run, err := e.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, run.Status)

	out, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, out.RunStatus)

	require.NoError(t, e.Resume(ctx, runID))
	out, err = e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingConsensus, out.RunStatus)
}

func TestRehydrate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newScriptedCaller())
	runID := startRun(t, e, analyticsIntake, StartOptions{})

	// Simulate a crash mid-phase.
	run, err := e.Status(ctx, runID)
	require.NoError(t, err)
	run.Status = StatusRunningPhase
	require.NoError(t, e.runs.Save(ctx, run))

	ids, err := e.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, runID)

	run, err = e.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, run.Status)
}

type pageFetcher struct {
	mu    sync.Mutex
	calls int
	html  string
}

func (f *pageFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []byte(f.html), nil
}

const sourcedIntake = `
project_name: "Q3 forecast"
project_type: analytics
environment: staging
data:
  sources:
    - https://example.com/spec
`

func TestSourceEnrichmentReachesAgents(t *testing.T) {
	ctx := context.Background()
	fetcher := &pageFetcher{html: "<html><head><title>Forecast Spec</title></head>" +
		"<body><article><h1>Forecast Spec</h1><p>Monthly revenue forecast with a " +
		"two week ingestion contract and backfill for late arriving events.</p>" +
		"</article></body></html>"}
	caller := newScriptedCaller()
	e := newEngine(t, caller, WithSourceFetcher(fetcher))
	runID := startRun(t, e, sourcedIntake, StartOptions{})

	_, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Approve(ctx, runID))
	_, err = e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)

	// Every agent context carried the fetched source as markdown.
	caller.mu.Lock()
	contexts := append([]any(nil), caller.contexts...)
	caller.mu.Unlock()
	require.NotEmpty(t, contexts)
	for _, c := range contexts {
		payload, ok := c.(*phasePayload)
		require.True(t, ok)
		require.Len(t, payload.Sources, 1)
		assert.Equal(t, "https://example.com/spec", payload.Sources[0].URL)
		assert.Contains(t, payload.Sources[0].Markdown, "ingestion contract")
	}

	// The URL was fetched once and served from cache for the second phase.
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Equal(t, 1, fetcher.calls)
}

func TestMetricsObserveRunLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newEngine(t, newScriptedCaller(), WithRegisterer(reg))
	runID := startRun(t, e, analyticsIntake, StartOptions{})
	driveToCompletion(t, e, runID)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.RunsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.RunsCompleted))
	assert.Equal(t, 5.0, testutil.ToFloat64(e.metrics.PhasesCompleted))
	assert.GreaterOrEqual(t, testutil.ToFloat64(e.swarmMetrics.Invocations), 5.0)

	report, err := e.Usage(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, float64(report.Total.InputTokens), testutil.ToFloat64(e.budgetMetrics.InputTokens))
	assert.Equal(t, float64(report.Total.OutputTokens), testutil.ToFloat64(e.budgetMetrics.OutputTokens))

	// The event bus counters share the registry.
	require.Eventually(t, func() bool {
		fams, err := reg.Gather()
		if err != nil {
			return false
		}
		for _, fam := range fams {
			if fam.GetName() == "swarmrun_events_published_total" {
				return fam.GetMetric()[0].GetCounter().GetValue() > 0
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRunMetadataFromIntake(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newScriptedCaller())
	runID := startRun(t, e, webappIntake, StartOptions{ClientID: "acme"})

	run, err := e.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"project_type": "webapp",
		"environment":  "production",
		"compliance":   "gdpr",
		"client_id":    "acme",
	}, run.Metadata)

	// Checkpoints freeze the annotations with the orchestrator state.
	_, err = e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	run, err = e.Status(ctx, runID)
	require.NoError(t, err)
	pre := run.Phases["planning"].PreCheckpointID
	require.NotEmpty(t, pre)
	cp, err := e.Checkpoints().Load(ctx, runID, pre)
	require.NoError(t, err)
	assert.Equal(t, run.Metadata, cp.Orchestrator.Metadata)
}

// spoilOnceCaller strips the planner's required output once so the attempt
// fails validation after its tokens were already spent.
type spoilOnceCaller struct {
	inner   *scriptedCaller
	mu      sync.Mutex
	spoiled bool
}

func (c *spoilOnceCaller) Call(ctx context.Context, req *agent.CallRequest) (*agent.CallResult, error) {
	res, err := c.inner.Call(ctx, req)
	if err != nil || req.AgentID != "project_planner" {
		return res, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.spoiled {
		c.spoiled = true
		res.Output = map[string]any{}
	}
	return res, nil
}

func TestFailedAttemptTokensStayCounted(t *testing.T) {
	ctx := context.Background()
	caller := &spoilOnceCaller{inner: newScriptedCaller()}
	e := newEngine(t, caller)
	runID := startRun(t, e, analyticsIntake, StartOptions{})

	out, err := e.Next(ctx, runID, NextOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, out.RunStatus)

	retried, err := e.Retry(ctx, runID, "planning", "")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingConsensus, retried.RunStatus)

	// Both attempts consumed tokens before their outcome was known; the run
	// record and the ledger agree on the doubled total.
	perCall := caller.inner.inputTokens + caller.inner.outputTokens
	run, err := e.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2*perCall, run.Phases["planning"].TokenUsage.TotalTokens())
	assert.Equal(t, 2*perCall, run.TokenUsage.TotalTokens())

	report, err := e.Usage(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2*perCall, report.Total.TotalTokens())
	assert.Equal(t, 2*perCall, report.Agents["planning/project_planner"].TotalTokens())
}

func TestStartUnknownProfile(t *testing.T) {
	e := newEngine(t, newScriptedCaller())
	doc, err := intake.Load([]byte("project_name: x\n"))
	require.NoError(t, err)

	_, err = e.Start(context.Background(), doc, StartOptions{Profile: "desktop"})
	assert.Error(t, err)
}
