package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/swarmrun/artifact"
	"github.com/c360studio/swarmrun/budget"
	"github.com/c360studio/swarmrun/storage/storagetest"
)

// stubCaller scripts the model-call surface per agent ID.
type stubCaller struct {
	results map[string]*CallResult
	errs    map[string]error
	block   chan struct{} // when set, Call waits for ctx or close
}

func (s *stubCaller) Call(ctx context.Context, req *CallRequest) (*CallResult, error) {
	if s.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.block:
		}
	}
	if err, ok := s.errs[req.AgentID]; ok {
		return nil, err
	}
	if r, ok := s.results[req.AgentID]; ok {
		return r, nil
	}
	return &CallResult{
		Summary:      "done",
		Output:       map[string]any{},
		InputTokens:  100,
		OutputTokens: 50,
		CostUnits:    0.01,
	}, nil
}

func plannerResult() *CallResult {
	return &CallResult{
		Summary: "plan drafted",
		Output:  map[string]any{"milestones": []any{"m1", "m2"}},
		Artifacts: []ArtifactSpec{
			{LogicalName: "project_plan", Type: artifact.TypeMarkdown, Data: []byte("# Plan")},
		},
		InputTokens:  1_200,
		OutputTokens: 400,
		CostUnits:    0.12,
	}
}

func newDispatcher(t *testing.T, caller Caller, opts ...DispatcherOption) (*Dispatcher, *artifact.Store) {
	t.Helper()
	js := storagetest.Start(t)
	store, err := artifact.NewStore(context.Background(), js)
	require.NoError(t, err)
	return NewDispatcher(caller, store, opts...), store
}

func testInvocation(ledger *budget.Ledger) *Invocation {
	return &Invocation{
		RunID:  "run-1",
		Phase:  "planning",
		Ledger: ledger,
	}
}

func TestInvokeSuccess(t *testing.T) {
	var stages []Stage
	caller := &stubCaller{results: map[string]*CallResult{"project_planner": plannerResult()}}
	d, store := newDispatcher(t, caller, WithStageObserver(func(_ string, s Stage) {
		stages = append(stages, s)
	}))
	ledger := budget.NewLedger("run-1", budget.Limits{})

	out, err := d.Invoke(context.Background(),
		Request{AgentID: "project_planner", Role: RoleProjectPlanner},
		testInvocation(ledger))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "plan drafted", out.Summary)
	assert.Equal(t, budget.StrategyThorough, out.Strategy)
	assert.Equal(t, int64(1_600), out.TokenUsage.TotalTokens())
	require.Len(t, out.Artifacts, 1)
	assert.Equal(t, "project_plan", out.Artifacts[0].LogicalName)

	assert.Equal(t, []Stage{StageInitialize, StagePlan, StageAct, StageSummarize, StageComplete}, stages)

	// Usage propagated to the phase and run scopes.
	phase, err := ledger.Snapshot(budget.ScopePhase, "planning")
	require.NoError(t, err)
	assert.Equal(t, int64(1_600), phase.TotalTokens())

	// The artifact content is retrievable by the recorded reference.
	_, data, err := store.Get(context.Background(), "run-1", out.Artifacts[0].ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, []byte("# Plan"), data)
}

func TestInvokeUnknownRole(t *testing.T) {
	d, _ := newDispatcher(t, &stubCaller{})
	ledger := budget.NewLedger("run-1", budget.Limits{})

	out, err := d.Invoke(context.Background(),
		Request{AgentID: "x", Role: Role("wizard")}, testInvocation(ledger))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, StatusFailed, out.Status)
}

func TestInvokeMissingOutputField(t *testing.T) {
	caller := &stubCaller{results: map[string]*CallResult{
		"project_planner": {
			Summary: "vague",
			Output:  map[string]any{}, // milestones missing
			Artifacts: []ArtifactSpec{
				{LogicalName: "project_plan", Data: []byte("# Plan")},
			},
			InputTokens: 10, OutputTokens: 5,
		},
	}}
	d, _ := newDispatcher(t, caller)
	ledger := budget.NewLedger("run-1", budget.Limits{})

	_, err := d.Invoke(context.Background(),
		Request{AgentID: "project_planner", Role: RoleProjectPlanner},
		testInvocation(ledger))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "milestones")
}

func TestInvokeMissingRequiredArtifact(t *testing.T) {
	caller := &stubCaller{results: map[string]*CallResult{
		"project_planner": {
			Summary:     "plan drafted",
			Output:      map[string]any{"milestones": []any{}},
			InputTokens: 10, OutputTokens: 5,
		},
	}}
	d, _ := newDispatcher(t, caller)
	ledger := budget.NewLedger("run-1", budget.Limits{})

	_, err := d.Invoke(context.Background(),
		Request{AgentID: "project_planner", Role: RoleProjectPlanner},
		testInvocation(ledger))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "project_plan")
}

func TestInvokeBudgetExhausted(t *testing.T) {
	d, _ := newDispatcher(t, &stubCaller{})
	ledger := budget.NewLedger("run-1", budget.Limits{Run: budget.Limit{MaxTokens: 1_000}})

	out, err := d.Invoke(context.Background(),
		Request{AgentID: "project_planner", Role: RoleProjectPlanner},
		testInvocation(ledger))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, StatusFailed, out.Status)

	// Denied admission never reserves tokens.
	run, err2 := ledger.Snapshot(budget.ScopeRun, "")
	require.NoError(t, err2)
	assert.Zero(t, run.TotalTokens())
}

func TestInvokeStrategyFollowsBudget(t *testing.T) {
	caller := &stubCaller{results: map[string]*CallResult{"project_planner": plannerResult()}}
	d, _ := newDispatcher(t, caller)
	// Headroom admits minimal (2k) but not balanced (8k).
	ledger := budget.NewLedger("run-1", budget.Limits{Run: budget.Limit{MaxTokens: 5_000}})

	out, err := d.Invoke(context.Background(),
		Request{AgentID: "project_planner", Role: RoleProjectPlanner},
		testInvocation(ledger))
	require.NoError(t, err)
	assert.Equal(t, budget.StrategyMinimal, out.Strategy)
}

func TestInvokeCancelled(t *testing.T) {
	caller := &stubCaller{block: make(chan struct{})}
	d, _ := newDispatcher(t, caller)
	ledger := budget.NewLedger("run-1", budget.Limits{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, err := d.Invoke(ctx,
		Request{AgentID: "project_planner", Role: RoleProjectPlanner},
		testInvocation(ledger))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)
}

func TestInvokeTimeoutIsTransient(t *testing.T) {
	caller := &stubCaller{block: make(chan struct{})}
	d, _ := newDispatcher(t, caller)
	ledger := budget.NewLedger("run-1", budget.Limits{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Invoke(ctx,
		Request{AgentID: "project_planner", Role: RoleProjectPlanner},
		testInvocation(ledger))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "timeout")
}

func TestInvokeUnclassifiedErrorDefaultsTransient(t *testing.T) {
	caller := &stubCaller{errs: map[string]error{"project_planner": errors.New("connection reset")}}
	d, _ := newDispatcher(t, caller)
	ledger := budget.NewLedger("run-1", budget.Limits{})

	_, err := d.Invoke(context.Background(),
		Request{AgentID: "project_planner", Role: RoleProjectPlanner},
		testInvocation(ledger))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestInvokeClassifiedErrorsPassThrough(t *testing.T) {
	permanent := NewPermanentError(fmt.Errorf("schema mismatch"))
	caller := &stubCaller{errs: map[string]error{"project_planner": permanent}}
	d, _ := newDispatcher(t, caller)
	ledger := budget.NewLedger("run-1", budget.Limits{})

	_, err := d.Invoke(context.Background(),
		Request{AgentID: "project_planner", Role: RoleProjectPlanner},
		testInvocation(ledger))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
}

// chainCaller records the model of every call and fails scripted models.
type chainCaller struct {
	models []string
	errs   map[string]error
}

func (c *chainCaller) Call(_ context.Context, req *CallRequest) (*CallResult, error) {
	c.models = append(c.models, req.Model)
	if err, ok := c.errs[req.Model]; ok {
		return nil, err
	}
	return plannerResult(), nil
}

func TestInvokeFallsBackOnTransientModelFailure(t *testing.T) {
	registry := NewDefaultRegistry()
	registry.SetCapability(CapabilityPlanning, &CapabilityConfig{
		Preferred: []string{"primary"},
		Fallback:  []string{"backup"},
	})
	caller := &chainCaller{errs: map[string]error{
		"primary": NewTransientError(errors.New("provider overloaded")),
	}}
	d, _ := newDispatcher(t, caller, WithModelRegistry(registry))
	ledger := budget.NewLedger("run-1", budget.Limits{})

	out, err := d.Invoke(context.Background(),
		Request{AgentID: "project_planner", Role: RoleProjectPlanner},
		testInvocation(ledger))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, []string{"primary", "backup"}, caller.models)
}

func TestInvokePermanentModelFailureDoesNotFallBack(t *testing.T) {
	registry := NewDefaultRegistry()
	registry.SetCapability(CapabilityPlanning, &CapabilityConfig{
		Preferred: []string{"primary"},
		Fallback:  []string{"backup"},
	})
	caller := &chainCaller{errs: map[string]error{
		"primary": NewPermanentError(errors.New("model retired")),
	}}
	d, _ := newDispatcher(t, caller, WithModelRegistry(registry))
	ledger := budget.NewLedger("run-1", budget.Limits{})

	_, err := d.Invoke(context.Background(),
		Request{AgentID: "project_planner", Role: RoleProjectPlanner},
		testInvocation(ledger))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, []string{"primary"}, caller.models)
}

func TestScannerRunner(t *testing.T) {
	caller := &stubCaller{results: map[string]*CallResult{
		"security_auditor": {
			Summary:     "scan complete",
			Output:      map[string]any{"passed": true, "summary": "scan complete"},
			InputTokens: 300, OutputTokens: 80, CostUnits: 0.02,
		},
	}}
	d, _ := newDispatcher(t, caller)
	ledger := budget.NewLedger("run-1", budget.Limits{})

	runner := &ScannerRunner{
		Dispatcher: d,
		RunID:      "run-1",
		Phase:      "security",
		Ledger:     ledger,
	}
	out, err := runner.RunScanner(context.Background(), "security_auditor", map[string]any{"depth": "full"})
	require.NoError(t, err)
	assert.Equal(t, true, out["passed"])

	tool, err := ledger.Snapshot(budget.ScopeTool, "security/governance/security_auditor")
	require.NoError(t, err)
	assert.Equal(t, int64(380), tool.TotalTokens())

	_, err = runner.RunScanner(context.Background(), "nmap", nil)
	assert.Error(t, err)
}

func TestRosterValidate(t *testing.T) {
	valid := Roster{
		{AgentID: "a", Role: RoleProjectPlanner},
		{AgentID: "b", Role: RoleDeveloper, DependencyRefs: []string{"a"}},
	}
	assert.NoError(t, valid.Validate())
	assert.Equal(t, []string{"a", "b"}, valid.IDs())
	assert.True(t, valid.Contains("a"))
	assert.False(t, valid.Contains("z"))

	dup := Roster{
		{AgentID: "a", Role: RoleProjectPlanner},
		{AgentID: "a", Role: RoleDeveloper},
	}
	assert.Error(t, dup.Validate())

	badRole := Roster{{AgentID: "a", Role: Role("wizard")}}
	assert.Error(t, badRole.Validate())

	danglingDep := Roster{{AgentID: "a", Role: RoleDeveloper, DependencyRefs: []string{"ghost"}}}
	assert.Error(t, danglingDep.Validate())
}
