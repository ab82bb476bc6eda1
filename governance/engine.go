package governance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Engine evaluates gates at phase transitions and records every
// evaluation in the audit log.
type Engine struct {
	toolRunner ToolRunner
	audit      *AuditLog
	logger     *slog.Logger
}

// EngineOption configures the governance engine.
type EngineOption func(*Engine)

// WithToolRunner wires the scanner runner used by tool gates. Without one,
// tool gates fail closed (block or warn per on_failure).
func WithToolRunner(r ToolRunner) EngineOption {
	return func(e *Engine) { e.toolRunner = r }
}

// WithAuditLog attaches the audit appender.
func WithAuditLog(a *AuditLog) EngineOption {
	return func(e *Engine) { e.audit = a }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a governance engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every gate applicable to the phase and aggregates the
// outcome. Evaluation of equal inputs is deterministic: gates run in
// declaration order and no gate mutates the context.
func (e *Engine) Evaluate(ctx context.Context, policy *Policy, phase string, pctx *PhaseContext) (*Result, error) {
	result := &Result{Overall: OverallPass, EvaluatedAt: time.Now().UTC()}

	for _, gate := range policy.GatesForPhase(phase) {
		gr := e.evaluateGate(ctx, gate, pctx)
		result.Gates = append(result.Gates, gr)

		if e.audit != nil {
			if err := e.audit.Append(ctx, Record{
				RunID:     pctx.RunID,
				Phase:     phase,
				GateID:    gate.ID,
				Kind:      gate.Kind,
				Threshold: gr.Threshold,
				Actual:    gr.Actual,
				Status:    gr.Status,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return nil, fmt.Errorf("append audit record: %w", err)
			}
		}

		switch gr.Status {
		case StatusBlock:
			result.Overall = OverallBlock
		case StatusWarn:
			if result.Overall == OverallPass {
				result.Overall = OverallPassWithWarnings
			}
		}
	}

	e.logger.Info("governance evaluated",
		"run_id", pctx.RunID,
		"phase", phase,
		"gates", len(result.Gates),
		"overall", result.Overall)
	return result, nil
}

// evaluateGate dispatches on the gate variant. A failing check maps to the
// gate's on_failure mode; evaluation errors (missing artifact, scanner
// unavailable) are treated as failures with the error as message.
func (e *Engine) evaluateGate(ctx context.Context, gate Gate, pctx *PhaseContext) GateResult {
	gr := GateResult{
		GateID:      gate.ID,
		Kind:        gate.Kind,
		Status:      StatusPass,
		Remediation: gate.Remediation,
	}

	var passed bool
	var err error
	switch gate.Kind {
	case KindMetric:
		passed, err = e.evaluateMetric(gate, pctx, &gr)
	case KindTool:
		passed, err = e.evaluateTool(ctx, gate, pctx, &gr)
	case KindValidator:
		passed, err = e.evaluateValidator(gate, pctx, &gr)
	default:
		passed, err = false, fmt.Errorf("unknown gate kind %q", gate.Kind)
	}

	if err != nil {
		gr.Message = err.Error()
		passed = false
	}
	if !passed {
		if gate.OnFailure == FailureWarn {
			gr.Status = StatusWarn
		} else {
			gr.Status = StatusBlock
		}
	} else {
		// Successful gates keep no remediation noise.
		gr.Remediation = ""
	}
	return gr
}

func (e *Engine) evaluateMetric(gate Gate, pctx *PhaseContext, gr *GateResult) (bool, error) {
	if pctx.Artifact == nil {
		return false, fmt.Errorf("no artifact accessor in context")
	}
	data, err := pctx.Artifact(gate.Metric.Artifact)
	if err != nil {
		return false, fmt.Errorf("load artifact %q: %w", gate.Metric.Artifact, err)
	}
	actual, err := extractMetric(data, gate.Metric.Field)
	if err != nil {
		return false, err
	}

	gr.Threshold = fmt.Sprintf("%s %g", gate.Metric.Comparison, gate.Metric.Threshold)
	gr.Actual = fmt.Sprintf("%g", actual)

	if !compare(actual, gate.Metric.Comparison, gate.Metric.Threshold) {
		gr.Message = fmt.Sprintf("%s is %g, requires %s %g",
			gate.Metric.Field, actual, gate.Metric.Comparison, gate.Metric.Threshold)
		return false, nil
	}
	return true, nil
}

func (e *Engine) evaluateTool(ctx context.Context, gate Gate, pctx *PhaseContext, gr *GateResult) (bool, error) {
	if e.toolRunner == nil {
		return false, fmt.Errorf("no tool runner configured for scanner %q", gate.Tool.Scanner)
	}
	out, err := e.toolRunner.RunScanner(ctx, gate.Tool.Scanner, gate.Tool.Spec)
	if err != nil {
		return false, fmt.Errorf("scanner %q: %w", gate.Tool.Scanner, err)
	}

	field := gate.Tool.VerdictField
	if field == "" {
		field = "passed"
	}
	verdict, ok := out[field].(bool)
	if !ok {
		return false, fmt.Errorf("scanner %q: missing boolean verdict field %q", gate.Tool.Scanner, field)
	}
	gr.Actual = fmt.Sprintf("%v", verdict)
	gr.Threshold = field + " true"
	if msg, ok := out["message"].(string); ok {
		gr.Message = msg
	}
	return verdict, nil
}

func (e *Engine) evaluateValidator(gate Gate, pctx *PhaseContext, gr *GateResult) (bool, error) {
	if pctx.WorkDir == "" {
		return false, fmt.Errorf("no working directory in context")
	}
	fsys := os.DirFS(pctx.WorkDir)

	var files []string
	for _, pattern := range gate.Validator.Include {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return false, fmt.Errorf("glob %q: %w", pattern, err)
		}
		files = append(files, matches...)
	}

	requiredSeen := make(map[string]bool, len(gate.Validator.RequiredPatterns))
	var violations []string
	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(pctx.WorkDir, filepath.FromSlash(file)))
		if err != nil {
			return false, fmt.Errorf("read %s: %w", file, err)
		}
		content := strings.ToLower(string(data))
		for _, pattern := range gate.Validator.DisallowedPatterns {
			if strings.Contains(content, strings.ToLower(pattern)) {
				violations = append(violations, fmt.Sprintf("%s contains disallowed %q", file, pattern))
			}
		}
		for _, pattern := range gate.Validator.RequiredPatterns {
			if strings.Contains(content, strings.ToLower(pattern)) {
				requiredSeen[pattern] = true
			}
		}
	}

	for _, pattern := range gate.Validator.RequiredPatterns {
		if !requiredSeen[pattern] {
			violations = append(violations, fmt.Sprintf("required %q not found in any matched file", pattern))
		}
	}

	gr.Actual = fmt.Sprintf("%d violations in %d files", len(violations), len(files))
	if len(violations) > 0 {
		gr.Message = strings.Join(violations, "; ")
		return false, nil
	}
	return true, nil
}
