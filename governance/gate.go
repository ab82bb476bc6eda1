package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GateKind discriminates the gate variants.
type GateKind string

// Gate kinds.
const (
	KindMetric    GateKind = "metric"
	KindTool      GateKind = "tool"
	KindValidator GateKind = "validator"
)

// FailureMode controls what a failing gate does to the phase transition.
type FailureMode string

// Failure modes.
const (
	FailureBlock FailureMode = "block"
	FailureWarn  FailureMode = "warn"
)

// GateStatus is the outcome of one gate evaluation.
type GateStatus string

// Gate statuses.
const (
	StatusPass  GateStatus = "pass"
	StatusWarn  GateStatus = "warn"
	StatusBlock GateStatus = "block"
)

// Overall aggregates gate results for a phase transition.
type Overall string

// Overall results.
const (
	OverallPass             Overall = "pass"
	OverallPassWithWarnings Overall = "pass_with_warnings"
	OverallBlock            Overall = "block"
)

// Gate is a declarative quality rule. Exactly one of Metric, Tool,
// Validator is set, matching Kind.
type Gate struct {
	// ID uniquely names the gate within the policy.
	ID string `yaml:"id" json:"id"`

	// Kind selects the variant.
	Kind GateKind `yaml:"kind" json:"kind"`

	// Phases lists the phases the gate applies to. Empty means all.
	Phases []string `yaml:"phases" json:"phases,omitempty"`

	// OnFailure selects block or warn. Defaults to block.
	OnFailure FailureMode `yaml:"on_failure" json:"on_failure,omitempty"`

	// Remediation is surfaced to operators when the gate fails.
	Remediation string `yaml:"remediation" json:"remediation,omitempty"`

	Metric    *MetricGate    `yaml:"metric" json:"metric,omitempty"`
	Tool      *ToolGate      `yaml:"tool" json:"tool,omitempty"`
	Validator *ValidatorGate `yaml:"validator" json:"validator,omitempty"`
}

// MetricGate extracts a numeric from an artifact and compares it to a
// threshold.
type MetricGate struct {
	// Artifact is the logical name of the artifact holding the metric.
	Artifact string `yaml:"artifact" json:"artifact"`

	// Field is a dot path into a JSON artifact, or a "key:" label for a
	// line scan of text artifacts.
	Field string `yaml:"field" json:"field"`

	// Comparison is one of gte, lte, eq.
	Comparison string `yaml:"comparison" json:"comparison"`

	// Threshold is the comparison bound.
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// ToolGate invokes an external scanner and interprets its structured
// verdict.
type ToolGate struct {
	// Scanner is the role or tool name passed to the runner.
	Scanner string `yaml:"scanner" json:"scanner"`

	// Spec is the scanner invocation payload.
	Spec map[string]any `yaml:"spec" json:"spec,omitempty"`

	// VerdictField is the boolean field of the scanner result that
	// signals pass. Defaults to "passed".
	VerdictField string `yaml:"verdict_field" json:"verdict_field,omitempty"`
}

// ValidatorGate scans working-directory files for disallowed patterns or
// required attributes.
type ValidatorGate struct {
	// Include lists doublestar globs selecting files to scan.
	Include []string `yaml:"include" json:"include"`

	// DisallowedPatterns are substrings that must not appear in any
	// matched file. Matching is case-insensitive.
	DisallowedPatterns []string `yaml:"disallowed_patterns" json:"disallowed_patterns,omitempty"`

	// RequiredPatterns are substrings that must each appear in at least
	// one matched file.
	RequiredPatterns []string `yaml:"required_patterns" json:"required_patterns,omitempty"`
}

// Validate checks that the gate's variant payload matches its kind.
func (g *Gate) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("gate missing id")
	}
	if g.OnFailure == "" {
		g.OnFailure = FailureBlock
	}
	if g.OnFailure != FailureBlock && g.OnFailure != FailureWarn {
		return fmt.Errorf("gate %s: invalid on_failure %q", g.ID, g.OnFailure)
	}
	switch g.Kind {
	case KindMetric:
		if g.Metric == nil {
			return fmt.Errorf("gate %s: kind metric requires metric spec", g.ID)
		}
		switch g.Metric.Comparison {
		case "gte", "lte", "eq":
		default:
			return fmt.Errorf("gate %s: invalid comparison %q", g.ID, g.Metric.Comparison)
		}
	case KindTool:
		if g.Tool == nil {
			return fmt.Errorf("gate %s: kind tool requires tool spec", g.ID)
		}
	case KindValidator:
		if g.Validator == nil {
			return fmt.Errorf("gate %s: kind validator requires validator spec", g.ID)
		}
		if len(g.Validator.Include) == 0 {
			return fmt.Errorf("gate %s: validator requires include globs", g.ID)
		}
	default:
		return fmt.Errorf("gate %s: unknown kind %q", g.ID, g.Kind)
	}
	return nil
}

// AppliesTo reports whether the gate runs for the given phase.
func (g *Gate) AppliesTo(phase string) bool {
	if len(g.Phases) == 0 {
		return true
	}
	for _, p := range g.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// GateResult is the recorded outcome of one gate evaluation.
type GateResult struct {
	GateID      string     `json:"gate_id"`
	Kind        GateKind   `json:"kind"`
	Status      GateStatus `json:"status"`
	Message     string     `json:"message,omitempty"`
	Remediation string     `json:"remediation,omitempty"`
	Threshold   string     `json:"threshold,omitempty"`
	Actual      string     `json:"actual,omitempty"`
}

// Result aggregates all gate results for one phase transition.
type Result struct {
	Overall     Overall      `json:"overall"`
	Gates       []GateResult `json:"gates,omitempty"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

// BlockedGates returns the results that blocked the transition.
func (r *Result) BlockedGates() []GateResult {
	var blocked []GateResult
	for _, g := range r.Gates {
		if g.Status == StatusBlock {
			blocked = append(blocked, g)
		}
	}
	return blocked
}

// RemediationHints extracts up to max remediation strings from failing
// gates, blocking ones first.
func (r *Result) RemediationHints(max int) []string {
	var hints []string
	appendHints := func(status GateStatus) {
		for _, g := range r.Gates {
			if len(hints) >= max {
				return
			}
			if g.Status == status && g.Remediation != "" {
				hints = append(hints, g.Remediation)
			}
		}
	}
	appendHints(StatusBlock)
	appendHints(StatusWarn)
	return hints
}

// PhaseContext carries everything a gate may inspect.
type PhaseContext struct {
	// RunID is the run under evaluation.
	RunID string

	// Phase is the phase whose completion is being gated.
	Phase string

	// Artifact resolves a logical artifact name to its content.
	Artifact func(logicalName string) ([]byte, error)

	// WorkDir is the root directory validator gates scan.
	WorkDir string
}

// ToolRunner executes tool-gate scanners. Implemented by the agent
// dispatcher; the result map is the scanner's structured output.
type ToolRunner interface {
	RunScanner(ctx context.Context, scanner string, spec map[string]any) (map[string]any, error)
}

// extractMetric pulls the numeric value for a metric gate out of artifact
// content: a dot path for JSON, otherwise a "key: value" line scan.
func extractMetric(data []byte, field string) (float64, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err == nil {
		v, err := walkJSONPath(doc, strings.Split(field, "."))
		if err != nil {
			return 0, err
		}
		return v, nil
	}

	// Text artifact: find "field: value".
	label := field + ":"
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, label) {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(trimmed, label))
		raw = strings.TrimSuffix(raw, "%")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("metric field %s: unparseable value %q", field, raw)
		}
		return v, nil
	}
	return 0, fmt.Errorf("metric field %s not found", field)
}

// walkJSONPath follows a dot path through decoded JSON.
func walkJSONPath(doc any, path []string) (float64, error) {
	current := doc
	for _, segment := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("metric path %s: not an object at %q", strings.Join(path, "."), segment)
		}
		current, ok = obj[segment]
		if !ok {
			return 0, fmt.Errorf("metric path %s: missing key %q", strings.Join(path, "."), segment)
		}
	}
	switch v := current.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(v, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("metric path %s: non-numeric value %q", strings.Join(path, "."), v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("metric path %s: non-numeric value", strings.Join(path, "."))
	}
}

// compare applies the gate comparison.
func compare(actual float64, comparison string, threshold float64) bool {
	switch comparison {
	case "gte":
		return actual >= threshold
	case "lte":
		return actual <= threshold
	case "eq":
		return actual == threshold
	}
	return false
}
