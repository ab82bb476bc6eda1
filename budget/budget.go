// Package budget implements the hierarchical token and cost controller.
// Budgets form a tree (run ⊃ phase ⊃ agent ⊃ tool); admission is checked
// against every ancestor before a model call, and usage is recorded on the
// node and all ancestors atomically.
package budget

import (
	"fmt"
	"strings"
)

// Scope identifies a level in the budget tree.
type Scope string

// Budget scopes, outermost first.
const (
	ScopeRun   Scope = "run"
	ScopePhase Scope = "phase"
	ScopeAgent Scope = "agent"
	ScopeTool  Scope = "tool"
)

// depth returns the tree depth for a scope, or -1 for unknown scopes.
func (s Scope) depth() int {
	switch s {
	case ScopeRun:
		return 0
	case ScopePhase:
		return 1
	case ScopeAgent:
		return 2
	case ScopeTool:
		return 3
	}
	return -1
}

// scopeAtDepth is the inverse of depth.
var scopeAtDepth = [...]Scope{ScopeRun, ScopePhase, ScopeAgent, ScopeTool}

// Usage holds the counters tracked per budget node. All fields are
// monotonic non-decreasing within a run.
type Usage struct {
	// InputTokens is the total prompt tokens consumed.
	InputTokens int64 `json:"input_tokens"`

	// OutputTokens is the total completion tokens consumed.
	OutputTokens int64 `json:"output_tokens"`

	// CostUnits is the accumulated cost in provider-neutral units.
	CostUnits float64 `json:"cost_units"`

	// RequestCount is the number of recorded calls.
	RequestCount int64 `json:"request_count"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUnits += other.CostUnits
	u.RequestCount += other.RequestCount
}

// Limit bounds a budget node. Zero values mean unlimited.
type Limit struct {
	// MaxTokens caps input+output tokens.
	MaxTokens int64 `json:"max_tokens,omitempty"`

	// MaxCostUnits caps accumulated cost.
	MaxCostUnits float64 `json:"max_cost_units,omitempty"`
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed is true when every ancestor scope can absorb the estimate.
	Allowed bool

	// DeniedScope names the first scope that would be exceeded.
	DeniedScope Scope

	// DeniedKey is the key of the violating node.
	DeniedKey string

	// Reason is a human-readable denial explanation.
	Reason string
}

// keyPath splits a node key into its path segments. Keys are
// slash-separated by convention: "planning", "planning/developer",
// "planning/developer/linter".
func keyPath(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, "/")
}

// validateKey checks that key depth matches the scope.
func validateKey(scope Scope, key string) error {
	d := scope.depth()
	if d < 0 {
		return fmt.Errorf("unknown budget scope: %q", scope)
	}
	if got := len(keyPath(key)); got != d {
		return fmt.Errorf("budget key %q has %d segments, scope %s requires %d", key, got, scope, d)
	}
	return nil
}
