// Package governance implements policy composition and gate evaluation at
// phase boundaries. Policies layer universal → organization → client, with
// child values overriding parent values; gates are tagged variants
// (metric, tool, validator) evaluated against a phase context, and every
// evaluation is appended to an immutable audit log.
package governance

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/swarmrun/ident"
)

// Policy is the effective resolved governance configuration for a run.
type Policy struct {
	// Version is the policy document version marker.
	Version string `yaml:"version" json:"version"`

	// Settings holds scalar configuration knobs. Recognized keys include
	// require_security_scan (bool).
	Settings map[string]any `yaml:"settings" json:"settings,omitempty"`

	// Consensus overrides the profile's consensus boundaries when set.
	Consensus *ConsensusConfig `yaml:"consensus" json:"consensus,omitempty"`

	// Budgets configures the run's token ceilings.
	Budgets *BudgetConfig `yaml:"budgets" json:"budgets,omitempty"`

	// Gates lists the declarative quality gates.
	Gates []Gate `yaml:"gates" json:"gates,omitempty"`
}

// ConsensusConfig overrides consensus boundaries.
type ConsensusConfig struct {
	// AfterPhases lists phases followed by a human-review boundary.
	AfterPhases []string `yaml:"after_phases" json:"after_phases"`
}

// BudgetConfig carries token ceilings resolved from policy.
type BudgetConfig struct {
	RunMaxTokens   int64   `yaml:"run_max_tokens" json:"run_max_tokens,omitempty"`
	PhaseMaxTokens int64   `yaml:"phase_max_tokens" json:"phase_max_tokens,omitempty"`
	AgentMaxTokens int64   `yaml:"agent_max_tokens" json:"agent_max_tokens,omitempty"`
	ToolMaxTokens  int64   `yaml:"tool_max_tokens" json:"tool_max_tokens,omitempty"`
	AlertFraction  float64 `yaml:"alert_fraction" json:"alert_fraction,omitempty"`

	// RunMaxCostUnits caps the run's accumulated cost in provider-neutral
	// units. Zero means unlimited.
	RunMaxCostUnits float64 `yaml:"run_max_cost_units" json:"run_max_cost_units,omitempty"`
}

// RequireSecurityScan reports whether the policy demands a security scan
// gate to pass before completion.
func (p *Policy) RequireSecurityScan() bool {
	if p == nil || p.Settings == nil {
		return false
	}
	v, ok := p.Settings["require_security_scan"].(bool)
	return ok && v
}

// ConsensusAfter returns the policy's consensus boundaries, or fallback
// when the policy does not override them.
func (p *Policy) ConsensusAfter(fallback []string) []string {
	if p == nil || p.Consensus == nil {
		return fallback
	}
	return p.Consensus.AfterPhases
}

// GatesForPhase returns the gates applicable to a phase, in declaration
// order.
func (p *Policy) GatesForPhase(phase string) []Gate {
	if p == nil {
		return nil
	}
	var gates []Gate
	for _, g := range p.Gates {
		if g.AppliesTo(phase) {
			gates = append(gates, g)
		}
	}
	return gates
}

// Layer is one policy document plus its revision (content hash). A missing
// layer has empty Raw and zero-value Rev.
type Layer struct {
	Raw []byte
	Rev string
}

// LoadLayer reads a policy file. A missing file yields an empty layer, not
// an error: every layer is optional.
func LoadLayer(path string) (Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Layer{}, nil
		}
		return Layer{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	return Layer{Raw: data, Rev: ident.HashBytes(data)}, nil
}

// Compose layers universal → org → client into the effective policy.
// Child values override parent values: top-level maps merge shallowly
// (child keys win), scalars replace, and list-valued keys replace
// wholesale.
func Compose(universal, org, client Layer) (*Policy, error) {
	merged := make(map[string]any)
	for _, layer := range []Layer{universal, org, client} {
		if len(layer.Raw) == 0 {
			continue
		}
		var doc map[string]any
		if err := yaml.Unmarshal(layer.Raw, &doc); err != nil {
			return nil, fmt.Errorf("parse policy layer: %w", err)
		}
		mergeShallow(merged, doc)
	}

	// Round-trip the merged document into the typed policy.
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("compose policy: %w", err)
	}
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("compose policy: %w", err)
	}
	for i := range policy.Gates {
		if err := policy.Gates[i].Validate(); err != nil {
			return nil, fmt.Errorf("compose policy: %w", err)
		}
	}
	return &policy, nil
}

// mergeShallow overlays child onto parent in place. Values that are maps
// in both are merged one level deep; everything else (scalars, lists,
// mismatched kinds) is replaced by the child value.
func mergeShallow(parent, child map[string]any) {
	for key, childVal := range child {
		parentVal, exists := parent[key]
		if !exists {
			parent[key] = childVal
			continue
		}
		parentMap, pOK := parentVal.(map[string]any)
		childMap, cOK := childVal.(map[string]any)
		if pOK && cOK {
			for k, v := range childMap {
				parentMap[k] = v
			}
			continue
		}
		parent[key] = childVal
	}
}
