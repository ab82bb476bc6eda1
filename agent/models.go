package agent

import (
	"sync"
)

// Capability groups roles by the kind of model they need.
type Capability string

// Model capabilities.
const (
	CapabilityPlanning  Capability = "planning"
	CapabilityWriting   Capability = "writing"
	CapabilityCoding    Capability = "coding"
	CapabilityReviewing Capability = "reviewing"
	CapabilityFast      Capability = "fast"
)

// CapabilityConfig defines model preferences for a capability.
type CapabilityConfig struct {
	// Preferred lists models in order of preference. The first available
	// model is used.
	Preferred []string `json:"preferred"`

	// Fallback lists backup models if all preferred fail.
	Fallback []string `json:"fallback"`
}

// Registry maps capabilities to model chains. The dispatcher resolves the
// model for a role through its capability.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	defaultModel string
}

// NewRegistry creates a registry with the given capability configuration.
func NewRegistry(caps map[Capability]*CapabilityConfig, defaultModel string) *Registry {
	return &Registry{capabilities: caps, defaultModel: defaultModel}
}

// NewDefaultRegistry creates a registry with sensible defaults. Used when
// no configuration is provided.
func NewDefaultRegistry() *Registry {
	return &Registry{
		capabilities: map[Capability]*CapabilityConfig{
			CapabilityPlanning: {
				Preferred: []string{"claude-opus", "claude-sonnet"},
				Fallback:  []string{"qwen"},
			},
			CapabilityWriting: {
				Preferred: []string{"claude-sonnet"},
				Fallback:  []string{"claude-haiku", "qwen"},
			},
			CapabilityCoding: {
				Preferred: []string{"claude-sonnet"},
				Fallback:  []string{"codellama", "qwen"},
			},
			CapabilityReviewing: {
				Preferred: []string{"claude-sonnet"},
				Fallback:  []string{"claude-haiku", "qwen"},
			},
			CapabilityFast: {
				Preferred: []string{"claude-haiku"},
				Fallback:  []string{"qwen"},
			},
		},
		defaultModel: "qwen",
	}
}

// Resolve returns the preferred model for a capability.
func (r *Registry) Resolve(cap Capability) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[cap]; ok && len(cfg.Preferred) > 0 {
		return cfg.Preferred[0]
	}
	return r.defaultModel
}

// FallbackChain returns all models for a capability in preference order.
func (r *Registry) FallbackChain(cap Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[cap]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	return []string{r.defaultModel}
}

// ForRole resolves the model for a role's capability.
func (r *Registry) ForRole(role Role) string {
	spec, err := SpecFor(role)
	if err != nil {
		return r.defaultModel
	}
	return r.Resolve(spec.Capability)
}

// SetCapability updates or adds a capability configuration.
func (r *Registry) SetCapability(cap Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capabilities == nil {
		r.capabilities = make(map[Capability]*CapabilityConfig)
	}
	r.capabilities[cap] = cfg
}
