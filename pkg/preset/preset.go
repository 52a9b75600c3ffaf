// Package preset maps agents to engines and models through named policies.
//
// A preset names a default engine, optional per-agent engine overrides, and
// a tier-to-model table. Agents are classed into tiers (1 complex,
// 2 standard, 3 simple) so one preset can route heavyweight planning agents
// to a stronger model than mechanical ones.
package preset

// Preset is a named routing policy.
type Preset struct {
	Name           string            `json:"name,omitempty"`
	DefaultEngine  string            `json:"defaultEngine,omitempty"`
	AgentOverrides map[string]string `json:"agentOverrides,omitempty"`
	ModelByTier    map[int]string    `json:"modelByTier,omitempty"`
}

// SelectionContext carries per-invocation routing overrides (CLI flags).
type SelectionContext struct {
	// GlobalEngine forces one engine for every agent.
	GlobalEngine string

	// Preset names a built-in preset or one defined in the config file.
	Preset string

	// AgentOverrides maps agent id to engine id.
	AgentOverrides map[string]string

	// FallbackEnabled overrides whether engine fallback is allowed.
	FallbackEnabled *bool
}

// ConfigFile is the routing part of engine-config.json.
type ConfigFile struct {
	Preset          string            `json:"preset,omitempty"`
	Presets         map[string]Preset `json:"presets,omitempty"`
	Overrides       map[string]string `json:"overrides,omitempty"`
	FallbackEnabled *bool             `json:"fallbackEnabled,omitempty"`
}

// Resolution is the outcome of resolving an agent. Empty fields mean
// "no opinion"; the caller falls back to step-level or engine defaults.
type Resolution struct {
	EngineID string
	Model    string
}

// DefaultTier is used for agents missing from the tier map.
const DefaultTier = 2

// agentTiers classes the stock workflow agents. Tier 1 agents do open-ended
// design work, tier 3 agents do mechanical transforms.
var agentTiers = map[string]int{
	"architect":     1,
	"planner":       1,
	"coder":         2,
	"debugger":      2,
	"refactorer":    2,
	"test-writer":   2,
	"reviewer":      3,
	"formatter":     3,
	"doc-writer":    3,
	"commit-writer": 3,
}

// TierOf returns the tier for agentID, defaulting to DefaultTier.
func TierOf(agentID string) int {
	if tier, ok := agentTiers[agentID]; ok {
		return tier
	}
	return DefaultTier
}

// Resolver resolves (agent, context, config) to an engine and model.
type Resolver struct {
	builtins map[string]Preset
}

// NewResolver creates a Resolver with the built-in presets.
func NewResolver() *Resolver {
	return &Resolver{builtins: BuiltinPresets()}
}

// Resolve applies the override priority order:
//
//  1. context.GlobalEngine
//  2. context.Preset (built-in or config-file preset)
//  3. context.AgentOverrides[agent]
//  4. config.Preset
//  5. config.Overrides[agent]
//
// The model, when a preset took part, is that preset's tier mapping for the
// agent; otherwise empty.
func (r *Resolver) Resolve(agentID string, ctx *SelectionContext, cfg *ConfigFile) Resolution {
	if ctx != nil && ctx.GlobalEngine != "" {
		return Resolution{EngineID: ctx.GlobalEngine}
	}

	if ctx != nil && ctx.Preset != "" {
		if res, ok := r.resolveFromPreset(agentID, ctx.Preset, cfg); ok {
			return res
		}
	}

	if ctx != nil {
		if engineID, ok := ctx.AgentOverrides[agentID]; ok && engineID != "" {
			return Resolution{EngineID: engineID}
		}
	}

	if cfg != nil && cfg.Preset != "" {
		if res, ok := r.resolveFromPreset(agentID, cfg.Preset, cfg); ok {
			return res
		}
	}

	if cfg != nil {
		if engineID, ok := cfg.Overrides[agentID]; ok && engineID != "" {
			return Resolution{EngineID: engineID}
		}
	}

	return Resolution{}
}

// Lookup finds a preset by name, checking config-file presets before the
// built-ins so users can shadow a built-in name.
func (r *Resolver) Lookup(name string, cfg *ConfigFile) (Preset, bool) {
	if cfg != nil {
		if p, ok := cfg.Presets[name]; ok {
			if p.Name == "" {
				p.Name = name
			}
			return p, true
		}
	}
	p, ok := r.builtins[name]
	return p, ok
}

func (r *Resolver) resolveFromPreset(agentID, name string, cfg *ConfigFile) (Resolution, bool) {
	p, ok := r.Lookup(name, cfg)
	if !ok {
		return Resolution{}, false
	}

	engineID := ""
	if p.DefaultEngine != "" {
		engineID = p.DefaultEngine
	} else if override, ok := p.AgentOverrides[agentID]; ok && override != "" {
		engineID = override
	}
	if engineID == "" {
		return Resolution{}, false
	}

	return Resolution{EngineID: engineID, Model: p.ModelForAgent(agentID)}, true
}

// ModelForAgent returns the preset's model for the agent's tier, or empty
// when the tier is unmapped.
func (p Preset) ModelForAgent(agentID string) string {
	if p.ModelByTier == nil {
		return ""
	}
	return p.ModelByTier[TierOf(agentID)]
}
