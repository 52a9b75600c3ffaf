// Package selector picks the engine for a workflow step by composing the
// registry, the auth cache, the preset resolver, and the rate-limit
// manager. Selection never runs an engine; it only answers "which one".
package selector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codemachine-ai/codemachine/pkg/engine"
	"github.com/codemachine-ai/codemachine/pkg/engine/authcache"
	"github.com/codemachine-ai/codemachine/pkg/preset"
	"github.com/codemachine-ai/codemachine/pkg/ratelimit"
)

// Source records where a selection came from.
type Source string

const (
	// SourceOverride means a preset or explicit override resolved the engine.
	SourceOverride Source = "override"

	// SourceStep means the step's own engine field was used.
	SourceStep Source = "step"

	// SourceScan means the first authenticated engine in preference order
	// was chosen.
	SourceScan Source = "scan"

	// SourceDefault means nothing was authenticated and the registry
	// default was returned as a last resort.
	SourceDefault Source = "default"
)

// Request carries everything one selection needs.
type Request struct {
	// AgentID identifies the step's agent for override and tier lookup.
	AgentID string

	// StepEngine is the step's explicit engine, empty when unset.
	StepEngine string

	// Context carries CLI-level routing overrides. Optional.
	Context *preset.SelectionContext

	// Config is the routing part of the config file. Optional.
	Config *preset.ConfigFile
}

// Selection is the outcome.
type Selection struct {
	EngineID string

	// Model is the preset's tier model for the agent, empty when no
	// preset took part. Callers apply their own model precedence on top.
	Model string

	Source Source
}

// Decision is emitted once per selection for UI display.
type Decision struct {
	AgentID   string
	Selection Selection

	// Rejected lists engines that were resolved but failed the auth
	// probe, in the order they were considered.
	Rejected []string
}

// Selector picks engines. Safe for concurrent use.
type Selector struct {
	registry *engine.Registry
	auth     *authcache.Cache
	resolver *preset.Resolver
	limits   *ratelimit.Manager

	onDecision func(Decision)
}

// Option configures a Selector.
type Option func(*Selector)

// WithDecisionHook registers a callback invoked after every selection.
func WithDecisionHook(fn func(Decision)) Option {
	return func(s *Selector) { s.onDecision = fn }
}

// New creates a Selector. limits may be nil; parked engines are then not
// deprioritized during scans.
func New(reg *engine.Registry, auth *authcache.Cache, resolver *preset.Resolver, limits *ratelimit.Manager, opts ...Option) *Selector {
	s := &Selector{registry: reg, auth: auth, resolver: resolver, limits: limits}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectEngine resolves the engine for one step:
//
//  1. A preset/override resolution wins if that engine is authenticated;
//     otherwise it falls through with a log line.
//  2. An explicit step engine wins if authenticated. When it is not and
//     fallback is enabled, the catalog is scanned; with fallback disabled
//     the selection fails with an auth error.
//  3. With no explicit engine the catalog is scanned in preference order
//     and the first authenticated engine wins. An empty scan returns the
//     registry default with a warning.
func (s *Selector) SelectEngine(ctx context.Context, req Request) (Selection, error) {
	var rejected []string
	finish := func(sel Selection, err error) (Selection, error) {
		if err == nil && s.onDecision != nil {
			s.onDecision(Decision{AgentID: req.AgentID, Selection: sel, Rejected: rejected})
		}
		return sel, err
	}

	resolved := s.resolver.Resolve(req.AgentID, req.Context, req.Config)
	if resolved.EngineID != "" {
		if s.isAuthenticated(ctx, resolved.EngineID) {
			return finish(Selection{
				EngineID: resolved.EngineID,
				Model:    resolved.Model,
				Source:   SourceOverride,
			}, nil)
		}
		slog.Info("Preset engine not authenticated, falling through",
			"agent", req.AgentID, "engine", resolved.EngineID)
		rejected = append(rejected, resolved.EngineID)
	}

	if req.StepEngine != "" {
		if s.isAuthenticated(ctx, req.StepEngine) {
			return finish(Selection{EngineID: req.StepEngine, Source: SourceStep}, nil)
		}
		rejected = append(rejected, req.StepEngine)

		if !s.fallbackAllowed(req) {
			return finish(Selection{}, engine.NewError(engine.KindAuthRequired, req.StepEngine,
				"engine not authenticated and fallback is disabled"))
		}
		slog.Info("Step engine not authenticated, scanning catalog",
			"agent", req.AgentID, "engine", req.StepEngine)
	}

	if id, ok := s.scan(ctx); ok {
		return finish(Selection{EngineID: id, Source: SourceScan}, nil)
	}

	metas := s.registry.AllMetadata()
	if len(metas) == 0 {
		return finish(Selection{}, engine.NewError(engine.KindNotFound, "", "no engines registered"))
	}
	slog.Warn("No authenticated engine found, using registry default",
		"agent", req.AgentID, "engine", metas[0].ID)
	return finish(Selection{EngineID: metas[0].ID, Source: SourceDefault}, nil)
}

// fallbackAllowed checks context first, then the config file, then
// defaults to true.
func (s *Selector) fallbackAllowed(req Request) bool {
	if req.Context != nil && req.Context.FallbackEnabled != nil {
		return *req.Context.FallbackEnabled
	}
	if req.Config != nil && req.Config.FallbackEnabled != nil {
		return *req.Config.FallbackEnabled
	}
	return true
}

// scan probes every registered engine concurrently and returns the first
// authenticated one in preference order. Engines parked by the rate-limit
// manager lose to available ones but still beat nothing.
func (s *Selector) scan(ctx context.Context) (string, bool) {
	metas := s.registry.AllMetadata()
	if len(metas) == 0 {
		return "", false
	}

	authed := make([]bool, len(metas))
	var wg sync.WaitGroup
	for i, meta := range metas {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			authed[i] = s.isAuthenticated(ctx, id)
		}(i, meta.ID)
	}
	wg.Wait()

	parkedPick := ""
	for i, meta := range metas {
		if !authed[i] {
			continue
		}
		if s.limits != nil && !s.limits.IsEngineAvailable(meta.ID) {
			if parkedPick == "" {
				parkedPick = meta.ID
			}
			continue
		}
		return meta.ID, true
	}
	if parkedPick != "" {
		return parkedPick, true
	}
	return "", false
}

// isAuthenticated loads the module and probes auth through the cache.
// Any load or probe failure counts as not authenticated.
func (s *Selector) isAuthenticated(ctx context.Context, id string) bool {
	module, err := s.registry.Get(ctx, id)
	if err != nil {
		slog.Debug("Engine unavailable during selection", "engine", id, "error", err)
		return false
	}
	ok, err := s.auth.IsAuthenticated(ctx, id, module.Auth().IsAuthenticated)
	if err != nil {
		slog.Debug("Auth probe failed during selection", "engine", id, "error", err)
		return false
	}
	return ok
}
