// Package fallback runs an engine and walks an ordered candidate chain
// when providers are rate-limited.
//
// Two failure signals are consulted per candidate and kept separate: the
// circuit breaker ("too broken to try right now") and the rate-limit
// manager ("parked until a known wall-clock time"). Non-rate-limit errors
// are never swallowed; they abort the chain.
package fallback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codemachine-ai/codemachine/pkg/circuitbreaker"
	"github.com/codemachine-ai/codemachine/pkg/engine"
	"github.com/codemachine-ai/codemachine/pkg/engine/authcache"
	"github.com/codemachine-ai/codemachine/pkg/ratelimit"
)

// DefaultMaxAttempts bounds adapter invocations per RunWithFallback call.
const DefaultMaxAttempts = 3

// Result is the outcome of a fallback run.
type Result struct {
	*engine.RunResult

	// EngineUsed is the candidate that produced the result.
	EngineUsed string

	// FellBack is set when EngineUsed differs from the primary.
	FellBack bool

	// RateLimitedEngines lists the candidates that rate-limited before
	// the returning one, in attempt order.
	RateLimitedEngines []string

	// AllEnginesExhausted is set when every candidate was unavailable or
	// rate-limited. SoonestResetEngine/SoonestResetAt then point at the
	// earliest recovery.
	AllEnginesExhausted bool
	SoonestResetEngine  string
	SoonestResetAt      time.Time
}

// Executor composes the registry, auth cache, rate-limit manager, and
// circuit breakers.
type Executor struct {
	registry *engine.Registry
	auth     *authcache.Cache
	limits   *ratelimit.Manager
	breakers *circuitbreaker.Manager
}

// NewExecutor creates an Executor. breakers may be nil to disable circuit
// breaking.
func NewExecutor(reg *engine.Registry, auth *authcache.Cache, limits *ratelimit.Manager, breakers *circuitbreaker.Manager) *Executor {
	return &Executor{registry: reg, auth: auth, limits: limits, breakers: breakers}
}

// candidates builds [primary, chain...] with duplicates removed.
func candidates(primary string, chain []string) []string {
	seen := map[string]bool{primary: true}
	out := []string{primary}
	for _, id := range chain {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// RunWithFallback invokes the primary engine and, on rate limits, walks
// the fallback chain in order. maxAttempts <= 0 means DefaultMaxAttempts.
//
// Within one candidate the adapter runs to completion before the next is
// considered. A candidate that is parked, unknown, unauthenticated, or
// circuit-broken is skipped without consuming an attempt. Non-rate-limit
// adapter errors propagate immediately.
func (e *Executor) RunWithFallback(ctx context.Context, primary string, chain []string, opts engine.RunOptions, maxAttempts int) (*Result, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var attempted []string
	var parked []string
	attempts := 0

	for _, candidate := range candidates(primary, chain) {
		if err := ctx.Err(); err != nil {
			return nil, engine.WrapError(engine.KindCancelled, candidate, err)
		}
		if attempts >= maxAttempts {
			break
		}

		if !e.limits.IsEngineAvailable(candidate) {
			remaining := e.limits.TimeUntilAvailable(candidate)
			slog.Info("Skipping rate-limited engine",
				"engine", candidate, "available_in", remaining.Round(time.Second))
			parked = append(parked, candidate)
			continue
		}

		var breaker *circuitbreaker.Breaker
		if e.breakers != nil {
			breaker = e.breakers.Breaker(candidate)
			if !breaker.AllowRequest() {
				slog.Info("Skipping circuit-broken engine",
					"engine", candidate, "state", breaker.State())
				continue
			}
		}

		module, err := e.registry.Get(ctx, candidate)
		if err != nil {
			if breaker != nil {
				breaker.RecordFailure(err)
			}
			slog.Warn("Engine unavailable, trying next", "engine", candidate, "error", err)
			continue
		}

		authenticated, err := e.auth.IsAuthenticated(ctx, candidate, module.Auth().IsAuthenticated)
		if err != nil || !authenticated {
			if breaker != nil {
				breaker.Release()
			}
			slog.Info("Engine not authenticated, trying next", "engine", candidate, "error", err)
			continue
		}

		attempts++
		result, runErr := module.Run(ctx, opts)

		switch {
		case runErr == nil && result != nil && result.IsRateLimitError:
			e.markRateLimited(candidate, result)
			if breaker != nil {
				breaker.Release()
			}
			attempted = append(attempted, candidate)
			continue

		case runErr != nil && isRateLimitErr(runErr):
			e.markRateLimitedFromError(candidate, runErr)
			if breaker != nil {
				breaker.Release()
			}
			attempted = append(attempted, candidate)
			continue

		case runErr != nil:
			if breaker != nil {
				breaker.RecordFailure(runErr)
			}
			if errors.Is(runErr, context.Canceled) || engine.IsKind(runErr, engine.KindCancelled) {
				return nil, engine.WrapError(engine.KindCancelled, candidate, runErr)
			}
			return nil, runErr

		default:
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return &Result{
				RunResult:          result,
				EngineUsed:         candidate,
				FellBack:           candidate != primary,
				RateLimitedEngines: attempted,
			}, nil
		}
	}

	return e.exhausted(attempted, parked), nil
}

// exhausted builds the sentinel result returned when no candidate could
// run. The caller may wait for the soonest reset and retry. parked holds
// candidates skipped because they were already cooling down; they count
// toward the soonest-reset computation but not RateLimitedEngines.
func (e *Executor) exhausted(attempted, parked []string) *Result {
	result := &Result{
		RunResult:           &engine.RunResult{IsRateLimitError: true},
		AllEnginesExhausted: true,
		RateLimitedEngines:  attempted,
	}

	var soonest time.Duration
	for _, id := range append(append([]string{}, attempted...), parked...) {
		remaining := e.limits.TimeUntilAvailable(id)
		if result.SoonestResetEngine == "" || remaining < soonest {
			result.SoonestResetEngine = id
			soonest = remaining
		}
	}
	if result.SoonestResetEngine != "" {
		if resetsAt, ok := e.limits.ResetsAt(result.SoonestResetEngine); ok {
			result.SoonestResetAt = resetsAt
		}
	}
	return result
}

func (e *Executor) markRateLimited(engineID string, result *engine.RunResult) {
	retryAfter := result.RetryAfterSeconds
	if retryAfter == 0 {
		if hint, ok := ratelimit.ExtractRetryAfter(result.Stderr + result.Stdout); ok {
			retryAfter = hint
		}
	}
	if err := e.limits.MarkRateLimited(engineID, result.RateLimitResetsAt, retryAfter); err != nil {
		slog.Warn("Failed to persist rate limit", "engine", engineID, "error", err)
	}
}

func (e *Executor) markRateLimitedFromError(engineID string, runErr error) {
	retryAfter, _ := ratelimit.ExtractRetryAfter(runErr.Error())
	if err := e.limits.MarkRateLimited(engineID, nil, retryAfter); err != nil {
		slog.Warn("Failed to persist rate limit", "engine", engineID, "error", err)
	}
}

func isRateLimitErr(err error) bool {
	if engine.IsKind(err, engine.KindRateLimited) {
		return true
	}
	return ratelimit.IsRateLimitText(err.Error())
}
