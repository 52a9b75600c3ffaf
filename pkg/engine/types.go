// Package engine defines the provider adapter contract and the lazy engine
// registry. An engine wraps one external AI coding CLI (Claude Code, Codex,
// Gemini CLI, ...) behind a uniform metadata/auth/run capability set.
package engine

import (
	"context"
	"time"
)

// Descriptor is the static metadata an engine exposes without being loaded.
type Descriptor struct {
	// ID is the stable slug used in configs, presets and rate-limit state.
	ID string `json:"id"`

	// DisplayName is the human-readable provider name.
	DisplayName string `json:"displayName"`

	// DefaultModel is used when neither CLI, preset nor agent config pins one.
	DefaultModel string `json:"defaultModel"`

	// Order is the preference rank; lower is tried first.
	Order int `json:"order"`

	// SupportsResume reports whether run can continue a prior session.
	SupportsResume bool `json:"supportsResume"`

	// ModelByTier optionally maps agent tiers (1 complex, 2 standard,
	// 3 simple) to provider model names.
	ModelByTier map[int]string `json:"modelByTier,omitempty"`
}

// TelemetryFrame is a usage snapshot emitted by an adapter while running.
// Adapters that report cumulative counters emit non-decreasing values.
type TelemetryFrame struct {
	TokensIn            int      `json:"tokensIn"`
	TokensOut           int      `json:"tokensOut"`
	CachedTokens        *int     `json:"cachedTokens,omitempty"`
	CacheCreationTokens *int     `json:"cacheCreationTokens,omitempty"`
	CacheReadTokens     *int     `json:"cacheReadTokens,omitempty"`
	Cost                *float64 `json:"cost,omitempty"`
}

// RunOptions carries everything an adapter needs for one invocation.
type RunOptions struct {
	Prompt     string
	WorkingDir string

	// Model overrides the engine's default model when non-empty.
	Model string

	// SessionID resumes a prior conversation on engines that support it.
	SessionID string

	// Timeout bounds the subprocess lifetime; zero means no timeout.
	Timeout time.Duration

	// Env is the sanitized environment for the subprocess. Nil inherits
	// the parent environment (still sanitized by the adapter).
	Env []string

	// OnData receives stdout chunks in production order.
	OnData func(chunk string)

	// OnErrorData receives stderr chunks in production order.
	OnErrorData func(chunk string)

	// OnTelemetry receives usage frames in emission order.
	OnTelemetry func(frame TelemetryFrame)

	// OnSessionID is called once when the provider reveals its session id.
	OnSessionID func(id string)
}

// RunResult is the outcome of one adapter invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// IsRateLimitError is set when the provider refused the request due to
	// quota or throughput limits. The run is then retryable on another
	// engine rather than failed.
	IsRateLimitError  bool
	RateLimitResetsAt *time.Time
	RetryAfterSeconds int

	// SessionID is the provider session handle, when known.
	SessionID string
}

// Auth is the per-engine authentication capability.
type Auth interface {
	// IsAuthenticated probes whether the provider CLI is logged in.
	// Probes can be slow (10-30s for some CLIs); callers go through the
	// auth cache.
	IsAuthenticated(ctx context.Context) (bool, error)

	// EnsureAuth runs the provider's interactive login if needed.
	EnsureAuth(ctx context.Context) error

	// ClearAuth removes stored credentials.
	ClearAuth() error
}

// Module is the full engine adapter contract.
type Module interface {
	Metadata() Descriptor
	Auth() Auth
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)
}

// Loader produces a Module on first use. Loading may be expensive
// (binary discovery, version probing), hence the lazy registry.
type Loader func(ctx context.Context) (Module, error)
