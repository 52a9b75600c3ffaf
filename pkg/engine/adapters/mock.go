package adapters

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/codemachine-ai/codemachine/pkg/engine"
)

const (
	// EnvMockEngine gates registration of the in-process mock engine.
	EnvMockEngine = "CODEMACHINE_MOCK_ENGINE"

	// EnvMockRateLimit forces the mock engine to report a rate limit; the
	// value is the retry-after in seconds ("1" means 1 second).
	EnvMockRateLimit = "CODEMACHINE_MOCK_RATELIMIT"
)

// MockEnabled reports whether the mock engine should be registered.
func MockEnabled() bool {
	v := os.Getenv(EnvMockEngine)
	return v != "" && v != "0" && v != "false"
}

// MockModule is an in-process engine used for dry runs and tests. It
// echoes the prompt, emits one telemetry frame, and honors the rate-limit
// override from the environment.
type MockModule struct {
	// Delay simulates provider latency per run.
	Delay time.Duration
}

// NewMock creates a mock engine module.
func NewMock() *MockModule { return &MockModule{} }

func (m *MockModule) Metadata() engine.Descriptor {
	return engine.Descriptor{
		ID:             "mock",
		DisplayName:    "Mock Engine",
		DefaultModel:   "mock-1",
		Order:          99,
		SupportsResume: true,
	}
}

func (m *MockModule) Auth() engine.Auth { return mockAuth{} }

func (m *MockModule) Run(ctx context.Context, opts engine.RunOptions) (*engine.RunResult, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, engine.WrapError(engine.KindCancelled, "mock", ctx.Err())
		}
	}

	if v := os.Getenv(EnvMockRateLimit); v != "" {
		retryAfter, err := strconv.Atoi(v)
		if err != nil || retryAfter <= 0 {
			retryAfter = 60
		}
		return &engine.RunResult{
			Stderr:            "mock: rate limit exceeded",
			ExitCode:          1,
			IsRateLimitError:  true,
			RetryAfterSeconds: retryAfter,
		}, nil
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = "mock-" + uuid.NewString()
	}
	if opts.OnSessionID != nil {
		opts.OnSessionID(sessionID)
	}

	output := fmt.Sprintf("mock response to: %s\n", opts.Prompt)
	if opts.OnData != nil {
		opts.OnData(output)
	}
	if opts.OnTelemetry != nil {
		opts.OnTelemetry(engine.TelemetryFrame{
			TokensIn:  len(opts.Prompt) / 4,
			TokensOut: len(output) / 4,
		})
	}

	return &engine.RunResult{
		Stdout:    output,
		SessionID: sessionID,
	}, nil
}

type mockAuth struct{}

func (mockAuth) IsAuthenticated(context.Context) (bool, error) { return true, nil }
func (mockAuth) EnsureAuth(context.Context) error              { return nil }
func (mockAuth) ClearAuth() error                              { return nil }
