package fallback

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/codemachine-ai/codemachine/pkg/circuitbreaker"
	"github.com/codemachine-ai/codemachine/pkg/engine"
	"github.com/codemachine-ai/codemachine/pkg/engine/authcache"
	"github.com/codemachine-ai/codemachine/pkg/ratelimit"
)

type scriptedAuth struct {
	ok bool
}

func (a scriptedAuth) IsAuthenticated(context.Context) (bool, error) { return a.ok, nil }
func (a scriptedAuth) EnsureAuth(context.Context) error              { return nil }
func (a scriptedAuth) ClearAuth() error                              { return nil }

type scriptedModule struct {
	id     string
	order  int
	authed bool
	result *engine.RunResult
	err    error
	calls  int
}

func (m *scriptedModule) Metadata() engine.Descriptor {
	return engine.Descriptor{ID: m.id, Order: m.order}
}

func (m *scriptedModule) Auth() engine.Auth { return scriptedAuth{ok: m.authed} }

func (m *scriptedModule) Run(ctx context.Context, opts engine.RunOptions) (*engine.RunResult, error) {
	m.calls++
	return m.result, m.err
}

func okModule(id string, order int) *scriptedModule {
	return &scriptedModule{id: id, order: order, authed: true, result: &engine.RunResult{Stdout: "ok"}}
}

func rateLimitedModule(id string, order, retryAfter int) *scriptedModule {
	return &scriptedModule{id: id, order: order, authed: true, result: &engine.RunResult{
		IsRateLimitError:  true,
		RetryAfterSeconds: retryAfter,
	}}
}

func newTestExecutor(t *testing.T, modules ...*scriptedModule) (*Executor, *ratelimit.Manager) {
	t.Helper()
	reg := engine.NewRegistry()
	for _, m := range modules {
		reg.Register(m)
	}
	auth := authcache.New()
	limits := ratelimit.NewManager(filepath.Join(t.TempDir(), "rate-limits.json"))
	return NewExecutor(reg, auth, limits, circuitbreaker.NewManager()), limits
}

func TestPrimarySucceeds(t *testing.T) {
	a := okModule("a", 1)
	exec, _ := newTestExecutor(t, a)

	result, err := exec.RunWithFallback(context.Background(), "a", nil, engine.RunOptions{}, 0)
	if err != nil {
		t.Fatalf("RunWithFallback: %v", err)
	}
	if result.EngineUsed != "a" || result.FellBack {
		t.Errorf("result = {engine %s, fellBack %v}, want {a, false}", result.EngineUsed, result.FellBack)
	}
	if len(result.RateLimitedEngines) != 0 {
		t.Errorf("RateLimitedEngines = %v, want empty", result.RateLimitedEngines)
	}
}

func TestFallbackOnRateLimit(t *testing.T) {
	a := rateLimitedModule("a", 1, 30)
	b := okModule("b", 2)
	exec, limits := newTestExecutor(t, a, b)

	result, err := exec.RunWithFallback(context.Background(), "a", []string{"b"}, engine.RunOptions{}, 0)
	if err != nil {
		t.Fatalf("RunWithFallback: %v", err)
	}
	if result.EngineUsed != "b" || !result.FellBack {
		t.Errorf("result = {engine %s, fellBack %v}, want {b, true}", result.EngineUsed, result.FellBack)
	}
	if len(result.RateLimitedEngines) != 1 || result.RateLimitedEngines[0] != "a" {
		t.Errorf("RateLimitedEngines = %v, want [a]", result.RateLimitedEngines)
	}

	if limits.IsEngineAvailable("a") {
		t.Error("a should be parked after its rate limit")
	}
	remaining := limits.TimeUntilAvailable("a")
	if remaining <= 28*time.Second || remaining > 31*time.Second {
		t.Errorf("TimeUntilAvailable(a) = %v, want in (28s, 31s]", remaining)
	}
}

func TestAllEnginesExhausted(t *testing.T) {
	a := rateLimitedModule("a", 1, 300)
	b := rateLimitedModule("b", 2, 60)
	exec, _ := newTestExecutor(t, a, b)

	result, err := exec.RunWithFallback(context.Background(), "a", []string{"b"}, engine.RunOptions{}, 0)
	if err != nil {
		t.Fatalf("RunWithFallback: %v", err)
	}
	if !result.AllEnginesExhausted || !result.IsRateLimitError {
		t.Fatalf("result = %+v, want exhausted sentinel", result)
	}
	if result.SoonestResetEngine != "b" {
		t.Errorf("SoonestResetEngine = %s, want b", result.SoonestResetEngine)
	}
	if result.SoonestResetAt.IsZero() {
		t.Error("SoonestResetAt should be set")
	}
	if len(result.RateLimitedEngines) != 2 {
		t.Errorf("RateLimitedEngines = %v, want both candidates", result.RateLimitedEngines)
	}
}

func TestParkedCandidateIsSkippedWithoutRunning(t *testing.T) {
	a := okModule("a", 1)
	b := okModule("b", 2)
	exec, limits := newTestExecutor(t, a, b)

	if err := limits.MarkRateLimited("a", nil, 300); err != nil {
		t.Fatal(err)
	}

	result, err := exec.RunWithFallback(context.Background(), "a", []string{"b"}, engine.RunOptions{}, 0)
	if err != nil {
		t.Fatalf("RunWithFallback: %v", err)
	}
	if result.EngineUsed != "b" {
		t.Errorf("EngineUsed = %s, want b", result.EngineUsed)
	}
	if a.calls != 0 {
		t.Errorf("parked engine ran %d times, want 0", a.calls)
	}
	// a never ran, so it is not in the rate-limited list.
	if len(result.RateLimitedEngines) != 0 {
		t.Errorf("RateLimitedEngines = %v, want empty", result.RateLimitedEngines)
	}
}

func TestNonRateLimitErrorAborts(t *testing.T) {
	boom := errors.New("segfault in provider")
	a := &scriptedModule{id: "a", order: 1, authed: true, err: boom}
	b := okModule("b", 2)
	exec, _ := newTestExecutor(t, a, b)

	_, err := exec.RunWithFallback(context.Background(), "a", []string{"b"}, engine.RunOptions{}, 0)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the propagated provider error", err)
	}
	if b.calls != 0 {
		t.Error("chain must abort on a non-rate-limit error")
	}
}

func TestRateLimitClassifiedFromErrorText(t *testing.T) {
	a := &scriptedModule{id: "a", order: 1, authed: true, err: errors.New("HTTP 429: too many requests")}
	b := okModule("b", 2)
	exec, limits := newTestExecutor(t, a, b)

	result, err := exec.RunWithFallback(context.Background(), "a", []string{"b"}, engine.RunOptions{}, 0)
	if err != nil {
		t.Fatalf("RunWithFallback: %v", err)
	}
	if result.EngineUsed != "b" {
		t.Errorf("EngineUsed = %s, want b", result.EngineUsed)
	}
	if limits.IsEngineAvailable("a") {
		t.Error("a should be parked from the classified error")
	}
}

func TestUnauthenticatedCandidateIsSkipped(t *testing.T) {
	a := &scriptedModule{id: "a", order: 1, authed: false}
	b := okModule("b", 2)
	exec, _ := newTestExecutor(t, a, b)

	result, err := exec.RunWithFallback(context.Background(), "a", []string{"b"}, engine.RunOptions{}, 0)
	if err != nil {
		t.Fatalf("RunWithFallback: %v", err)
	}
	if result.EngineUsed != "b" {
		t.Errorf("EngineUsed = %s, want b", result.EngineUsed)
	}
	if a.calls != 0 {
		t.Error("unauthenticated engine must not run")
	}
}

func TestMaxAttemptsBoundsAdapterInvocations(t *testing.T) {
	a := rateLimitedModule("a", 1, 60)
	b := rateLimitedModule("b", 2, 60)
	c := rateLimitedModule("c", 3, 60)
	d := okModule("d", 4)
	exec, _ := newTestExecutor(t, a, b, c, d)

	result, err := exec.RunWithFallback(context.Background(), "a", []string{"b", "c", "d"}, engine.RunOptions{}, 3)
	if err != nil {
		t.Fatalf("RunWithFallback: %v", err)
	}
	if !result.AllEnginesExhausted {
		t.Fatal("three rate limits should exhaust a budget of 3")
	}
	if d.calls != 0 {
		t.Error("fourth candidate must not run past the attempt budget")
	}
}

func TestDuplicateChainEntriesAreDeduped(t *testing.T) {
	a := rateLimitedModule("a", 1, 60)
	b := okModule("b", 2)
	exec, _ := newTestExecutor(t, a, b)

	result, err := exec.RunWithFallback(context.Background(), "a", []string{"a", "b", "a", "b"}, engine.RunOptions{}, 0)
	if err != nil {
		t.Fatalf("RunWithFallback: %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = (a=%d, b=%d), want each candidate run once", a.calls, b.calls)
	}
	if result.EngineUsed != "b" {
		t.Errorf("EngineUsed = %s, want b", result.EngineUsed)
	}
}

func TestCancelledContext(t *testing.T) {
	a := okModule("a", 1)
	exec, _ := newTestExecutor(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.RunWithFallback(ctx, "a", nil, engine.RunOptions{}, 0)
	if !engine.IsKind(err, engine.KindCancelled) {
		t.Errorf("err = %v, want kind %s", err, engine.KindCancelled)
	}
	if a.calls != 0 {
		t.Error("no adapter should run under a cancelled context")
	}
}
