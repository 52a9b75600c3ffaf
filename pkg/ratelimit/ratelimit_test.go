package ratelimit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time            { return c.now }
func (c *fakeClock) Advance(d time.Duration)   { c.now = c.now.Add(d) }
func newFakeClock() *fakeClock                 { return &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)} }
func newTestManager(t *testing.T, clock *fakeClock) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rate-limits.json")
	return NewManager(path, WithClock(clock.Now))
}

func TestMarkRateLimitedUsesResetsAt(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	resetsAt := clock.Now().Add(10 * time.Minute)
	if err := m.MarkRateLimited("claude", &resetsAt, 0); err != nil {
		t.Fatalf("MarkRateLimited: %v", err)
	}

	if m.IsEngineAvailable("claude") {
		t.Error("engine should be parked")
	}
	if got := m.TimeUntilAvailable("claude"); got != 10*time.Minute {
		t.Errorf("TimeUntilAvailable = %v, want 10m", got)
	}

	clock.Advance(10*time.Minute - time.Second)
	if m.IsEngineAvailable("claude") {
		t.Error("engine should still be parked just before reset")
	}
	clock.Advance(time.Second)
	if !m.IsEngineAvailable("claude") {
		t.Error("engine should be available at reset time")
	}
}

func TestMarkRateLimitedFallbacks(t *testing.T) {
	tests := []struct {
		name       string
		resetsAt   *time.Time
		retryAfter int
		want       time.Duration
	}{
		{name: "retry after seconds", retryAfter: 30, want: 30 * time.Second},
		{name: "default cooldown", want: DefaultCooldown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestManager(t, clock)
			if err := m.MarkRateLimited("codex", tt.resetsAt, tt.retryAfter); err != nil {
				t.Fatalf("MarkRateLimited: %v", err)
			}
			if got := m.TimeUntilAvailable("codex"); got != tt.want {
				t.Errorf("TimeUntilAvailable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStaleResetsAtFallsBackToDefault(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	past := clock.Now().Add(-time.Minute)
	if err := m.MarkRateLimited("claude", &past, 0); err != nil {
		t.Fatalf("MarkRateLimited: %v", err)
	}
	if got := m.TimeUntilAvailable("claude"); got != DefaultCooldown {
		t.Errorf("TimeUntilAvailable = %v, want %v", got, DefaultCooldown)
	}
}

func TestUnknownEngineIsAvailable(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	if !m.IsEngineAvailable("gemini") {
		t.Error("unknown engine should be available")
	}
	if got := m.TimeUntilAvailable("gemini"); got != 0 {
		t.Errorf("TimeUntilAvailable = %v, want 0", got)
	}
}

func TestCrashRecovery(t *testing.T) {
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "rate-limits.json")

	m1 := NewManager(path, WithClock(clock.Now))
	resetsAt := clock.Now().Add(600 * time.Second)
	if err := m1.MarkRateLimited("claude", &resetsAt, 0); err != nil {
		t.Fatalf("MarkRateLimited: %v", err)
	}
	expired := clock.Now().Add(time.Second)
	if err := m1.MarkRateLimited("codex", &expired, 0); err != nil {
		t.Fatalf("MarkRateLimited: %v", err)
	}

	// Simulate a restart a few seconds later.
	clock.Advance(5 * time.Second)
	m2 := NewManager(path, WithClock(clock.Now))
	if err := m2.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if m2.IsEngineAvailable("claude") {
		t.Error("claude should still be parked after restart")
	}
	remaining := m2.TimeUntilAvailable("claude")
	if remaining <= 590*time.Second || remaining > 600*time.Second {
		t.Errorf("TimeUntilAvailable = %v, want in (590s, 600s]", remaining)
	}
	if !m2.IsEngineAvailable("codex") {
		t.Error("expired entry should have been dropped on load")
	}
}

func TestInitializeToleratesMissingAndCorruptFiles(t *testing.T) {
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "rate-limits.json")

	m := NewManager(path, WithClock(clock.Now))
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize with missing file: %v", err)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	m2 := NewManager(path, WithClock(clock.Now))
	if err := m2.Initialize(); err != nil {
		t.Fatalf("Initialize with corrupt file: %v", err)
	}
	if len(m2.Entries()) != 0 {
		t.Error("corrupt file should yield no entries")
	}
}

func TestClearRateLimit(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	if err := m.MarkRateLimited("claude", nil, 120); err != nil {
		t.Fatalf("MarkRateLimited: %v", err)
	}
	if err := m.ClearRateLimit("claude"); err != nil {
		t.Fatalf("ClearRateLimit: %v", err)
	}
	if !m.IsEngineAvailable("claude") {
		t.Error("engine should be available after clear")
	}
	if err := m.ClearRateLimit("never-limited"); err != nil {
		t.Errorf("clearing an unknown engine should be a no-op, got %v", err)
	}
}

func TestCleanupPurgesExpiredOnly(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	if err := m.MarkRateLimited("short", nil, 10); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkRateLimited("long", nil, 600); err != nil {
		t.Fatal(err)
	}

	clock.Advance(30 * time.Second)
	if err := m.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	entries := m.Entries()
	if len(entries) != 1 || entries[0].EngineID != "long" {
		t.Errorf("Entries = %+v, want only the long entry", entries)
	}
}

func TestPersistIsAtomic(t *testing.T) {
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "rate-limits.json")
	m := NewManager(path, WithClock(clock.Now))

	if err := m.MarkRateLimited("claude", nil, 60); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not survive a persist")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("state file missing: %v", err)
	}
}
