// Package ratelimit tracks per-engine cooldowns across process restarts.
//
// When a provider reports a rate limit, the engine is parked until a known
// wall-clock reset time. Entries are persisted to rate-limits.json inside
// the workspace via a create-and-rename write, so a crash mid-run never
// loses or tears the cooldown state.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultCooldown is applied when the provider gives no reset hint.
const DefaultCooldown = 60 * time.Second

// Entry marks one engine as unusable until ResetsAt.
type Entry struct {
	EngineID          string    `json:"engineId"`
	RateLimitedAt     time.Time `json:"rateLimitedAt"`
	ResetsAt          time.Time `json:"resetsAt"`
	RetryAfterSeconds int       `json:"retryAfterSeconds,omitempty"`
}

// fileState is the on-disk shape of rate-limits.json.
type fileState struct {
	Entries     []Entry   `json:"entries"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Manager owns the cooldown map and its backing file.
type Manager struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by the given file path.
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path:    path,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads persisted entries, dropping any that already expired.
// This is the crash-recovery path; a missing file is not an error.
func (m *Manager) Initialize() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read rate-limit state: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		// A corrupt state file parks nothing; start fresh rather than fail.
		slog.Warn("Discarding unreadable rate-limit state", "path", m.path, "error", err)
		return nil
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range state.Entries {
		if e.ResetsAt.After(now) {
			m.entries[e.EngineID] = e
		}
	}
	if len(m.entries) > 0 {
		slog.Info("Restored rate-limit state", "engines", len(m.entries))
	}
	return nil
}

// MarkRateLimited parks engineID. The reset time is resetsAt when given,
// otherwise now + retryAfterSeconds, otherwise now + DefaultCooldown.
func (m *Manager) MarkRateLimited(engineID string, resetsAt *time.Time, retryAfterSeconds int) error {
	now := m.now()

	var reset time.Time
	switch {
	case resetsAt != nil && resetsAt.After(now):
		reset = *resetsAt
	case retryAfterSeconds > 0:
		reset = now.Add(time.Duration(retryAfterSeconds) * time.Second)
	default:
		reset = now.Add(DefaultCooldown)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[engineID] = Entry{
		EngineID:          engineID,
		RateLimitedAt:     now,
		ResetsAt:          reset,
		RetryAfterSeconds: retryAfterSeconds,
	}
	return m.persistLocked()
}

// IsEngineAvailable reports whether engineID may be used. Expired entries
// are purged on read, so availability is monotone in time between marks.
func (m *Manager) IsEngineAvailable(engineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[engineID]
	if !ok {
		return true
	}
	if !e.ResetsAt.After(m.now()) {
		delete(m.entries, engineID)
		if err := m.persistLocked(); err != nil {
			slog.Warn("Failed to persist rate-limit purge", "engine", engineID, "error", err)
		}
		return true
	}
	return false
}

// TimeUntilAvailable returns how long until engineID frees up (zero when
// available now).
func (m *Manager) TimeUntilAvailable(engineID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[engineID]
	if !ok {
		return 0
	}
	remaining := e.ResetsAt.Sub(m.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetsAt returns the reset time for engineID, when parked.
func (m *Manager) ResetsAt(engineID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[engineID]
	if !ok || !e.ResetsAt.After(m.now()) {
		return time.Time{}, false
	}
	return e.ResetsAt, true
}

// ClearRateLimit removes the entry for engineID.
func (m *Manager) ClearRateLimit(engineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[engineID]; !ok {
		return nil
	}
	delete(m.entries, engineID)
	return m.persistLocked()
}

// Cleanup purges every expired entry.
func (m *Manager) Cleanup() error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for id, e := range m.entries {
		if !e.ResetsAt.After(now) {
			delete(m.entries, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return m.persistLocked()
}

// Entries returns a snapshot of the active entries.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	return entries
}

// persistLocked writes the state file atomically. Callers hold m.mu, which
// serializes writers.
func (m *Manager) persistLocked() error {
	state := fileState{
		Entries:     make([]Entry, 0, len(m.entries)),
		LastUpdated: m.now(),
	}
	for _, e := range m.entries {
		state.Entries = append(state.Entries, e)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rate-limit state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write rate-limit state: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace rate-limit state: %w", err)
	}
	return nil
}
