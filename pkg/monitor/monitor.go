// Package monitor owns the durable agent execution records.
//
// All AgentRecord and Telemetry mutations go through the Monitor, which
// enforces the status state machine and keeps derived fields (end time,
// duration) consistent. Reads expose flat lists, parent/child queries, and
// an O(n) tree reconstruction.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codemachine-ai/codemachine/pkg/store"
)

// RegisterInput describes a new agent record.
type RegisterInput struct {
	Name     string
	Prompt   string
	EngineID string
	Model    string
	ParentID *int64
	PID      *int
}

// StatusListener observes status transitions.
type StatusListener func(id int64, from, to store.Status)

// Monitor is the sole writer of agent records.
type Monitor struct {
	store   *store.Store
	logsDir string
	now     func() time.Time

	mu        sync.Mutex
	listeners []StatusListener
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a Monitor writing into st, deriving default log paths under
// logsDir.
func New(st *store.Store, logsDir string, opts ...Option) *Monitor {
	m := &Monitor{store: st, logsDir: logsDir, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var (
	defaultMu      sync.Mutex
	defaultMonitor *Monitor
)

// SetDefault installs the process-wide monitor for legacy callers.
// New code should construct and pass a Monitor explicitly.
func SetDefault(m *Monitor) {
	defaultMu.Lock()
	defaultMonitor = m
	defaultMu.Unlock()
}

// Default returns the process-wide monitor, or nil if none was installed.
func Default() *Monitor {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultMonitor
}

// Subscribe registers a status transition listener.
func (m *Monitor) Subscribe(l StatusListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Monitor) notify(id int64, from, to store.Status) {
	m.mu.Lock()
	listeners := make([]StatusListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Debug("Status listener panicked", "agent", id, "panic", r)
				}
			}()
			l(id, from, to)
		}()
	}
}

// sanitizeName makes an agent name safe for a file name.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}

// DefaultLogPath computes the conventional log path for an agent.
func (m *Monitor) DefaultLogPath(id int64, name string, startTime time.Time) string {
	stamp := startTime.UTC().Format("2006-01-02T15-04-05")
	file := fmt.Sprintf("agent-%d-%s-%s.log", id, sanitizeName(name), stamp)
	return filepath.Join(m.logsDir, file)
}

// Register inserts a new running record and returns its id. When logPath is
// empty the conventional path (which embeds the assigned id) is computed
// and stored in a follow-up update.
func (m *Monitor) Register(ctx context.Context, input RegisterInput, logPath string) (int64, error) {
	startTime := m.now()
	rec := &store.AgentRecord{
		Name:      input.Name,
		Status:    store.StatusRunning,
		ParentID:  input.ParentID,
		PID:       input.PID,
		StartTime: startTime,
		Prompt:    input.Prompt,
		LogPath:   logPath,
		EngineID:  input.EngineID,
		Model:     input.Model,
	}

	id, err := m.store.InsertAgent(ctx, rec)
	if err != nil {
		return 0, err
	}

	if logPath == "" {
		path := m.DefaultLogPath(id, input.Name, startTime)
		if err := m.store.UpdateAgent(ctx, id, store.AgentUpdate{LogPath: &path}, nil); err != nil {
			return 0, fmt.Errorf("failed to store log path: %w", err)
		}
	}
	return id, nil
}

// legal transitions of the status state machine.
func legalTransition(from, to store.Status) bool {
	if from == to {
		return false
	}
	switch from {
	case store.StatusRunning:
		return to == store.StatusPaused || to.IsTerminal()
	case store.StatusPaused:
		return to == store.StatusRunning || to.IsTerminal()
	default:
		// Terminal states are absorbing.
		return false
	}
}

// transition applies a status change with the state machine check. Illegal
// transitions are logged and skipped; they indicate a caller bug, not a
// runtime condition worth failing a workflow over.
func (m *Monitor) transition(ctx context.Context, id int64, to store.Status, extra store.AgentUpdate, telemetry *store.Telemetry) error {
	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}

	if !legalTransition(rec.Status, to) {
		slog.Warn("Ignoring illegal status transition",
			"agent", id, "from", rec.Status, "to", to)
		return nil
	}

	update := extra
	update.Status = &to
	if to.IsTerminal() {
		endTime := m.now()
		duration := endTime.Sub(rec.StartTime).Milliseconds()
		if duration < 0 {
			duration = 0
		}
		update.EndTime = &endTime
		update.DurationMS = &duration
	}

	if err := m.store.UpdateAgent(ctx, id, update, telemetry); err != nil {
		return err
	}
	m.notify(id, rec.Status, to)
	return nil
}

// MarkRunning resumes a paused record.
func (m *Monitor) MarkRunning(ctx context.Context, id int64) error {
	return m.transition(ctx, id, store.StatusRunning, store.AgentUpdate{}, nil)
}

// MarkPaused parks a running record in a resumable state.
func (m *Monitor) MarkPaused(ctx context.Context, id int64) error {
	return m.transition(ctx, id, store.StatusPaused, store.AgentUpdate{}, nil)
}

// MarkSkipped terminates a record without running it.
func (m *Monitor) MarkSkipped(ctx context.Context, id int64) error {
	return m.transition(ctx, id, store.StatusSkipped, store.AgentUpdate{}, nil)
}

// Complete terminates a record successfully, optionally upserting final
// telemetry in the same transaction.
func (m *Monitor) Complete(ctx context.Context, id int64, telemetry *store.Telemetry) error {
	return m.transition(ctx, id, store.StatusCompleted, store.AgentUpdate{}, telemetry)
}

// Fail terminates a record with an error message. Existing telemetry is
// preserved.
func (m *Monitor) Fail(ctx context.Context, id int64, message string) error {
	return m.transition(ctx, id, store.StatusFailed, store.AgentUpdate{Error: &message}, nil)
}

// UpdateTelemetry upserts the telemetry row for id.
func (m *Monitor) UpdateTelemetry(ctx context.Context, id int64, t store.Telemetry) error {
	t.AgentID = id
	return m.store.UpsertTelemetry(ctx, &t)
}

// SetSessionID stores the provider session handle for resumable engines.
func (m *Monitor) SetSessionID(ctx context.Context, id int64, sessionID string) error {
	return m.store.UpdateAgent(ctx, id, store.AgentUpdate{SessionID: &sessionID}, nil)
}

// SetPID records the subprocess pid.
func (m *Monitor) SetPID(ctx context.Context, id int64, pid int) error {
	return m.store.UpdateAgent(ctx, id, store.AgentUpdate{PID: &pid}, nil)
}

// GetAgent returns one record.
func (m *Monitor) GetAgent(ctx context.Context, id int64) (*store.AgentRecord, error) {
	return m.store.GetAgent(ctx, id)
}

// GetAll returns every record.
func (m *Monitor) GetAll(ctx context.Context) ([]*store.AgentRecord, error) {
	return m.store.ListAgents(ctx)
}

// GetChildren returns the direct children of parentID.
func (m *Monitor) GetChildren(ctx context.Context, parentID int64) ([]*store.AgentRecord, error) {
	return m.store.ListChildren(ctx, parentID)
}

// GetRootAgents returns records without a parent.
func (m *Monitor) GetRootAgents(ctx context.Context) ([]*store.AgentRecord, error) {
	return m.store.ListRoots(ctx)
}
