// Package logstream manages per-agent append-only log files.
//
// Each agent gets one log file with a header block, size-based rotation
// (10 MiB, up to 5 rotated generations), and an advisory file lock that
// guards against other processes. Writes never block on the lock: it is
// acquired asynchronously after the first write, which is only safe within
// a single process and matches the observed production behavior.
package logstream

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	// MaxFileSize triggers rotation when the current file exceeds it.
	MaxFileSize = 10 * 1024 * 1024

	// MaxRotatedFiles is how many rotated generations are retained.
	MaxRotatedFiles = 5

	// rotateCheckInterval is how many writes between size checks.
	rotateCheckInterval = 100

	headerPromptLimit = 500
)

// Header describes the block written at the top of a fresh log file.
type Header struct {
	AgentID       int64
	Name          string
	EngineID      string
	Model         string
	CorrelationID string
	Prompt        string
	StartTime     time.Time
}

func (h Header) render() string {
	prompt := h.Prompt
	if runes := []rune(prompt); len(runes) > headerPromptLimit {
		prompt = string(runes[:headerPromptLimit]) + "…"
	}
	prompt = strings.ReplaceAll(prompt, "\n", " ")

	var b strings.Builder
	fmt.Fprintf(&b, "===╭─ Agent %d: %s %s\n", h.AgentID, h.Name, strings.Repeat("─", 24))
	fmt.Fprintf(&b, "===│ engine: %s  model: %s\n", h.EngineID, h.Model)
	if h.CorrelationID != "" {
		fmt.Fprintf(&b, "===│ correlation: %s\n", h.CorrelationID)
	}
	fmt.Fprintf(&b, "===│ started: %s\n", h.StartTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "===╰─ prompt: %s\n", prompt)
	return b.String()
}

// stream is one agent's open log file. The adapter drains stdout and
// stderr concurrently, so writes for one agent can arrive from two
// goroutines; mu serializes them.
type stream struct {
	path   string
	header Header

	mu         sync.Mutex
	file       *os.File
	lock       *flock.Flock
	writeCount int
	started    bool
}

// Manager hands out per-agent log streams.
type Manager struct {
	mu      sync.Mutex
	streams map[int64]*stream
}

// NewManager creates an empty stream manager.
func NewManager() *Manager {
	return &Manager{streams: make(map[int64]*stream)}
}

// Register associates agentID with a log path and header. The file is not
// touched until the first Write. Registering an agent again with the same
// path is a no-op, so a resumed run keeps its open stream.
func (m *Manager) Register(agentID int64, path string, header Header) {
	m.mu.Lock()
	old := m.streams[agentID]
	if old != nil && old.path == path {
		m.mu.Unlock()
		return
	}
	m.streams[agentID] = &stream{path: path, header: header}
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
}

// Write appends chunk to the agent's log. I/O failures are logged and
// swallowed: a degraded log stream must not tear down the workflow.
func (m *Manager) Write(agentID int64, chunk string) {
	m.mu.Lock()
	s, ok := m.streams[agentID]
	m.mu.Unlock()
	if !ok {
		slog.Debug("Write to unregistered log stream", "agent", agentID)
		return
	}

	if err := s.write(chunk); err != nil {
		slog.Warn("Log stream write failed", "agent", agentID, "path", s.path, "error", err)
	}
}

func (s *stream) write(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		if err := s.open(); err != nil {
			return err
		}
		s.started = true
	}
	if s.file == nil {
		if err := s.reopen(); err != nil {
			return err
		}
	}

	if _, err := s.file.WriteString(chunk); err != nil {
		return err
	}

	s.writeCount++
	if s.writeCount%rotateCheckInterval == 0 {
		if err := s.maybeRotate(); err != nil {
			return fmt.Errorf("rotation failed: %w", err)
		}
	}
	return nil
}

// open creates the directory, writes the header, and kicks off the
// asynchronous advisory lock. A resumed run reopens a non-empty file and
// keeps its original header.
func (s *stream) open() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = file

	if info, err := file.Stat(); err == nil && info.Size() == 0 {
		if _, err := file.WriteString(s.header.render()); err != nil {
			return err
		}
	}

	// Advisory lock against other processes. Writes proceed without
	// waiting for it.
	s.lock = flock.New(s.path + ".lock")
	go func(l *flock.Flock) {
		if err := l.Lock(); err != nil {
			slog.Debug("Failed to acquire log lock", "path", s.path, "error", err)
		}
	}(s.lock)

	return nil
}

func (s *stream) reopen() error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = file
	return nil
}

// maybeRotate rotates generations when the current file exceeds
// MaxFileSize: <file>.k -> <file>.(k+1) for k = MaxRotatedFiles-1..1, the
// live file becomes <file>.1, and anything past the retention cap is
// removed. New writes reopen a fresh file.
func (s *stream) maybeRotate() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= MaxFileSize {
		return nil
	}

	if err := s.file.Close(); err != nil {
		return err
	}
	s.file = nil

	for k := MaxRotatedFiles - 1; k >= 1; k-- {
		from := fmt.Sprintf("%s.%d", s.path, k)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		to := fmt.Sprintf("%s.%d", s.path, k+1)
		if err := os.Rename(from, to); err != nil {
			return err
		}
	}

	if err := os.Rename(s.path, s.path+".1"); err != nil {
		return err
	}

	oldest := fmt.Sprintf("%s.%d", s.path, MaxRotatedFiles+1)
	if _, err := os.Stat(oldest); err == nil {
		_ = os.Remove(oldest)
	}

	return s.reopen()
}

// Close flushes and closes the agent's stream and releases its lock.
func (m *Manager) Close(agentID int64) {
	m.mu.Lock()
	s, ok := m.streams[agentID]
	delete(m.streams, agentID)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.close()
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			slog.Debug("Failed to release log lock", "path", s.path, "error", err)
		}
		s.lock = nil
	}
}

// CloseAll closes every stream and releases all locks. Called on global
// shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	streams := make([]*stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[int64]*stream)
	m.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
}

// Path returns the log path registered for agentID.
func (m *Manager) Path(agentID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[agentID]
	if !ok {
		return "", false
	}
	return s.path, true
}
