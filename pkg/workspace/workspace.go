// Package workspace resolves the on-disk layout of a codemachine workspace.
//
// All durable state lives under a single directory (conventionally
// ".codemachine") inside the project being worked on:
//
//	.codemachine/
//	    logs/             per-agent log files
//	    memory/           per-agent rolling output tails
//	    summaries/        step summaries (external renderer)
//	    rate-limits.json  durable engine cooldowns
//	    engine-config.json
//	    registry.db       agent monitoring records
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirName is the conventional workspace directory name.
const DirName = ".codemachine"

// Workspace is a handle to a project's codemachine state directory.
type Workspace struct {
	projectDir string
	root       string
}

// New creates a Workspace rooted at projectDir. The state directory itself
// is created lazily by the components that write into it.
func New(projectDir string) (*Workspace, error) {
	if projectDir == "" {
		return nil, fmt.Errorf("project directory is required")
	}
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}
	return &Workspace{
		projectDir: abs,
		root:       filepath.Join(abs, DirName),
	}, nil
}

// ProjectDir returns the absolute project directory.
func (w *Workspace) ProjectDir() string { return w.projectDir }

// Root returns the absolute workspace state directory.
func (w *Workspace) Root() string { return w.root }

// LogsDir returns the per-agent log directory.
func (w *Workspace) LogsDir() string { return filepath.Join(w.root, "logs") }

// MemoryDir returns the per-agent memory directory.
func (w *Workspace) MemoryDir() string { return filepath.Join(w.root, "memory") }

// SummariesDir returns the step summary directory.
func (w *Workspace) SummariesDir() string { return filepath.Join(w.root, "summaries") }

// RateLimitFile returns the durable rate-limit state file path.
func (w *Workspace) RateLimitFile() string { return filepath.Join(w.root, "rate-limits.json") }

// EngineConfigFile returns the optional engine configuration file path.
func (w *Workspace) EngineConfigFile() string { return filepath.Join(w.root, "engine-config.json") }

// RegistryDB returns the monitoring database path.
func (w *Workspace) RegistryDB() string { return filepath.Join(w.root, "registry.db") }

// EnsureDir creates dir (which must be inside the workspace) if needed.
func (w *Workspace) EnsureDir(dir string) error {
	if err := w.CheckPath(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// CheckPath rejects paths that escape the project directory. Every
// file-system write performed by the core goes through this guard.
func (w *Workspace) CheckPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path %q: %w", path, err)
	}
	rel, err := filepath.Rel(w.projectDir, abs)
	if err != nil {
		return fmt.Errorf("path %q is outside the workspace", path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the workspace root %q", path, w.projectDir)
	}
	return nil
}
