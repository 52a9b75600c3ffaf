// Package procutil tracks spawned provider subprocesses and sanitizes the
// environment handed to them.
//
// Every adapter child is registered process-wide so a global shutdown can
// terminate the whole tree: each child's process group receives a terminate
// signal, then a kill after a short grace period.
package procutil

import (
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// KillGracePeriod is how long a child gets between terminate and kill.
const KillGracePeriod = 100 * time.Millisecond

// Registry tracks live child processes.
type Registry struct {
	mu       sync.Mutex
	children map[int]*exec.Cmd
}

// NewRegistry creates an empty child registry.
func NewRegistry() *Registry {
	return &Registry{children: make(map[int]*exec.Cmd)}
}

var global = NewRegistry()

// Global returns the process-wide registry used by the adapters.
func Global() *Registry { return global }

// Register tracks a started command. No-op when the command has no
// underlying process yet.
func (r *Registry) Register(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	r.mu.Lock()
	r.children[cmd.Process.Pid] = cmd
	r.mu.Unlock()
}

// Unregister forgets a finished command.
func (r *Registry) Unregister(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	r.mu.Lock()
	delete(r.children, cmd.Process.Pid)
	r.mu.Unlock()
}

// Terminate stops one child: terminate the process group, then kill what
// is left after the grace period.
func (r *Registry) Terminate(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	terminateGroup(pid)
	time.AfterFunc(KillGracePeriod, func() {
		killGroup(pid)
	})
}

// ShutdownAll terminates every tracked child and waits out the grace
// period before killing stragglers. Called on global shutdown.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(r.children))
	for _, cmd := range r.children {
		cmds = append(cmds, cmd)
	}
	r.children = make(map[int]*exec.Cmd)
	r.mu.Unlock()

	if len(cmds) == 0 {
		return
	}
	slog.Info("Shutting down child processes", "count", len(cmds))

	for _, cmd := range cmds {
		if cmd.Process != nil {
			terminateGroup(cmd.Process.Pid)
		}
	}
	time.Sleep(KillGracePeriod)
	for _, cmd := range cmds {
		if cmd.Process != nil {
			killGroup(cmd.Process.Pid)
		}
	}
}

// Count returns the number of tracked children.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

// findProcess is a helper for signal fallbacks.
func findProcess(pid int) *os.Process {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p
}
