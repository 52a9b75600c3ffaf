// Package adapters provides the built-in engine modules. Each built-in
// provider is an external coding CLI driven as a subprocess: the adapter
// builds an argv, spawns the binary in its own process group, streams
// stdout/stderr to the caller, and folds provider stream-JSON frames into
// telemetry and session ids.
package adapters

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"golang.org/x/sync/errgroup"

	"github.com/codemachine-ai/codemachine/pkg/engine"
	"github.com/codemachine-ai/codemachine/pkg/procutil"
	"github.com/codemachine-ai/codemachine/pkg/ratelimit"
)

const (
	// maxCapturedBytes bounds the stdout/stderr copies retained on the
	// result. Streaming callbacks still see everything.
	maxCapturedBytes = 1 << 20

	// scanBufferSize accommodates large single-line stream-JSON frames.
	scanBufferSize = 1 << 20
)

// LineParser folds one provider stdout line into the stream state.
// Implementations must tolerate lines that are not valid frames.
type LineParser func(line string, st *StreamState)

// Config describes one CLI provider.
type Config struct {
	Descriptor engine.Descriptor

	// Binary is the executable resolved on PATH at load time.
	Binary string

	// Args builds the argv (excluding the binary) for one invocation.
	Args func(opts engine.RunOptions) []string

	// ParseLine extracts telemetry, session ids and rate-limit signals
	// from provider stdout. Nil for plain-text providers.
	ParseLine LineParser

	// ProbeArgs invoke a cheap logged-in check; exit 0 means
	// authenticated. Empty means binary presence is the whole probe.
	ProbeArgs []string

	// LoginArgs run the provider's interactive login flow.
	LoginArgs []string

	// Env is extra environment appended after the sanitized parent env.
	Env []string
}

// Validate checks the config before a module is built from it.
func (c *Config) Validate() error {
	if c.Descriptor.ID == "" {
		return fmt.Errorf("adapter config missing engine id")
	}
	if c.Binary == "" {
		return fmt.Errorf("adapter config for %q missing binary", c.Descriptor.ID)
	}
	if c.Args == nil {
		return fmt.Errorf("adapter config for %q missing args builder", c.Descriptor.ID)
	}
	return nil
}

// Module runs one CLI provider. It implements engine.Module.
type Module struct {
	cfg      Config
	path     string
	children *procutil.Registry
	creds    CredentialStore
}

// Option configures a Module.
type Option func(*Module)

// WithProcessRegistry overrides the child-process registry (tests).
func WithProcessRegistry(r *procutil.Registry) Option {
	return func(m *Module) { m.children = r }
}

// WithCredentialStore injects the credential removal policy used by
// ClearAuth. Without one, ClearAuth is a no-op.
func WithCredentialStore(cs CredentialStore) Option {
	return func(m *Module) { m.creds = cs }
}

// New builds a module from cfg, resolving the provider binary on PATH.
func New(cfg Config, opts ...Option) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engine.WrapError(engine.KindInvalidModule, cfg.Descriptor.ID, err)
	}
	path, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return nil, engine.WrapError(engine.KindInvalidModule, cfg.Descriptor.ID,
			fmt.Errorf("provider binary %q not found: %w", cfg.Binary, err))
	}

	m := &Module{cfg: cfg, path: path, children: procutil.Global()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Metadata returns the provider descriptor.
func (m *Module) Metadata() engine.Descriptor { return m.cfg.Descriptor }

// Auth returns the CLI-probe based auth capability.
func (m *Module) Auth() engine.Auth {
	return &cliAuth{
		engineID:  m.cfg.Descriptor.ID,
		path:      m.path,
		probeArgs: m.cfg.ProbeArgs,
		loginArgs: m.cfg.LoginArgs,
		env:       m.cfg.Env,
		creds:     m.creds,
	}
}

// Run invokes the provider CLI once. The subprocess leads its own process
// group; cancellation or timeout terminates the whole group.
func (m *Module) Run(ctx context.Context, opts engine.RunOptions) (*engine.RunResult, error) {
	id := m.cfg.Descriptor.ID

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.Command(m.path, m.cfg.Args(opts)...)
	cmd.Dir = opts.WorkingDir
	env := opts.Env
	if env == nil {
		env = procutil.ChildEnv()
	} else {
		env = procutil.SanitizeEnv(env)
	}
	cmd.Env = append(env, m.cfg.Env...)
	procutil.SetProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, engine.WrapError(engine.KindExecutionFailed, id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, engine.WrapError(engine.KindExecutionFailed, id, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, engine.WrapError(engine.KindExecutionFailed, id, err)
	}
	m.children.Register(cmd)
	defer m.children.Unregister(cmd)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.children.Terminate(cmd)
		case <-done:
		}
	}()

	st := newStreamState(opts)
	var outBuf, errBuf cappedBuffer

	var g errgroup.Group
	g.Go(func() error {
		return drainLines(stdout, &outBuf, opts.OnData, func(line string) {
			if m.cfg.ParseLine != nil {
				m.cfg.ParseLine(line, st)
			}
		})
	})
	g.Go(func() error {
		return drainLines(stderr, &errBuf, opts.OnErrorData, nil)
	})
	readErr := g.Wait()
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, engine.WrapError(engine.KindCancelled, id, ctxErr)
	}
	if readErr != nil {
		return nil, engine.WrapError(engine.KindExecutionFailed, id,
			fmt.Errorf("reading provider output: %w", readErr))
	}

	result := &engine.RunResult{
		Stdout:    outBuf.String(),
		Stderr:    errBuf.String(),
		SessionID: st.SessionID(),
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, engine.WrapError(engine.KindExecutionFailed, id, waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	m.classify(result, st)
	if result.ExitCode != 0 && !result.IsRateLimitError {
		return result, engine.NewError(engine.KindExecutionFailed, id,
			fmt.Sprintf("provider exited with code %d", result.ExitCode))
	}
	return result, nil
}

// classify marks rate-limit outcomes on the result, from parsed frames
// first and the output text as a fallback for failed runs.
func (m *Module) classify(result *engine.RunResult, st *StreamState) {
	if limited, resetsAt, retryAfter := st.RateLimit(); limited {
		result.IsRateLimitError = true
		result.RateLimitResetsAt = resetsAt
		result.RetryAfterSeconds = retryAfter
		return
	}
	if result.ExitCode == 0 {
		return
	}
	combined := result.Stderr + result.Stdout
	if ratelimit.IsRateLimitText(combined) {
		result.IsRateLimitError = true
		if retryAfter, ok := ratelimit.ExtractRetryAfter(combined); ok {
			result.RetryAfterSeconds = retryAfter
		}
	}
}

// drainLines pumps one pipe line by line: the capped buffer keeps a copy,
// onChunk streams it out, and parse inspects the bare line.
func drainLines(r io.Reader, buf *cappedBuffer, onChunk func(string), parse func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteLine(line)
		if onChunk != nil {
			onChunk(line + "\n")
		}
		if parse != nil {
			parse(line)
		}
	}
	return scanner.Err()
}

// cappedBuffer retains at most maxCapturedBytes, dropping the tail once
// full. Not safe for concurrent use; each stream gets its own.
type cappedBuffer struct {
	buf       []byte
	truncated bool
}

func (b *cappedBuffer) WriteLine(line string) {
	if b.truncated {
		return
	}
	if len(b.buf)+len(line)+1 > maxCapturedBytes {
		b.truncated = true
		b.buf = append(b.buf, "[output truncated]\n"...)
		return
	}
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
}

func (b *cappedBuffer) String() string { return string(b.buf) }
