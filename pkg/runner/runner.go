// Package runner is the top-level agent execution entry point. It resolves
// an engine for the step, registers the monitoring record, drives the
// adapter through the fallback executor, and fans the output stream out to
// the log stream, the tool parser, and the caller's callbacks.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/codemachine-ai/codemachine/pkg/config"
	"github.com/codemachine-ai/codemachine/pkg/engine"
	"github.com/codemachine-ai/codemachine/pkg/fallback"
	"github.com/codemachine-ai/codemachine/pkg/logstream"
	"github.com/codemachine-ai/codemachine/pkg/monitor"
	"github.com/codemachine-ai/codemachine/pkg/observability"
	"github.com/codemachine-ai/codemachine/pkg/preset"
	"github.com/codemachine-ai/codemachine/pkg/selector"
	"github.com/codemachine-ai/codemachine/pkg/store"
	"github.com/codemachine-ai/codemachine/pkg/toolparser"
	"github.com/codemachine-ai/codemachine/pkg/workspace"
)

// memoryTailLimit is how many trailing output characters are kept in the
// per-agent memory file.
const memoryTailLimit = 2000

// Options carries the per-invocation knobs for ExecuteAgent.
type Options struct {
	WorkingDir string

	// Engine is the step's explicit engine override.
	Engine string

	// Model is the CLI-level model override; it beats every other source.
	Model string

	// Timeout bounds the subprocess. Zero inherits the config default.
	Timeout time.Duration

	// ParentID links the record into the agent hierarchy.
	ParentID *int64

	// DisplayPrompt replaces the full prompt in the log header.
	DisplayPrompt string

	// MonitoringID resumes an existing record instead of registering one.
	MonitoringID int64

	// SessionID resumes the provider conversation; when empty and
	// MonitoringID is set, the stored session id is used.
	SessionID string

	// Selection carries CLI routing overrides for the engine selector.
	Selection *preset.SelectionContext

	// CorrelationID groups this execution's span with its workflow; empty
	// disables span tracking for the run.
	CorrelationID string
	ParentSpanID  string

	OnData      func(chunk string)
	OnErrorData func(chunk string)
	OnTelemetry func(frame engine.TelemetryFrame)

	// OnToolEvent receives each extracted tool-use event (UI context).
	OnToolEvent func(ev toolparser.Event)

	// OnGoal is called at most once with the extracted prompt goal.
	OnGoal func(goal string)
}

// Outcome is the result of one agent execution.
type Outcome struct {
	Output       string
	MonitoringID int64
	EngineUsed   string
	Model        string
	FellBack     bool
	SessionID    string

	// ChainedPrompts holds follow-up prompts loaded after completion,
	// when a chain loader is configured.
	ChainedPrompts []string
}

// ChainLoader loads follow-up prompts for an agent after it completes.
type ChainLoader func(agentID string) []string

// Runner wires the execution pipeline together.
type Runner struct {
	selector *selector.Selector
	executor *fallback.Executor
	registry *engine.Registry
	monitor  *monitor.Monitor
	logs     *logstream.Manager
	ws       *workspace.Workspace
	tracker  *observability.Tracker
	chains   ChainLoader

	mu  sync.RWMutex
	cfg *config.Config
}

// Option configures a Runner.
type Option func(*Runner)

// WithTracker enables span tracking.
func WithTracker(t *observability.Tracker) Option {
	return func(r *Runner) { r.tracker = t }
}

// WithChainLoader installs the chained-prompts loader.
func WithChainLoader(loader ChainLoader) Option {
	return func(r *Runner) { r.chains = loader }
}

// New creates a Runner. cfg may be nil; defaults are used until SetConfig.
func New(sel *selector.Selector, exec *fallback.Executor, reg *engine.Registry, mon *monitor.Monitor, logs *logstream.Manager, ws *workspace.Workspace, cfg *config.Config, opts ...Option) *Runner {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Runner{
		selector: sel,
		executor: exec,
		registry: reg,
		monitor:  mon,
		logs:     logs,
		ws:       ws,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetConfig swaps the active configuration (config-file watcher hook).
func (r *Runner) SetConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Runner) config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// ExecuteAgent runs one agent to completion.
func (r *Runner) ExecuteAgent(ctx context.Context, agentID, prompt string, opts Options) (*Outcome, error) {
	cfg := r.config()
	agentCfg := cfg.Agents[agentID]

	sessionID, err := r.resolveSession(ctx, opts)
	if err != nil {
		return nil, err
	}

	sel, err := r.selector.SelectEngine(ctx, selector.Request{
		AgentID:    agentID,
		StepEngine: firstNonEmpty(opts.Engine, agentCfg.Engine),
		Context:    opts.Selection,
		Config:     &cfg.ConfigFile,
	})
	if err != nil {
		return nil, err
	}
	model := r.resolveModel(opts.Model, sel, agentCfg)

	monitoringID, err := r.openRecord(ctx, agentID, prompt, sel.EngineID, model, opts)
	if err != nil {
		return nil, err
	}

	var span *observability.AgentSpan
	if r.tracker != nil && opts.CorrelationID != "" {
		ctx, span = r.tracker.StartSpan(ctx, opts.CorrelationID, opts.ParentSpanID, agentID, map[string]string{
			"engine": sel.EngineID,
			"model":  model,
		})
	}

	outcome, runErr := r.run(ctx, runParams{
		agentID:      agentID,
		prompt:       prompt,
		engineID:     sel.EngineID,
		model:        model,
		sessionID:    sessionID,
		monitoringID: monitoringID,
		opts:         opts,
		cfg:          cfg,
	})

	if r.tracker != nil {
		r.tracker.EndSpan(span, runErr)
	}
	return outcome, runErr
}

type runParams struct {
	agentID      string
	prompt       string
	engineID     string
	model        string
	sessionID    string
	monitoringID int64
	opts         Options
	cfg          *config.Config
}

func (r *Runner) run(ctx context.Context, p runParams) (*Outcome, error) {
	pipe := newOutputPipe(r, p)

	timeout := p.opts.Timeout
	if timeout == 0 && p.cfg.AgentTimeoutSeconds > 0 {
		timeout = time.Duration(p.cfg.AgentTimeoutSeconds) * time.Second
	}
	if timeout == 0 {
		agentTimeout := p.cfg.Agents[p.agentID].TimeoutSeconds
		if agentTimeout > 0 {
			timeout = time.Duration(agentTimeout) * time.Second
		}
	}

	runOpts := engine.RunOptions{
		Prompt:      p.prompt,
		WorkingDir:  p.opts.WorkingDir,
		Model:       p.model,
		SessionID:   p.sessionID,
		Timeout:     timeout,
		OnData:      pipe.onData,
		OnErrorData: pipe.onErrorData,
		OnTelemetry: pipe.onTelemetry,
		OnSessionID: pipe.onSessionID,
	}

	result, err := r.executor.RunWithFallback(ctx, p.engineID, r.chain(p.cfg), runOpts, p.cfg.MaxAttempts)
	if err != nil {
		return nil, r.finishError(ctx, p.monitoringID, err)
	}

	if result.AllEnginesExhausted {
		msg := "all engines rate-limited"
		if result.SoonestResetEngine != "" {
			msg = fmt.Sprintf("all engines rate-limited; %s resets at %s",
				result.SoonestResetEngine, result.SoonestResetAt.Format(time.RFC3339))
		}
		if ferr := r.monitor.Fail(ctx, p.monitoringID, msg); ferr != nil {
			slog.Warn("Failed to mark agent failed", "agent", p.monitoringID, "error", ferr)
		}
		return nil, engine.NewError(engine.KindRateLimited, result.SoonestResetEngine, msg)
	}

	output := pipe.output()
	r.writeMemoryTail(p.agentID, p.monitoringID, output)

	if err := r.monitor.Complete(ctx, p.monitoringID, pipe.finalTelemetry(p.monitoringID)); err != nil {
		slog.Warn("Failed to complete agent record", "agent", p.monitoringID, "error", err)
	}

	outcome := &Outcome{
		Output:       output,
		MonitoringID: p.monitoringID,
		EngineUsed:   result.EngineUsed,
		Model:        p.model,
		FellBack:     result.FellBack,
		SessionID:    firstNonEmpty(pipe.sessionID(), result.SessionID),
	}
	if r.chains != nil {
		outcome.ChainedPrompts = r.chains(p.agentID)
	}
	return outcome, nil
}

// finishError finalizes the monitoring record for a failed or cancelled
// run and returns the error to propagate. Cancellation leaves the record
// paused so it can be resumed; everything else fails it.
func (r *Runner) finishError(ctx context.Context, monitoringID int64, runErr error) error {
	// The run context may already be dead; record finalization gets its
	// own short deadline.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if errors.Is(runErr, context.Canceled) || engine.IsKind(runErr, engine.KindCancelled) {
		if err := r.monitor.MarkPaused(storeCtx, monitoringID); err != nil {
			slog.Warn("Failed to pause agent record", "agent", monitoringID, "error", err)
		}
		return runErr
	}

	if err := r.monitor.Fail(storeCtx, monitoringID, runErr.Error()); err != nil {
		slog.Warn("Failed to mark agent failed", "agent", monitoringID, "error", err)
	}
	return runErr
}

// resolveSession applies the resume hints: an explicit session id wins,
// else the stored one from the monitoring record.
func (r *Runner) resolveSession(ctx context.Context, opts Options) (string, error) {
	if opts.SessionID != "" {
		return opts.SessionID, nil
	}
	if opts.MonitoringID == 0 {
		return "", nil
	}
	rec, err := r.monitor.GetAgent(ctx, opts.MonitoringID)
	if err != nil {
		return "", fmt.Errorf("looking up resume record %d: %w", opts.MonitoringID, err)
	}
	if rec.SessionID != nil {
		return *rec.SessionID, nil
	}
	return "", nil
}

// resolveModel applies the model precedence: CLI override, preset tier
// model, per-agent config, engine default.
func (r *Runner) resolveModel(cliOverride string, sel selector.Selection, agentCfg config.AgentConfig) string {
	if cliOverride != "" {
		return cliOverride
	}
	if sel.Model != "" {
		return sel.Model
	}
	if agentCfg.Model != "" {
		return agentCfg.Model
	}
	if meta, ok := r.registry.Metadata(sel.EngineID); ok {
		return meta.DefaultModel
	}
	return ""
}

// openRecord resumes or registers the monitoring record and registers the
// log stream for it.
func (r *Runner) openRecord(ctx context.Context, agentID, prompt, engineID, model string, opts Options) (int64, error) {
	if opts.MonitoringID != 0 {
		rec, err := r.monitor.GetAgent(ctx, opts.MonitoringID)
		if err != nil {
			return 0, err
		}
		if err := r.monitor.MarkRunning(ctx, opts.MonitoringID); err != nil {
			return 0, err
		}
		// A resume in a fresh process has no stream yet; re-registering
		// the same path in the same process is a no-op.
		r.logs.Register(opts.MonitoringID, rec.LogPath, logstream.Header{
			AgentID:       opts.MonitoringID,
			Name:          rec.Name,
			EngineID:      engineID,
			Model:         model,
			CorrelationID: opts.CorrelationID,
			Prompt:        firstNonEmpty(opts.DisplayPrompt, prompt),
			StartTime:     rec.StartTime,
		})
		return opts.MonitoringID, nil
	}

	id, err := r.monitor.Register(ctx, monitor.RegisterInput{
		Name:     agentID,
		Prompt:   store.TruncatePrompt(prompt),
		EngineID: engineID,
		Model:    model,
		ParentID: opts.ParentID,
	}, "")
	if err != nil {
		return 0, err
	}

	rec, err := r.monitor.GetAgent(ctx, id)
	if err != nil {
		return 0, err
	}
	headerPrompt := firstNonEmpty(opts.DisplayPrompt, prompt)
	r.logs.Register(id, rec.LogPath, logstream.Header{
		AgentID:       id,
		Name:          agentID,
		EngineID:      engineID,
		Model:         model,
		CorrelationID: opts.CorrelationID,
		Prompt:        headerPrompt,
		StartTime:     rec.StartTime,
	})
	return id, nil
}

// chain returns the fallback chain: the configured one, or the registry's
// preference order.
func (r *Runner) chain(cfg *config.Config) []string {
	if len(cfg.FallbackChain) > 0 {
		return cfg.FallbackChain
	}
	return r.registry.IDs()
}

// writeMemoryTail stores the last memoryTailLimit characters of output in
// the agent's memory file. Failures degrade to a log line.
func (r *Runner) writeMemoryTail(agentID string, monitoringID int64, output string) {
	if output == "" {
		return
	}
	tail := output
	if runes := []rune(tail); len(runes) > memoryTailLimit {
		tail = string(runes[len(runes)-memoryTailLimit:])
	}

	dir := r.ws.MemoryDir()
	if err := r.ws.EnsureDir(dir); err != nil {
		slog.Warn("Failed to create memory directory", "dir", dir, "error", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.md", agentID, monitoringID))
	if err := r.ws.CheckPath(path); err != nil {
		slog.Warn("Refusing memory write outside workspace", "path", path, "error", err)
		return
	}
	if err := os.WriteFile(path, []byte(tail), 0o644); err != nil {
		slog.Warn("Failed to write memory tail", "path", path, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ansiPattern matches terminal color markers in provider output.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// outputPipe fans one run's stream callbacks out to the buffer, the tool
// parser, the log stream, and the caller. Provider adapters invoke the
// callbacks sequentially, so no locking is needed for the cursor; the
// telemetry snapshot is guarded because it is read after the run.
type outputPipe struct {
	runner *Runner
	params runParams

	buf              strings.Builder
	goalSent         bool
	lastParsedOffset int

	mu        sync.Mutex
	lastFrame *engine.TelemetryFrame
	session   string
}

func newOutputPipe(r *Runner, p runParams) *outputPipe {
	return &outputPipe{runner: r, params: p}
}

func (o *outputPipe) onData(chunk string) {
	o.buf.WriteString(chunk)

	if !o.goalSent && strings.TrimSpace(o.buf.String()) != "" {
		o.goalSent = true
		if o.params.opts.OnGoal != nil {
			if goal := toolparser.ExtractGoal(o.params.prompt); goal != "" {
				o.params.opts.OnGoal(goal)
			}
		}
	}

	o.parseTail()

	rendered := ansiPattern.ReplaceAllString(chunk, "")
	o.runner.logs.Write(o.params.monitoringID, rendered)
	if o.params.opts.OnData != nil {
		o.params.opts.OnData(chunk)
	}
}

// parseTail scans the unparsed window for tool calls, advancing the cursor
// past each accepted one.
func (o *outputPipe) parseTail() {
	if o.params.opts.OnToolEvent == nil {
		return
	}
	for {
		window := o.buf.String()[o.lastParsedOffset:]
		ev, end := toolparser.ParseToolUse(window)
		if ev == nil {
			return
		}
		o.lastParsedOffset += end
		o.params.opts.OnToolEvent(*ev)
	}
}

func (o *outputPipe) onErrorData(chunk string) {
	o.runner.logs.Write(o.params.monitoringID, ansiPattern.ReplaceAllString(chunk, ""))
	if o.params.opts.OnErrorData != nil {
		o.params.opts.OnErrorData(chunk)
	}
}

func (o *outputPipe) onTelemetry(frame engine.TelemetryFrame) {
	o.mu.Lock()
	f := frame
	o.lastFrame = &f
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := o.runner.monitor.UpdateTelemetry(ctx, o.params.monitoringID, telemetryRow(o.params.monitoringID, frame)); err != nil {
		slog.Warn("Failed to upsert telemetry", "agent", o.params.monitoringID, "error", err)
	}
	cancel()

	if o.params.opts.OnTelemetry != nil {
		o.params.opts.OnTelemetry(frame)
	}
}

func (o *outputPipe) onSessionID(id string) {
	o.mu.Lock()
	o.session = id
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := o.runner.monitor.SetSessionID(ctx, o.params.monitoringID, id); err != nil {
		slog.Warn("Failed to store session id", "agent", o.params.monitoringID, "error", err)
	}
	cancel()
}

func (o *outputPipe) output() string { return o.buf.String() }

func (o *outputPipe) sessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// finalTelemetry returns the last observed frame as a store row, or nil.
func (o *outputPipe) finalTelemetry(agentID int64) *store.Telemetry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastFrame == nil {
		return nil
	}
	row := telemetryRow(agentID, *o.lastFrame)
	return &row
}

func telemetryRow(agentID int64, frame engine.TelemetryFrame) store.Telemetry {
	return store.Telemetry{
		AgentID:             agentID,
		TokensIn:            frame.TokensIn,
		TokensOut:           frame.TokensOut,
		CachedTokens:        frame.CachedTokens,
		CacheCreationTokens: frame.CacheCreationTokens,
		CacheReadTokens:     frame.CacheReadTokens,
		Cost:                frame.Cost,
	}
}
