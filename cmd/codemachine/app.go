package main

import (
	"fmt"
	"log/slog"

	"github.com/codemachine-ai/codemachine/pkg/circuitbreaker"
	"github.com/codemachine-ai/codemachine/pkg/config"
	"github.com/codemachine-ai/codemachine/pkg/engine"
	"github.com/codemachine-ai/codemachine/pkg/engine/adapters"
	"github.com/codemachine-ai/codemachine/pkg/engine/authcache"
	"github.com/codemachine-ai/codemachine/pkg/fallback"
	"github.com/codemachine-ai/codemachine/pkg/logstream"
	"github.com/codemachine-ai/codemachine/pkg/monitor"
	"github.com/codemachine-ai/codemachine/pkg/observability"
	"github.com/codemachine-ai/codemachine/pkg/preset"
	"github.com/codemachine-ai/codemachine/pkg/ratelimit"
	"github.com/codemachine-ai/codemachine/pkg/runner"
	"github.com/codemachine-ai/codemachine/pkg/selector"
	"github.com/codemachine-ai/codemachine/pkg/server"
	"github.com/codemachine-ai/codemachine/pkg/store"
	"github.com/codemachine-ai/codemachine/pkg/workflow"
	"github.com/codemachine-ai/codemachine/pkg/workspace"
)

// app holds the wired component graph for one invocation.
type app struct {
	ws       *workspace.Workspace
	cfg      *config.Config
	store    *store.Store
	monitor  *monitor.Monitor
	logs     *logstream.Manager
	registry *engine.Registry
	auth     *authcache.Cache
	limits   *ratelimit.Manager
	breakers *circuitbreaker.Manager
	metrics  *server.Metrics
	executor *fallback.Executor
	selector *selector.Selector
	tracker  *observability.Tracker
	runner   *runner.Runner
	pipeline *workflow.Pipeline
}

// newApp builds the component graph rooted at the project directory.
func newApp(cli *CLI) (*app, func(), error) {
	ws, err := workspace.New(cli.Dir)
	if err != nil {
		return nil, nil, err
	}
	config.LoadDotenv(ws.ProjectDir())

	cfg, err := config.Load(ws.EngineConfigFile())
	if err != nil {
		return nil, nil, err
	}

	if err := ws.EnsureDir(ws.Root()); err != nil {
		return nil, nil, fmt.Errorf("creating workspace directory: %w", err)
	}

	st, err := store.Open(ws.RegistryDB())
	if err != nil {
		return nil, nil, err
	}

	mon := monitor.New(st, ws.LogsDir())
	monitor.SetDefault(mon)

	limits := ratelimit.NewManager(ws.RateLimitFile())
	if err := limits.Initialize(); err != nil {
		slog.Warn("Rate-limit state not recovered, starting fresh", "error", err)
	}

	reg := engine.NewRegistry()
	adapters.RegisterBuiltins(reg)

	auth := authcache.New()
	breakers := circuitbreaker.NewManager()
	metrics := server.NewMetrics()
	breakers.Subscribe(metrics.BreakerListener())

	exec := fallback.NewExecutor(reg, auth, limits, breakers)
	sel := selector.New(reg, auth, preset.NewResolver(), limits)
	tracker := observability.NewTracker()
	logs := logstream.NewManager()

	run := runner.New(sel, exec, reg, mon, logs, ws, cfg, runner.WithTracker(tracker))
	pipe := workflow.NewPipeline(run, workflow.WithPipelineTracker(tracker))

	a := &app{
		ws:       ws,
		cfg:      cfg,
		store:    st,
		monitor:  mon,
		logs:     logs,
		registry: reg,
		auth:     auth,
		limits:   limits,
		breakers: breakers,
		metrics:  metrics,
		executor: exec,
		selector: sel,
		tracker:  tracker,
		runner:   run,
		pipeline: pipe,
	}
	cleanup := func() {
		logs.CloseAll()
		if err := st.Close(); err != nil {
			slog.Debug("Closing store failed", "error", err)
		}
	}
	return a, cleanup, nil
}
