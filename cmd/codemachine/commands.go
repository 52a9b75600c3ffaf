package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/codemachine-ai/codemachine/pkg/logstream"
	"github.com/codemachine-ai/codemachine/pkg/monitor"
	"github.com/codemachine-ai/codemachine/pkg/preset"
	"github.com/codemachine-ai/codemachine/pkg/runner"
	"github.com/codemachine-ai/codemachine/pkg/server"
	"github.com/codemachine-ai/codemachine/pkg/store"
	"github.com/codemachine-ai/codemachine/pkg/toolparser"
	"github.com/codemachine-ai/codemachine/pkg/workflow"
)

// RunCmd runs a single agent or a workflow file.
type RunCmd struct {
	Agent    string `help:"Agent id for a single-agent run." placeholder:"ID"`
	Prompt   string `short:"p" help:"Prompt for a single-agent run."`
	Workflow string `short:"w" help:"Path to a workflow JSON file." type:"path"`

	Engine   string `help:"Force one engine for every agent."`
	Model    string `help:"Override the model."`
	Preset   string `help:"Routing preset name."`
	Fallback *bool  `negatable:"" help:"Allow engine fallback (default true)."`
	Resume   int64  `help:"Resume the agent record with this monitoring id."`
	Timeout  int    `help:"Per-agent timeout in seconds."`
}

func (c *RunCmd) selection() *preset.SelectionContext {
	if c.Engine == "" && c.Preset == "" && c.Fallback == nil {
		return nil
	}
	return &preset.SelectionContext{
		GlobalEngine:    c.Engine,
		Preset:          c.Preset,
		FallbackEnabled: c.Fallback,
	}
}

func (c *RunCmd) Run(ctx context.Context, cli *CLI) error {
	app, cleanup, err := newApp(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.Workflow != "" {
		return c.runWorkflow(ctx, app)
	}
	if c.Agent == "" || c.Prompt == "" {
		return fmt.Errorf("either --workflow or both --agent and --prompt are required")
	}
	return c.runAgent(ctx, app)
}

func (c *RunCmd) runAgent(ctx context.Context, app *app) error {
	outcome, err := app.runner.ExecuteAgent(ctx, c.Agent, c.Prompt, runner.Options{
		WorkingDir:   app.ws.ProjectDir(),
		Model:        c.Model,
		Timeout:      time.Duration(c.Timeout) * time.Second,
		MonitoringID: c.Resume,
		Selection:    c.selection(),
		OnData:       func(chunk string) { fmt.Print(chunk) },
		OnErrorData:  func(chunk string) { fmt.Fprint(os.Stderr, chunk) },
		OnToolEvent: func(ev toolparser.Event) {
			if ev.DerivedAction != "" {
				fmt.Fprintf(os.Stderr, "· %s\n", ev.DerivedAction)
			}
		},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\nagent %d finished on %s\n", outcome.MonitoringID, outcome.EngineUsed)
	return nil
}

func (c *RunCmd) runWorkflow(ctx context.Context, app *app) error {
	data, err := os.ReadFile(c.Workflow)
	if err != nil {
		return fmt.Errorf("reading workflow %s: %w", c.Workflow, err)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return fmt.Errorf("parsing workflow %s: %w", c.Workflow, err)
	}

	app.pipeline.Subscribe(func(ev workflow.Event) {
		switch ev.Type {
		case workflow.EventStepStarted:
			fmt.Fprintf(os.Stderr, "▸ step %d: %s\n", ev.StepIndex+1, ev.AgentID)
		case workflow.EventStepCompleted:
			fmt.Fprintf(os.Stderr, "✓ step %d: %s\n", ev.StepIndex+1, ev.AgentID)
		case workflow.EventStepFailed:
			fmt.Fprintf(os.Stderr, "✗ step %d: %s: %s\n", ev.StepIndex+1, ev.AgentID, ev.Message)
		case workflow.EventToolUse, workflow.EventGoal:
			fmt.Fprintf(os.Stderr, "· %s\n", ev.Message)
		}
	})

	results, err := app.pipeline.Run(ctx, wf, workflow.RunOptions{
		WorkingDir: app.ws.ProjectDir(),
		Selection:  c.selection(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "workflow %q finished: %d steps\n", wf.Name, len(results))
	return nil
}

// StatusCmd prints agent records.
type StatusCmd struct {
	Tree bool `help:"Render the parent/child hierarchy."`
	JSON bool `help:"Emit JSON instead of a table."`
}

func (c *StatusCmd) Run(ctx context.Context, cli *CLI) error {
	app, cleanup, err := newApp(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.Tree {
		roots, err := app.monitor.BuildAgentTree(ctx)
		if err != nil {
			return err
		}
		if c.JSON {
			return json.NewEncoder(os.Stdout).Encode(roots)
		}
		for _, root := range roots {
			printTree(root, 0)
		}
		return nil
	}

	agents, err := app.monitor.GetAll(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(agents)
	}
	for _, a := range agents {
		printAgent(a, 0)
	}
	return nil
}

func printTree(node *monitor.TreeNode, depth int) {
	printAgent(node.Record, depth)
	for _, child := range node.Children {
		printTree(child, depth+1)
	}
}

func printAgent(a *store.AgentRecord, depth int) {
	duration := ""
	if a.DurationMS != nil {
		duration = (time.Duration(*a.DurationMS) * time.Millisecond).String()
	}
	fmt.Printf("%s#%d %-12s %-9s engine=%s model=%s %s\n",
		strings.Repeat("  ", depth), a.ID, a.Name, a.Status, a.EngineID, a.Model, duration)
}

// EnginesCmd lists the engine catalog.
type EnginesCmd struct {
	Probe bool `help:"Probe authentication for each engine."`
}

func (c *EnginesCmd) Run(ctx context.Context, cli *CLI) error {
	app, cleanup, err := newApp(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, meta := range app.registry.AllMetadata() {
		line := fmt.Sprintf("%-8s %-14s order=%d default=%s", meta.ID, meta.DisplayName, meta.Order, meta.DefaultModel)
		if !app.limits.IsEngineAvailable(meta.ID) {
			line += fmt.Sprintf("  rate-limited (%s)", app.limits.TimeUntilAvailable(meta.ID).Round(time.Second))
		}
		if c.Probe {
			module, err := app.registry.Get(ctx, meta.ID)
			if err != nil {
				line += "  unavailable"
			} else if ok, _ := app.auth.IsAuthenticated(ctx, meta.ID, module.Auth().IsAuthenticated); ok {
				line += "  authenticated"
			} else {
				line += "  not authenticated"
			}
		}
		fmt.Println(line)
	}
	return nil
}

// LogsCmd prints or follows one agent's log.
type LogsCmd struct {
	ID     int64 `arg:"" help:"Agent monitoring id."`
	Follow bool  `short:"f" help:"Keep polling for new output."`
}

func (c *LogsCmd) Run(ctx context.Context, cli *CLI) error {
	app, cleanup, err := newApp(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := app.monitor.GetAgent(ctx, c.ID)
	if err != nil {
		return err
	}
	if rec.LogPath == "" {
		return fmt.Errorf("agent %d has no log path", c.ID)
	}

	if c.Follow {
		return logstream.Follow(ctx, rec.LogPath, func(line string) {
			fmt.Println(line)
		})
	}

	chunk, _, err := logstream.ReadIncremental(rec.LogPath, 0)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(chunk)
	return err
}

// ServeCmd runs the local status server.
type ServeCmd struct {
	Port int `help:"Port to listen on." default:"8377"`
}

func (c *ServeCmd) Run(ctx context.Context, cli *CLI) error {
	app, cleanup, err := newApp(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := server.New(fmt.Sprintf("127.0.0.1:%d", c.Port), app.monitor, app.breakers, app.metrics)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
