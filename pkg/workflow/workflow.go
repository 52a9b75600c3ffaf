// Package workflow drives an ordered sequence of agent steps through the
// runner. It is intentionally thin: templating, branching, and interactive
// coordination live outside the core.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codemachine-ai/codemachine/pkg/engine"
	"github.com/codemachine-ai/codemachine/pkg/observability"
	"github.com/codemachine-ai/codemachine/pkg/preset"
	"github.com/codemachine-ai/codemachine/pkg/runner"
	"github.com/codemachine-ai/codemachine/pkg/toolparser"
)

// Step is one unit of work for the runner.
type Step struct {
	// AgentID names the agent persona ("coder", "reviewer", ...).
	AgentID string `json:"agentId"`

	// Prompt is the full prompt handed to the engine.
	Prompt string `json:"prompt"`

	// Engine optionally pins this step to one engine.
	Engine string `json:"engine,omitempty"`

	// Model optionally overrides the model for this step.
	Model string `json:"model,omitempty"`

	// DisplayPrompt replaces the prompt in log headers when set.
	DisplayPrompt string `json:"displayPrompt,omitempty"`
}

// Workflow is an ordered list of steps.
type Workflow struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// EventType identifies pipeline notifications.
type EventType string

const (
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventToolUse       EventType = "tool_use"
	EventGoal          EventType = "goal"
)

// Event is one pipeline notification for UI display.
type Event struct {
	Type      EventType
	StepIndex int
	AgentID   string
	Message   string
	Tool      *toolparser.Event
	Time      time.Time
}

// Listener observes pipeline events. Panics are swallowed.
type Listener func(Event)

// StepResult pairs a step with its runner outcome.
type StepResult struct {
	Step    Step
	Outcome *runner.Outcome
	Err     error
}

// Pipeline runs workflows sequentially.
type Pipeline struct {
	runner  *runner.Runner
	tracker *observability.Tracker

	mu        sync.Mutex
	listeners []Listener
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineTracker mints a correlation id per run and tags every step
// span with it.
func WithPipelineTracker(t *observability.Tracker) PipelineOption {
	return func(p *Pipeline) { p.tracker = t }
}

// NewPipeline creates a Pipeline over r.
func NewPipeline(r *runner.Runner, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{runner: r}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers a pipeline event listener.
func (p *Pipeline) Subscribe(l Listener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

func (p *Pipeline) emit(ev Event) {
	ev.Time = time.Now()
	p.mu.Lock()
	listeners := make([]Listener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Debug("Workflow listener panicked", "panic", r)
				}
			}()
			l(ev)
		}()
	}
}

// RunOptions carries workflow-level execution knobs.
type RunOptions struct {
	WorkingDir string

	// Selection carries CLI routing overrides applied to every step.
	Selection *preset.SelectionContext
}

// Run executes the workflow's steps in order. A failing step aborts the
// rest; completed steps keep their results. Cancellation stops between
// steps (and inside the running one through the context).
func (p *Pipeline) Run(ctx context.Context, wf Workflow, opts RunOptions) ([]StepResult, error) {
	correlationID := ""
	if p.tracker != nil {
		correlationID = observability.NewCorrelationID()
	}
	slog.Info("Starting workflow", "workflow", wf.Name, "steps", len(wf.Steps))

	results := make([]StepResult, 0, len(wf.Steps))
	for i, step := range wf.Steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		p.emit(Event{Type: EventStepStarted, StepIndex: i, AgentID: step.AgentID})
		outcome, err := p.runner.ExecuteAgent(ctx, step.AgentID, step.Prompt, runner.Options{
			WorkingDir:    opts.WorkingDir,
			Engine:        step.Engine,
			Model:         step.Model,
			DisplayPrompt: step.DisplayPrompt,
			Selection:     opts.Selection,
			CorrelationID: correlationID,
			OnToolEvent: func(ev toolparser.Event) {
				p.emit(Event{Type: EventToolUse, StepIndex: i, AgentID: step.AgentID, Message: ev.DerivedAction, Tool: &ev})
			},
			OnGoal: func(goal string) {
				p.emit(Event{Type: EventGoal, StepIndex: i, AgentID: step.AgentID, Message: goal})
			},
		})

		results = append(results, StepResult{Step: step, Outcome: outcome, Err: err})
		if err != nil {
			p.emit(Event{Type: EventStepFailed, StepIndex: i, AgentID: step.AgentID, Message: err.Error()})
			if errors.Is(err, context.Canceled) || engine.IsKind(err, engine.KindCancelled) {
				return results, err
			}
			return results, fmt.Errorf("step %d (%s): %w", i, step.AgentID, err)
		}
		p.emit(Event{Type: EventStepCompleted, StepIndex: i, AgentID: step.AgentID})
	}

	slog.Info("Workflow finished", "workflow", wf.Name, "steps", len(results))
	return results, nil
}
