// Package observability tracks agent execution as a span tree keyed by a
// per-workflow correlation id. Spans bridge into OpenTelemetry so an
// exporter can be attached by the embedding process; without one the
// global tracer is a no-op and the in-memory tree is the whole story.
package observability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/codemachine-ai/codemachine"

// SpanStatus is the terminal disposition of a span.
type SpanStatus string

const (
	SpanRunning   SpanStatus = "running"
	SpanCompleted SpanStatus = "completed"
	SpanFailed    SpanStatus = "failed"
)

// AgentSpan is one node in the execution tree.
type AgentSpan struct {
	CorrelationID string            `json:"correlationId"`
	SpanID        string            `json:"spanId"`
	ParentSpanID  string            `json:"parentSpanId,omitempty"`
	Name          string            `json:"name"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       time.Time         `json:"endTime,omitempty"`
	Status        SpanStatus        `json:"status"`
	Attributes    map[string]string `json:"attributes,omitempty"`

	otelSpan trace.Span
}

// Tracker owns the span trees for all live correlations.
type Tracker struct {
	tracer trace.Tracer
	now    func() time.Time

	mu    sync.Mutex
	spans map[string][]*AgentSpan // correlationId -> spans in start order
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock injects a clock for tests.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker bound to the global otel tracer provider.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		spans:  make(map[string][]*AgentSpan),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewCorrelationID mints a fresh correlation id for one workflow run.
func NewCorrelationID() string { return uuid.NewString() }

// StartSpan opens a span under correlationID. parentSpanID may be empty
// for roots. The returned context carries the otel span for downstream
// instrumentation.
func (t *Tracker) StartSpan(ctx context.Context, correlationID, parentSpanID, name string, attrs map[string]string) (context.Context, *AgentSpan) {
	ctx, otelSpan := t.tracer.Start(ctx, name)

	span := &AgentSpan{
		CorrelationID: correlationID,
		SpanID:        uuid.NewString(),
		ParentSpanID:  parentSpanID,
		Name:          name,
		StartTime:     t.now(),
		Status:        SpanRunning,
		Attributes:    attrs,
		otelSpan:      otelSpan,
	}
	for k, v := range attrs {
		otelSpan.SetAttributes(attribute.String(k, v))
	}
	otelSpan.SetAttributes(attribute.String("correlation_id", correlationID))

	t.mu.Lock()
	t.spans[correlationID] = append(t.spans[correlationID], span)
	t.mu.Unlock()

	return ctx, span
}

// EndSpan closes a span. err == nil marks it completed.
func (t *Tracker) EndSpan(span *AgentSpan, err error) {
	if span == nil {
		return
	}

	t.mu.Lock()
	span.EndTime = t.now()
	if err != nil {
		span.Status = SpanFailed
	} else {
		span.Status = SpanCompleted
	}
	t.mu.Unlock()

	if span.otelSpan != nil {
		if err != nil {
			span.otelSpan.RecordError(err)
			span.otelSpan.SetStatus(codes.Error, err.Error())
		} else {
			span.otelSpan.SetStatus(codes.Ok, "")
		}
		span.otelSpan.End()
	}
}

// SetAttribute annotates a live span.
func (t *Tracker) SetAttribute(span *AgentSpan, key, value string) {
	if span == nil {
		return
	}
	t.mu.Lock()
	if span.Attributes == nil {
		span.Attributes = make(map[string]string)
	}
	span.Attributes[key] = value
	t.mu.Unlock()

	if span.otelSpan != nil {
		span.otelSpan.SetAttributes(attribute.String(key, value))
	}
}

// SpanNode is AgentSpan with resolved children.
type SpanNode struct {
	*AgentSpan
	Children []*SpanNode `json:"children,omitempty"`
}

// Tree assembles the span tree for one correlation id. Spans whose parent
// is unknown surface as roots. Siblings keep start order.
func (t *Tracker) Tree(correlationID string) []*SpanNode {
	t.mu.Lock()
	spans := make([]*AgentSpan, len(t.spans[correlationID]))
	copy(spans, t.spans[correlationID])
	t.mu.Unlock()

	nodes := make(map[string]*SpanNode, len(spans))
	for _, span := range spans {
		nodes[span.SpanID] = &SpanNode{AgentSpan: span}
	}

	var roots []*SpanNode
	for _, span := range spans {
		node := nodes[span.SpanID]
		if parent, ok := nodes[span.ParentSpanID]; ok && span.ParentSpanID != span.SpanID {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}

// CorrelationIDs lists the known correlations, sorted for stable output.
func (t *Tracker) CorrelationIDs() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.spans))
	for id := range t.spans {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Drop forgets a correlation's spans once the workflow is done with them.
func (t *Tracker) Drop(correlationID string) {
	t.mu.Lock()
	delete(t.spans, correlationID)
	t.mu.Unlock()
}
