package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/mqfleet/mqfleet/pkg/engine"
)

// FlowListener turns engine events into metrics and spans. Step spans are
// children of the span carried by the context of the first event of the
// flow. One listener serves one flow at a time.
type FlowListener struct {
	engine.NopListener

	tracer  *Tracer
	metrics *Metrics

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewFlowListener creates a listener. Either argument may be nil.
func NewFlowListener(tracer *Tracer, metrics *Metrics) *FlowListener {
	return &FlowListener{tracer: tracer, metrics: metrics, spans: make(map[string]trace.Span)}
}

// OnStep opens a span when a step starts running or reverting and closes it
// at the matching outcome.
func (l *FlowListener) OnStep(ctx context.Context, ev engine.StepEvent) {
	switch ev.State {
	case engine.StepRunning:
		l.open(ctx, "step.execute", ev)
	case engine.StepReverting:
		l.open(ctx, "step.revert", ev)
	case engine.StepSuccess, engine.StepFailure, engine.StepReverted, engine.StepRevertFailure:
		l.metrics.StepFinished(ev.State)
		l.close(ev)
	}
}

// OnRetry counts retries that will run again.
func (l *FlowListener) OnRetry(_ context.Context, ev engine.RetryEvent) {
	if ev.State == engine.RetryReady {
		l.metrics.Retried(engine.KindOf(ev.Err))
	}
}

func (l *FlowListener) open(ctx context.Context, name string, ev engine.StepEvent) {
	if l.tracer == nil {
		return
	}
	_, span := l.tracer.Start(ctx, name,
		AttrFlow.String(ev.Flow),
		AttrStep.String(ev.Step),
		AttrStepSeq.Int64(ev.Seq),
	)
	l.mu.Lock()
	if prev, ok := l.spans[ev.Step]; ok {
		prev.End()
	}
	l.spans[ev.Step] = span
	l.mu.Unlock()
}

func (l *FlowListener) close(ev engine.StepEvent) {
	l.mu.Lock()
	span, ok := l.spans[ev.Step]
	delete(l.spans, ev.Step)
	l.mu.Unlock()
	if !ok {
		return
	}
	if ev.Err != nil {
		span.SetAttributes(AttrFailureKind.String(string(engine.KindOf(ev.Err))))
		RecordError(span, ev.Err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}
