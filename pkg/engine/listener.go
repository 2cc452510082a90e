package engine

import (
	"context"
	"time"
)

// FlowEvent reports a flow state transition.
type FlowEvent struct {
	Flow  string
	State FlowState
	Err   error
}

// StepEvent reports a step state transition.
type StepEvent struct {
	Flow   string
	Step   string
	State  StepState
	Seq    int64
	Inputs Inputs
	Result Outputs
	Err    error
}

// RetryEvent reports a retry state transition.
type RetryEvent struct {
	Flow    string
	Retry   string
	State   RetryState
	Attempt int
	Delay   time.Duration
	Err     error
}

// Listener observes execution. Callbacks may arrive from concurrent
// branches and must be safe for concurrent use.
type Listener interface {
	OnFlow(ctx context.Context, ev FlowEvent)
	OnStep(ctx context.Context, ev StepEvent)
	OnRetry(ctx context.Context, ev RetryEvent)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) OnFlow(context.Context, FlowEvent)   {}
func (NopListener) OnStep(context.Context, StepEvent)   {}
func (NopListener) OnRetry(context.Context, RetryEvent) {}

// Listeners fans events out to several listeners in order.
type Listeners []Listener

func (ls Listeners) OnFlow(ctx context.Context, ev FlowEvent) {
	for _, l := range ls {
		l.OnFlow(ctx, ev)
	}
}

func (ls Listeners) OnStep(ctx context.Context, ev StepEvent) {
	for _, l := range ls {
		l.OnStep(ctx, ev)
	}
}

func (ls Listeners) OnRetry(ctx context.Context, ev RetryEvent) {
	for _, l := range ls {
		l.OnRetry(ctx, ev)
	}
}
