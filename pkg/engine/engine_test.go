package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journal records execute and compensate calls in order.
type journal struct {
	mu       sync.Mutex
	executed []string
	reverted []string
}

func (j *journal) exec(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.executed = append(j.executed, name)
}

func (j *journal) revert(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reverted = append(j.reverted, name)
}

func (j *journal) Reverted() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.reverted...)
}

func (j *journal) task(name string, fail error, opts ...TaskOption) *Task {
	all := append([]TaskOption{OnCompensate(func(_ context.Context, _ Inputs, cc CompensationContext) error {
		j.revert(name)
		return nil
	})}, opts...)
	return NewTask(name, func(context.Context, Inputs) (Outputs, error) {
		j.exec(name)
		if fail != nil {
			return nil, fail
		}
		return Outputs{}, nil
	}, all...)
}

func newTestEngine(mode Mode) *Engine {
	return NewEngine(Config{Mode: mode}, zerolog.New(nil).Level(zerolog.Disabled), nil)
}

func TestSequenceFailureCompensatesPreviousStepsInReverse(t *testing.T) {
	for k := 1; k <= 5; k++ {
		t.Run(fmt.Sprintf("fail_at_%d", k), func(t *testing.T) {
			j := &journal{}
			seq := Linear("seq")
			for i := 1; i <= 5; i++ {
				var fail error
				if i == k {
					fail = NewPermanentFailure("boom", nil)
				}
				seq.Add(j.task(fmt.Sprintf("s%d", i), fail))
			}

			res, err := newTestEngine(ModeSerial).Run(context.Background(), "test", seq, nil)
			require.Error(t, err)
			assert.Equal(t, FlowReverted, res.State)
			assert.Equal(t, fmt.Sprintf("s%d", k), FailedStep(err))

			var want []string
			for i := k - 1; i >= 1; i-- {
				want = append(want, fmt.Sprintf("s%d", i))
			}
			assert.Equal(t, want, j.Reverted())
		})
	}
}

func TestRetryAttemptsRetryableFailureExactlyMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	step := NewTask("flaky", func(context.Context, Inputs) (Outputs, error) {
		calls.Add(1)
		return nil, NewTransientFailure("over limit", nil)
	})
	flow := WithRetry("retry-flaky", Times(4, 0), step)

	res, err := newTestEngine(ModeSerial).Run(context.Background(), "test", flow, nil)
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 4, res.Attempts["retry-flaky"])
	assert.True(t, HasKind(err, KindTransient))
}

func TestRetryNonRetryableEscalatesOnFirstAttempt(t *testing.T) {
	for _, kind := range []FailureKind{KindBadInput, KindNotFound, KindConflict, KindPermanent, KindResourceError} {
		t.Run(string(kind), func(t *testing.T) {
			var calls atomic.Int32
			step := NewTask("step", func(context.Context, Inputs) (Outputs, error) {
				calls.Add(1)
				return nil, &Failure{Kind: kind, Message: "nope"}
			})
			flow := WithRetry("retry", Times(5, 0), step)

			res, err := newTestEngine(ModeSerial).Run(context.Background(), "test", flow, nil)
			require.Error(t, err)
			assert.Equal(t, int32(1), calls.Load())
			assert.Equal(t, 1, res.Attempts["retry"])
		})
	}
}

func TestResourceErrorBypassesEnclosingRetries(t *testing.T) {
	var inner, outer atomic.Int32
	step := NewTask("vm-active", func(context.Context, Inputs) (Outputs, error) {
		inner.Add(1)
		return nil, NewResourceFailure("vm in ERROR", nil)
	})
	count := NewTask("count", func(context.Context, Inputs) (Outputs, error) {
		outer.Add(1)
		return Outputs{}, nil
	})
	flow := WithRetry("outer", Times(3, 0),
		Linear("node", count, WithRetry("inner", Times(3, 0), step)))

	_, err := newTestEngine(ModeSerial).Run(context.Background(), "test", flow, nil)
	require.Error(t, err)
	assert.True(t, IsEscalated(err))
	assert.Equal(t, int32(1), inner.Load())
	assert.Equal(t, int32(1), outer.Load())
}

func TestRetryRecoversAfterNotReady(t *testing.T) {
	var calls atomic.Int32
	j := &journal{}
	poll := NewTask("poll", func(context.Context, Inputs) (Outputs, error) {
		if calls.Add(1) < 3 {
			return nil, NewNotReadyFailure("still building", nil)
		}
		return Outputs{"status": "ACTIVE"}, nil
	}, Provides("status"))
	flow := Linear("flow", j.task("before", nil), WithRetry("wait", Times(5, time.Millisecond), poll))

	res, err := newTestEngine(ModeSerial).Run(context.Background(), "test", flow, nil)
	require.NoError(t, err)
	assert.Equal(t, FlowSuccess, res.State)
	assert.Equal(t, "ACTIVE", res.Store["status"])
	assert.Equal(t, 3, res.Attempts["wait"])
	assert.Empty(t, j.Reverted())
}

func TestRetryCompensatesAttemptBeforeRetrying(t *testing.T) {
	j := &journal{}
	var calls atomic.Int32
	second := NewTask("second", func(context.Context, Inputs) (Outputs, error) {
		if calls.Add(1) == 1 {
			return nil, NewTransientFailure("blip", nil)
		}
		return Outputs{}, nil
	})
	flow := WithRetry("retry", Times(2, 0), Linear("attempt", j.task("first", nil), second))

	_, err := newTestEngine(ModeSerial).Run(context.Background(), "test", flow, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, j.Reverted())
	assert.Equal(t, []string{"first", "first"}, j.executed)
}

func TestParallelFailureCompensatesCompletedSiblings(t *testing.T) {
	for _, mode := range []Mode{ModeSerial, ModeParallel} {
		t.Run(string(mode), func(t *testing.T) {
			j := &journal{}
			group := Unordered("group",
				j.task("a", nil),
				j.task("b", NewPermanentFailure("b failed", nil)),
				j.task("c", nil),
			)
			flow := Linear("flow", j.task("setup", nil), group, j.task("never", nil))

			res, err := newTestEngine(mode).Run(context.Background(), "test", flow, nil)
			require.Error(t, err)
			assert.Equal(t, FlowReverted, res.State)

			reverted := j.Reverted()
			require.Len(t, reverted, 3)
			assert.ElementsMatch(t, []string{"a", "c"}, reverted[:2])
			assert.Equal(t, "setup", reverted[2])
			assert.NotContains(t, j.executed, "never")
		})
	}
}

func TestParallelAggregatesBranchFailures(t *testing.T) {
	group := Unordered("group",
		NewTask("x", func(context.Context, Inputs) (Outputs, error) {
			return nil, NewTransientFailure("x", nil)
		}),
		NewTask("y", func(context.Context, Inputs) (Outputs, error) {
			return nil, NewBadInputFailure("y", nil)
		}),
	)
	_, err := newTestEngine(ModeParallel).Run(context.Background(), "test", group, nil)

	var pe *ParallelError
	require.ErrorAs(t, err, &pe)
	assert.Len(t, pe.Errs, 2)
	assert.Equal(t, KindBadInput, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestMissingDependencyRejectedBeforeExecution(t *testing.T) {
	j := &journal{}
	flow := Linear("flow",
		j.task("first", nil),
		j.task("needs", nil, Requires("vm_id")),
	)
	res, err := newTestEngine(ModeSerial).Run(context.Background(), "test", flow, map[string]any{"cluster_id": "c1"})

	var mde *MissingDependencyError
	require.ErrorAs(t, err, &mde)
	assert.ErrorIs(t, err, ErrInvalidFlow)
	assert.Equal(t, "needs", mde.Step)
	assert.Equal(t, []string{"vm_id"}, mde.Missing)
	assert.Equal(t, FlowFailure, res.State)
	assert.Empty(t, j.executed)
}

func TestValidateRejectsSiblingDependencyInParallel(t *testing.T) {
	flow := Unordered("group",
		NewTask("producer", nil, Provides("port_id")),
		NewTask("consumer", nil, Requires("port_id")),
	)
	err := Validate(flow, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidFlow)
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	flow := Linear("flow", NewTask("same", nil), NewTask("same", nil))
	assert.ErrorIs(t, Validate(flow, nil), ErrInvalidFlow)
}

func TestRebindAndProvideAs(t *testing.T) {
	produce := NewTask("produce", func(context.Context, Inputs) (Outputs, error) {
		return Outputs{"port_id": "p-1"}, nil
	}, Provides("port_id"), ProvideAs(map[string]string{"port_id": "port_id_0"}))

	var seen string
	consume := NewTask("consume", func(_ context.Context, in Inputs) (Outputs, error) {
		s, err := in.String("port_id")
		seen = s
		return nil, err
	}, Requires("port_id"), Rebind(map[string]string{"port_id": "port_id_0"}))

	res, err := newTestEngine(ModeSerial).Run(context.Background(), "test", Linear("flow", produce, consume), nil)
	require.NoError(t, err)
	assert.Equal(t, "p-1", seen)
	assert.Equal(t, "p-1", res.Store["port_id_0"])
	_, unrenamed := res.Store["port_id"]
	assert.False(t, unrenamed)
}

func TestMissingDeclaredOutputFailsStep(t *testing.T) {
	step := NewTask("lazy", func(context.Context, Inputs) (Outputs, error) {
		return Outputs{}, nil
	}, Provides("vm_id"))
	_, err := newTestEngine(ModeSerial).Run(context.Background(), "test", step, nil)
	require.Error(t, err)
	assert.True(t, HasKind(err, KindPermanent))
}

func TestCompensationFailureIsRecordedAndRollbackContinues(t *testing.T) {
	j := &journal{}
	broken := NewTask("broken-revert", func(context.Context, Inputs) (Outputs, error) {
		return Outputs{}, nil
	}, OnCompensate(func(context.Context, Inputs, CompensationContext) error {
		return errors.New("cloud unavailable")
	}))
	flow := Linear("flow", j.task("first", nil), broken, j.task("fails", NewPermanentFailure("x", nil)))

	res, err := newTestEngine(ModeSerial).Run(context.Background(), "test", flow, nil)
	require.Error(t, err)
	assert.Equal(t, FlowFailure, res.State)
	assert.Len(t, res.CompensationFailures, 1)
	assert.Equal(t, []string{"first"}, j.Reverted())
}

func TestCompensationContextCarriesResultAndFailure(t *testing.T) {
	boom := NewPermanentFailure("boom", nil)
	var got CompensationContext
	create := NewTask("create", func(context.Context, Inputs) (Outputs, error) {
		return Outputs{"vm_id": "vm-9"}, nil
	}, Provides("vm_id"), OnCompensate(func(_ context.Context, _ Inputs, cc CompensationContext) error {
		got = cc
		return nil
	}))
	fail := NewTask("fail", func(context.Context, Inputs) (Outputs, error) { return nil, boom })

	_, err := newTestEngine(ModeSerial).Run(context.Background(), "test", Linear("flow", create, fail), nil)
	require.Error(t, err)
	assert.True(t, got.Executed)
	assert.Equal(t, "vm-9", got.Result["vm_id"])
	assert.ErrorIs(t, got.Failure, boom)
}

func TestCancellationInterruptsWithoutCompensation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := &journal{}
	rec := &recordingListener{}
	stop := NewTask("stop", func(context.Context, Inputs) (Outputs, error) {
		j.exec("stop")
		cancel()
		return Outputs{}, nil
	}, OnCompensate(func(context.Context, Inputs, CompensationContext) error {
		j.revert("stop")
		return nil
	}))
	flow := Linear("flow", j.task("first", nil), stop, j.task("after", nil))

	e := NewEngine(Config{Mode: ModeSerial}, zerolog.New(nil).Level(zerolog.Disabled), rec)
	res, err := e.Run(ctx, "test", flow, nil)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, FlowInterrupted, res.State)
	assert.Empty(t, j.Reverted())
	assert.NotContains(t, j.executed, "after")

	completed := rec.completed()
	require.Len(t, completed, 2)

	res, err = e.Revert(context.Background(), "test", flow, completed, nil)
	require.NoError(t, err)
	assert.Equal(t, FlowPending, res.State)
	assert.False(t, res.State.IsTerminal())
	assert.Equal(t, []string{"stop", "first"}, j.Reverted())
}

func TestRevertReportsUnknownSteps(t *testing.T) {
	e := newTestEngine(ModeSerial)
	res, err := e.Revert(context.Background(), "test", Linear("flow", NewTask("a", nil)),
		[]RecordedStep{{Name: "ghost", Seq: 1, Executed: true}}, nil)
	require.Error(t, err)
	assert.Equal(t, FlowReverting, res.State)
	assert.False(t, res.State.IsTerminal())
}

func TestRevertCompensatesInFlightStepsFirst(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
		seen  = map[string]CompensationContext{}
	)
	step := func(name string) *Task {
		return NewTask(name, nil, OnCompensate(func(_ context.Context, in Inputs, cc CompensationContext) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			seen[name] = cc
			return nil
		}))
	}
	flow := Linear("flow", step("first"), step("second"), Unordered("group", step("left"), step("right")))

	rec := &recordingListener{}
	e := NewEngine(Config{Mode: ModeSerial}, zerolog.New(nil).Level(zerolog.Disabled), rec)
	res, err := e.Revert(context.Background(), "test", flow, []RecordedStep{
		{Name: "first", Seq: 1, Executed: true},
		{Name: "right", Inputs: map[string]any{"network_id": "net-1"}},
		{Name: "second", Seq: 2, Executed: true, Result: map[string]any{"id": "x"}},
		{Name: "left"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, FlowPending, res.State)

	assert.Equal(t, []string{"left", "right", "second", "first"}, order)
	assert.False(t, seen["left"].Executed)
	assert.False(t, seen["right"].Executed)
	assert.Nil(t, seen["right"].Result)
	assert.True(t, seen["second"].Executed)
	assert.Equal(t, "x", seen["second"].Result["id"])
	assert.ErrorIs(t, seen["first"].Failure, ErrInterrupted)
}

func TestRevertFailureKeepsFlowRecoverable(t *testing.T) {
	boom := errors.New("nova unavailable")
	flow := Linear("flow", NewTask("create", nil, OnCompensate(func(context.Context, Inputs, CompensationContext) error {
		return boom
	})))

	var states []FlowState
	l := flowStates(func(s FlowState) { states = append(states, s) })
	e := NewEngine(Config{Mode: ModeSerial}, zerolog.New(nil).Level(zerolog.Disabled), l)
	res, err := e.Revert(context.Background(), "test", flow, []RecordedStep{{Name: "create"}}, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, FlowReverting, res.State)
	assert.Equal(t, []FlowState{FlowReverting, FlowReverting}, states)
}

func TestMissingOutputCompensatesStep(t *testing.T) {
	var got *CompensationContext
	create := NewTask("create-vm", func(context.Context, Inputs) (Outputs, error) {
		return Outputs{"vm_id": "vm-1"}, nil
	}, Provides("vm_id", "vm_address"), OnCompensate(func(_ context.Context, _ Inputs, cc CompensationContext) error {
		got = &cc
		return nil
	}))

	res, err := newTestEngine(ModeSerial).Run(context.Background(), "test", Linear("flow", create), nil)
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, CodeMissingOutput, f.Code)
	require.NotNil(t, got)
	assert.True(t, got.Executed)
	assert.Equal(t, "vm-1", got.Result["vm_id"])
	_, published := res.Store["vm_id"]
	assert.False(t, published)
}

type flowStates func(FlowState)

func (f flowStates) OnFlow(_ context.Context, ev FlowEvent) { f(ev.State) }
func (flowStates) OnStep(context.Context, StepEvent)         {}
func (flowStates) OnRetry(context.Context, RetryEvent)       {}

func TestDescribeIsDeterministic(t *testing.T) {
	build := func() Node {
		return Linear("flow",
			NewTask("a", nil, Provides("x")),
			Unordered("group",
				WithRetry("retry-b", Times(3, 0), NewTask("b", nil, Requires("x"))),
				NewTask("c", nil, Requires("x")),
			),
		)
	}
	assert.Equal(t, Describe(build()), Describe(build()))
	assert.Equal(t, ToDOT(build()), ToDOT(build()))
	assert.Contains(t, Describe(build()), "retry retry-b attempts=3")
}

type recordingListener struct {
	NopListener
	mu    sync.Mutex
	steps []StepEvent
}

func (r *recordingListener) OnStep(_ context.Context, ev StepEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, ev)
}

func (r *recordingListener) completed() []RecordedStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedStep
	for _, ev := range r.steps {
		if ev.State == StepSuccess {
			out = append(out, RecordedStep{Name: ev.Step, Seq: ev.Seq, Inputs: ev.Inputs, Result: ev.Result, Executed: true})
		}
	}
	return out
}
