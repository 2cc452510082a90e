package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Config configures an Engine.
type Config struct {
	// Mode selects serial or parallel execution of parallel groups.
	Mode Mode `yaml:"mode" json:"mode" default:"parallel"`

	// MaxParallel bounds concurrent branches per parallel group (0 = unbounded).
	MaxParallel int `yaml:"max_parallel" json:"max_parallel" default:"8"`
}

// Engine executes flow graphs.
type Engine struct {
	cfg      Config
	logger   zerolog.Logger
	listener Listener
}

// NewEngine creates an engine. A nil listener is replaced by a no-op.
func NewEngine(cfg Config, logger zerolog.Logger, listener Listener) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = ModeParallel
	}
	if listener == nil {
		listener = NopListener{}
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.With().Str("component", "engine").Logger(),
		listener: listener,
	}
}

// Mode returns the configured execution mode.
func (e *Engine) Mode() Mode { return e.cfg.Mode }

// Result is the outcome of one flow execution.
type Result struct {
	Flow  string
	State FlowState

	// Failure is the error that failed or interrupted the flow.
	Failure error

	// Attempts records the attempts spent by each retry node.
	Attempts map[string]int

	// CompensationFailures lists rollbacks that did not succeed.
	CompensationFailures []error

	// Store is the final flow store.
	Store map[string]any

	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns the execution time.
func (r *Result) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Run validates node against the initial bindings and executes it.
// The returned error is the flow failure, if any; the Result is never nil.
func (e *Engine) Run(ctx context.Context, flow string, node Node, initial map[string]any) (*Result, error) {
	res := &Result{Flow: flow, State: FlowPending, StartedAt: time.Now(), Attempts: map[string]int{}}
	log := e.logger.With().Str("flow", flow).Logger()

	keys := make([]string, 0, len(initial))
	for k := range initial {
		keys = append(keys, k)
	}
	if err := Validate(node, keys); err != nil {
		res.State = FlowFailure
		res.Failure = err
		res.CompletedAt = time.Now()
		res.Store = initial
		e.listener.OnFlow(ctx, FlowEvent{Flow: flow, State: FlowFailure, Err: err})
		log.Error().Err(err).Msg("Flow rejected")
		return res, err
	}

	x := &execution{
		flow:        flow,
		store:       NewStore(initial),
		mode:        e.cfg.Mode,
		maxParallel: e.cfg.MaxParallel,
		listener:    e.listener,
		engine:      e,
		attempts:    res.Attempts,
	}

	res.State = FlowRunning
	e.listener.OnFlow(ctx, FlowEvent{Flow: flow, State: FlowRunning})
	log.Debug().Str("mode", string(e.cfg.Mode)).Msg("Flow started")

	_, err := node.run(ctx, x)

	res.CompletedAt = time.Now()
	res.Store = x.store.Snapshot()
	res.CompensationFailures = x.compFailures
	res.Failure = err

	switch {
	case err == nil:
		res.State = FlowSuccess
		log.Info().Dur("duration", res.Duration()).Msg("Flow succeeded")
	case IsInterrupted(err):
		res.State = FlowInterrupted
		log.Warn().Err(err).Msg("Flow interrupted")
	case len(x.compFailures) > 0:
		res.State = FlowFailure
		log.Error().Err(err).Int("compensation_failures", len(x.compFailures)).Msg("Flow failed, rollback incomplete")
	default:
		res.State = FlowReverted
		log.Warn().Err(err).Msg("Flow failed and was reverted")
	}

	e.listener.OnFlow(ctx, FlowEvent{Flow: flow, State: res.State, Err: err})
	return res, err
}

// RecordedStep is a step loaded from a flow snapshot of an earlier run.
type RecordedStep struct {
	Name   string
	Seq    int64
	Inputs map[string]any
	Result map[string]any

	// Executed is false for a step that was still running when the run
	// stopped. Its side effects may exist without a recorded result.
	Executed bool
}

// Revert compensates the recorded steps of an interrupted run of node so
// the flow can run again from the start. Steps are looked up by name.
// Steps that were in flight are reverted first, then completed steps in
// reverse completion order.
//
// The flow is reported as reverting while compensations run and as pending
// once they all succeed. Neither state is terminal: a crash during or right
// after Revert leaves the snapshot recoverable. On compensation failures
// the flow stays reverting and the joined errors are returned.
func (e *Engine) Revert(ctx context.Context, flow string, node Node, steps []RecordedStep, cause error) (*Result, error) {
	res := &Result{Flow: flow, StartedAt: time.Now(), Attempts: map[string]int{}}
	if cause == nil {
		cause = ErrInterrupted
	}
	tasks := make(map[string]*Task)
	for _, t := range Tasks(node) {
		tasks[t.Name()] = t
	}

	e.listener.OnFlow(ctx, FlowEvent{Flow: flow, State: FlowReverting, Err: cause})

	ordered := make([]RecordedStep, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Executed != b.Executed {
			return !a.Executed
		}
		if !a.Executed {
			return a.Name < b.Name
		}
		return a.Seq > b.Seq
	})

	rctx := context.WithoutCancel(ctx)
	for _, st := range ordered {
		t, ok := tasks[st.Name]
		if !ok {
			res.CompensationFailures = append(res.CompensationFailures,
				fmt.Errorf("step %s not found in flow %s", st.Name, flow))
			continue
		}
		rec := record{seq: st.Seq, task: t, inputs: Inputs(st.Inputs), result: Outputs(st.Result), inFlight: !st.Executed}
		if err := e.revertOne(rctx, flow, rec, cause); err != nil {
			res.CompensationFailures = append(res.CompensationFailures, err)
		}
	}

	res.CompletedAt = time.Now()
	res.Failure = cause
	res.State = FlowPending
	if len(res.CompensationFailures) > 0 {
		res.State = FlowReverting
	}
	e.listener.OnFlow(ctx, FlowEvent{Flow: flow, State: res.State, Err: cause})
	e.logger.Info().Str("flow", flow).Int("steps", len(ordered)).
		Int("compensation_failures", len(res.CompensationFailures)).Msg("Recovered interrupted flow")

	if len(res.CompensationFailures) > 0 {
		return res, errors.Join(res.CompensationFailures...)
	}
	return res, nil
}

func (e *Engine) revertOne(ctx context.Context, flow string, rec record, cause error) error {
	name := rec.task.Name()
	e.listener.OnStep(ctx, StepEvent{Flow: flow, Step: name, State: StepReverting, Seq: rec.seq, Inputs: rec.inputs, Result: rec.result})

	err := rec.task.Compensate(ctx, rec.inputs, CompensationContext{
		Executed: !rec.inFlight,
		Result:   rec.result,
		Failure:  cause,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("flow", flow).Str("step", name).Msg("Compensation failed")
		e.listener.OnStep(ctx, StepEvent{Flow: flow, Step: name, State: StepRevertFailure, Seq: rec.seq, Err: err})
		return fmt.Errorf("compensate %s: %w", name, err)
	}
	e.logger.Debug().Str("flow", flow).Str("step", name).Msg("Step reverted")
	e.listener.OnStep(ctx, StepEvent{Flow: flow, Step: name, State: StepReverted, Seq: rec.seq})
	return nil
}
