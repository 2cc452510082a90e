package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Node is an element of a flow graph. The set of implementations is closed:
// *Task, *Sequence, *Parallel and *Retry.
type Node interface {
	Name() string

	// run executes the node. On success it returns the records of every step
	// it completed. On failure it has already compensated its own completed
	// steps and returns no records, unless the flow was interrupted.
	run(ctx context.Context, x *execution) ([]record, error)
}

// Sequence runs its children strictly in order.
type Sequence struct {
	name     string
	children []Node
}

// Linear creates a sequence.
func Linear(name string, children ...Node) *Sequence {
	return &Sequence{name: name, children: children}
}

// Add appends children to the sequence.
func (s *Sequence) Add(children ...Node) *Sequence {
	s.children = append(s.children, children...)
	return s
}

// Name returns the sequence name.
func (s *Sequence) Name() string { return s.name }

// Children returns the ordered children.
func (s *Sequence) Children() []Node { return s.children }

// Parallel runs its children without ordering. The group completes only
// when every child has finished, and it is compensated as a unit.
type Parallel struct {
	name     string
	children []Node
}

// Unordered creates a parallel group.
func Unordered(name string, children ...Node) *Parallel {
	return &Parallel{name: name, children: children}
}

// Add appends children to the group.
func (p *Parallel) Add(children ...Node) *Parallel {
	p.children = append(p.children, children...)
	return p
}

// Name returns the group name.
func (p *Parallel) Name() string { return p.name }

// Children returns the children.
func (p *Parallel) Children() []Node { return p.children }

// record is a step awaiting possible compensation.
type record struct {
	seq    int64
	task   *Task
	inputs Inputs
	result Outputs

	// inFlight marks a step recovered while still running.
	inFlight bool
}

func (t *Task) run(ctx context.Context, x *execution) ([]record, error) {
	if err := ctx.Err(); err != nil {
		return nil, interrupted(err)
	}
	in, err := t.resolve(x.store)
	if err != nil {
		return nil, err
	}

	x.stepEvent(ctx, StepEvent{Step: t.name, State: StepRunning, Inputs: in})
	out, err := t.Execute(ctx, in)
	if err == nil {
		if err = t.publish(x.store, out); err != nil {
			// The side effect happened; undo it before failing the step.
			cc := CompensationContext{Executed: true, Result: out, Failure: err}
			if cerr := t.Compensate(context.WithoutCancel(ctx), in, cc); cerr != nil {
				x.addCompFailure(fmt.Errorf("compensate %s: %w", t.name, cerr))
			}
		}
	}
	if err != nil {
		if isCancellation(ctx, err) {
			x.stepEvent(ctx, StepEvent{Step: t.name, State: StepPending, Inputs: in})
			return nil, interrupted(err)
		}
		x.stepEvent(ctx, StepEvent{Step: t.name, State: StepFailure, Inputs: in, Err: err})
		return nil, &StepError{Step: t.name, Err: err}
	}

	rec := record{seq: x.nextSeq(), task: t, inputs: in, result: out}
	x.stepEvent(ctx, StepEvent{Step: t.name, State: StepSuccess, Seq: rec.seq, Inputs: in, Result: out})
	return []record{rec}, nil
}

func (s *Sequence) run(ctx context.Context, x *execution) ([]record, error) {
	var done []record
	for _, child := range s.children {
		recs, err := child.run(ctx, x)
		if err != nil {
			if IsInterrupted(err) {
				return append(done, recs...), err
			}
			x.compensate(ctx, done, err)
			return nil, err
		}
		done = append(done, recs...)
	}
	return done, nil
}

type branchResult struct {
	recs []record
	err  error
}

func (p *Parallel) run(ctx context.Context, x *execution) ([]record, error) {
	results := make([]branchResult, len(p.children))

	if x.mode == ModeParallel && len(p.children) > 1 {
		var g errgroup.Group
		if x.maxParallel > 0 {
			g.SetLimit(x.maxParallel)
		}
		for i, child := range p.children {
			g.Go(func() error {
				recs, err := child.run(ctx, x)
				results[i] = branchResult{recs: recs, err: err}
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, child := range p.children {
			recs, err := child.run(ctx, x)
			results[i] = branchResult{recs: recs, err: err}
		}
	}

	var (
		done    []record
		errs    []error
		stopped error
	)
	for _, r := range results {
		done = append(done, r.recs...)
		if r.err != nil {
			errs = append(errs, r.err)
			if IsInterrupted(r.err) && stopped == nil {
				stopped = r.err
			}
		}
	}

	switch {
	case len(errs) == 0:
		return done, nil
	case stopped != nil:
		return done, stopped
	}

	var err error
	if len(errs) == 1 {
		err = errs[0]
	} else {
		err = &ParallelError{Group: p.name, Errs: errs}
	}
	x.compensate(ctx, done, err)
	return nil, err
}

// execution is the state of one Run.
type execution struct {
	flow        string
	store       *Store
	mode        Mode
	maxParallel int
	listener    Listener
	engine      *Engine

	mu           sync.Mutex
	seq          int64
	attempts     map[string]int
	compFailures []error
}

func (x *execution) nextSeq() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.seq++
	return x.seq
}

func (x *execution) setAttempts(retry string, n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.attempts[retry] = n
}

func (x *execution) stepEvent(ctx context.Context, ev StepEvent) {
	ev.Flow = x.flow
	x.listener.OnStep(ctx, ev)
}

// compensate reverts completed records in reverse completion order.
// Failures are recorded and never stop the remaining compensations.
func (x *execution) compensate(ctx context.Context, recs []record, cause error) {
	if len(recs) == 0 {
		return
	}
	ordered := make([]record, len(recs))
	copy(ordered, recs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq > ordered[j].seq })

	// Rollback runs to completion even when the caller is cancelled.
	rctx := context.WithoutCancel(ctx)
	for _, rec := range ordered {
		if err := x.engine.revertOne(rctx, x.flow, rec, cause); err != nil {
			x.addCompFailure(err)
		}
	}
}

func (x *execution) addCompFailure(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.compFailures = append(x.compFailures, err)
}
