package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mqfleet/mqfleet/pkg/engine/backoff"
)

// RetryAction is the decision taken when a retried sub-graph fails.
type RetryAction string

const (
	// ActionRetry re-runs the sub-graph if attempts remain.
	ActionRetry RetryAction = "retry"

	// ActionRevert gives up and propagates the failure outward.
	ActionRevert RetryAction = "revert"

	// ActionRevertAll reverts the whole flow, bypassing every enclosing retry.
	ActionRevertAll RetryAction = "revert_all"
)

// DefaultClassification maps failure kinds to actions when a policy does not
// override them.
var DefaultClassification = map[FailureKind]RetryAction{
	KindTransient:     ActionRetry,
	KindNotReady:      ActionRetry,
	KindUnknown:       ActionRetry,
	KindResourceError: ActionRevertAll,
	KindBadInput:      ActionRevert,
	KindNotFound:      ActionRevert,
	KindConflict:      ActionRevert,
	KindPermanent:     ActionRevert,
}

// RetryPolicy decides what happens when a wrapped sub-graph fails.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Delay is the fixed wait between attempts when Backoff is nil.
	Delay time.Duration

	// Backoff computes the wait between attempts.
	Backoff backoff.Strategy

	// Classify overrides the default action for specific kinds.
	Classify map[FailureKind]RetryAction

	// Decide, when set, replaces classification entirely.
	Decide func(err error, attempt int) RetryAction
}

// Times returns a policy of n attempts separated by a fixed delay.
func Times(n int, delay time.Duration) RetryPolicy {
	return RetryPolicy{MaxAttempts: n, Delay: delay}
}

// Action returns the decision for err on the given attempt.
func (p RetryPolicy) Action(err error, attempt int) RetryAction {
	if IsEscalated(err) {
		return ActionRevertAll
	}
	if p.Decide != nil {
		return p.Decide(err, attempt)
	}
	kind := KindOf(err)
	if action, ok := p.Classify[kind]; ok {
		return action
	}
	if action, ok := DefaultClassification[kind]; ok {
		return action
	}
	return ActionRevert
}

func (p RetryPolicy) wait(attempt int) time.Duration {
	if p.Backoff != nil {
		return p.Backoff.Delay(attempt)
	}
	return p.Delay
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Retry wraps a sub-graph with a retry policy.
type Retry struct {
	name   string
	policy RetryPolicy
	child  Node
}

// WithRetry wraps child with policy.
func WithRetry(name string, policy RetryPolicy, child Node) *Retry {
	return &Retry{name: name, policy: policy, child: child}
}

// Name returns the retry node name.
func (r *Retry) Name() string { return r.name }

// Child returns the wrapped sub-graph.
func (r *Retry) Child() Node { return r.child }

// Policy returns the retry policy.
func (r *Retry) Policy() RetryPolicy { return r.policy }

func (r *Retry) run(ctx context.Context, x *execution) ([]record, error) {
	limit := r.policy.attempts()
	log := x.engine.logger.With().Str("flow", x.flow).Str("retry", r.name).Logger()

	for attempt := 1; ; attempt++ {
		x.setAttempts(r.name, attempt)
		x.listener.OnRetry(ctx, RetryEvent{Flow: x.flow, Retry: r.name, State: RetryAttempting, Attempt: attempt})

		// A failed child has already compensated whatever it completed.
		recs, err := r.child.run(ctx, x)
		if err == nil {
			x.listener.OnRetry(ctx, RetryEvent{Flow: x.flow, Retry: r.name, State: RetrySucceeded, Attempt: attempt})
			return recs, nil
		}
		if IsInterrupted(err) {
			return recs, err
		}

		action := r.policy.Action(err, attempt)
		if action == ActionRetry && attempt < limit {
			delay := r.policy.wait(attempt)
			ev := log.Warn()
			if HasKind(err, KindNotReady) {
				ev = log.Debug()
			}
			ev.Err(err).Int("attempt", attempt).Int("max_attempts", limit).
				Dur("delay", delay).Msg("Retrying")
			x.listener.OnRetry(ctx, RetryEvent{Flow: x.flow, Retry: r.name, State: RetryReady, Attempt: attempt, Delay: delay, Err: err})
			if serr := sleep(ctx, delay); serr != nil {
				return nil, interrupted(serr)
			}
			continue
		}

		x.listener.OnRetry(ctx, RetryEvent{Flow: x.flow, Retry: r.name, State: RetryExhausted, Attempt: attempt, Err: err})
		switch {
		case action == ActionRevertAll && !IsEscalated(err):
			log.Error().Err(err).Int("attempt", attempt).Msg("Unrecoverable failure, reverting flow")
			return nil, &EscalatedError{Retry: r.name, Err: err}
		case action == ActionRetry:
			log.Error().Err(err).Int("attempts", attempt).Msg("Retries exhausted")
			return nil, fmt.Errorf("%s: retries exhausted after %d attempts: %w", r.name, attempt, err)
		default:
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
