// Package backoff provides the delay strategies used between retry attempts.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"fmt"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Sequence adapts a cenkalti BackOff to Strategy. Each Delay call builds a
// fresh BackOff and replays it up to the requested attempt, since the
// library's backoffs keep per-loop state.
type Sequence struct {
	build func() cbackoff.BackOff
}

// Delay returns the attempt'th interval of the sequence.
func (s Sequence) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := s.build()
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == cbackoff.Stop {
		return 0
	}
	return d
}

// NewConstant always waits interval.
func NewConstant(interval time.Duration) Sequence {
	return Sequence{build: func() cbackoff.BackOff {
		return cbackoff.NewConstantBackOff(interval)
	}}
}

// NewLinear waits initial * attempt, capped at maxDelay.
func NewLinear(initial, maxDelay time.Duration) Sequence {
	return Sequence{build: func() cbackoff.BackOff {
		return &linear{step: initial, max: maxDelay}
	}}
}

// NewExponential doubles the delay each attempt, capped at maxDelay.
func NewExponential(initial, maxDelay time.Duration) Sequence {
	return exponential(initial, maxDelay, 0)
}

// NewExponentialWithJitter spreads each exponential delay by half in either
// direction so nodes polling the same cloud do not retry in lockstep.
func NewExponentialWithJitter(initial, maxDelay time.Duration) Sequence {
	return exponential(initial, maxDelay, 0.5)
}

func exponential(initial, maxDelay time.Duration, jitter float64) Sequence {
	if maxDelay <= 0 {
		maxDelay = cbackoff.DefaultMaxInterval
	}
	return Sequence{build: func() cbackoff.BackOff {
		return &cbackoff.ExponentialBackOff{
			InitialInterval:     initial,
			RandomizationFactor: jitter,
			Multiplier:          2,
			MaxInterval:         maxDelay,
		}
	}}
}

// linear is the one shape the library does not ship.
type linear struct {
	step, max, current time.Duration
}

func (l *linear) Reset() { l.current = 0 }

func (l *linear) NextBackOff() time.Duration {
	l.current += l.step
	if l.max > 0 && l.current > l.max {
		l.current = l.max
	}
	return l.current
}

// Parse builds a strategy from its configuration name.
// Recognised names are constant, linear, exponential and jitter.
func Parse(name string, initial, maxDelay time.Duration) (Strategy, error) {
	switch name {
	case "", "constant":
		return NewConstant(initial), nil
	case "linear":
		return NewLinear(initial, maxDelay), nil
	case "exponential":
		return NewExponential(initial, maxDelay), nil
	case "jitter":
		return NewExponentialWithJitter(initial, maxDelay), nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy: %s", name)
	}
}
