package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// FailureKind classifies a step failure for retry and compensation decisions.
type FailureKind string

const (
	// KindTransient is a temporary infrastructure failure that may succeed on retry.
	// Examples: provider over-limit, temporary network errors.
	KindTransient FailureKind = "transient"

	// KindNotReady means an external resource is still converging (a VM in BUILD).
	// Retryable and logged quietly until the retry budget runs out.
	KindNotReady FailureKind = "not_ready"

	// KindResourceError means a resource reached a definitive error state.
	// Escalates past every enclosing retry.
	KindResourceError FailureKind = "resource_error"

	// KindBadInput indicates invalid arguments such as an unknown network id.
	KindBadInput FailureKind = "bad_input"

	// KindNotFound indicates a referenced entity does not exist.
	KindNotFound FailureKind = "not_found"

	// KindConflict indicates a duplicate or otherwise conflicting resource.
	KindConflict FailureKind = "conflict"

	// KindPermanent is any other non-recoverable failure.
	KindPermanent FailureKind = "permanent"

	// KindUnknown is reported for errors that carry no classification.
	KindUnknown FailureKind = "unknown"
)

// Retryable reports whether the kind is retryable by default.
func (k FailureKind) Retryable() bool {
	return k == KindTransient || k == KindNotReady || k == KindUnknown
}

// Failure is a classified step failure.
type Failure struct {
	// Kind drives the retry decision.
	Kind FailureKind `json:"kind"`

	// Message is the human-readable failure message.
	Message string `json:"message"`

	// Code is an optional code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries additional context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", f.Kind, f.Message, f.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", f.Kind, f.Message)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches failures with the same kind and code.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return f.Kind == t.Kind && f.Code == t.Code
}

// WithCode sets the failure code.
func (f *Failure) WithCode(code string) *Failure {
	f.Code = code
	return f
}

// WithDetail adds a detail field.
func (f *Failure) WithDetail(key string, value interface{}) *Failure {
	if f.Details == nil {
		f.Details = make(map[string]interface{})
	}
	f.Details[key] = value
	return f
}

func newFailure(kind FailureKind, message string, err error) *Failure {
	return &Failure{Kind: kind, Message: message, Err: err}
}

// NewTransientFailure creates a transient failure.
func NewTransientFailure(message string, err error) *Failure {
	return newFailure(KindTransient, message, err)
}

// NewNotReadyFailure creates a not-ready failure.
func NewNotReadyFailure(message string, err error) *Failure {
	return newFailure(KindNotReady, message, err)
}

// NewResourceFailure creates a resource-error failure.
func NewResourceFailure(message string, err error) *Failure {
	return newFailure(KindResourceError, message, err)
}

// NewBadInputFailure creates a bad-input failure.
func NewBadInputFailure(message string, err error) *Failure {
	return newFailure(KindBadInput, message, err)
}

// NewNotFoundFailure creates a not-found failure.
func NewNotFoundFailure(message string, err error) *Failure {
	return newFailure(KindNotFound, message, err)
}

// NewConflictFailure creates a conflict failure.
func NewConflictFailure(message string, err error) *Failure {
	return newFailure(KindConflict, message, err)
}

// NewPermanentFailure creates a permanent failure.
func NewPermanentFailure(message string, err error) *Failure {
	return newFailure(KindPermanent, message, err)
}

// KindOf returns the kind of err. Aggregated parallel failures report the
// first non-retryable kind among their members.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var pe *ParallelError
	if errors.As(err, &pe) {
		kind := KindUnknown
		for i, e := range pe.Errs {
			k := KindOf(e)
			if !k.Retryable() {
				return k
			}
			if i == 0 {
				kind = k
			}
		}
		return kind
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// HasKind reports whether err is classified as kind.
func HasKind(err error, kind FailureKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err would be retried under the default classification.
func IsRetryable(err error) bool {
	if err == nil || IsEscalated(err) {
		return false
	}
	return KindOf(err).Retryable()
}

// ErrInvalidFlow is matched by every pre-flight validation error.
var ErrInvalidFlow = errors.New("invalid flow")

// ErrInterrupted is returned when a flow stops early because its context was
// cancelled. Completed steps are left in place for a later recovery pass.
var ErrInterrupted = errors.New("flow interrupted")

func interrupted(cause error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, cause)
}

// IsInterrupted reports whether err stems from an interrupted flow.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

// MissingDependencyError is returned before execution when a step requires a
// store key that nothing earlier in the flow provides.
type MissingDependencyError struct {
	Step    string
	Missing []string
}

// Error implements the error interface.
func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing dependency: step %s requires %s", e.Step, strings.Join(e.Missing, ", "))
}

// Is makes the error match ErrInvalidFlow.
func (e *MissingDependencyError) Is(target error) bool {
	return target == ErrInvalidFlow
}

// EscalatedError marks a failure that must revert the whole flow. Enclosing
// retries propagate it without spending their attempt budget.
type EscalatedError struct {
	Retry string
	Err   error
}

// Error implements the error interface.
func (e *EscalatedError) Error() string {
	return fmt.Sprintf("%s: escalated: %s", e.Retry, e.Err.Error())
}

// Unwrap returns the escalated failure.
func (e *EscalatedError) Unwrap() error {
	return e.Err
}

// IsEscalated reports whether err demands reverting the whole flow.
func IsEscalated(err error) bool {
	var e *EscalatedError
	return errors.As(err, &e)
}

// ParallelError aggregates the failures of several branches of a parallel group.
type ParallelError struct {
	Group string
	Errs  []error
}

// Error implements the error interface.
func (e *ParallelError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	sort.Strings(msgs)
	return fmt.Sprintf("%s: %d branches failed: %s", e.Group, len(e.Errs), strings.Join(msgs, "; "))
}

// Unwrap exposes every branch failure to errors.Is and errors.As.
func (e *ParallelError) Unwrap() []error {
	return e.Errs
}

// StepError wraps a failure with the name of the step that produced it.
type StepError struct {
	Step string
	Err  error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %s", e.Step, e.Err.Error())
}

// Unwrap returns the step's failure.
func (e *StepError) Unwrap() error {
	return e.Err
}

// FailedStep returns the name of the first step that failed in err.
func FailedStep(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// Common failure codes.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeAlreadyExists  = "ALREADY_EXISTS"
	CodeRateLimited    = "RATE_LIMITED"
	CodeUnavailable    = "UNAVAILABLE"
	CodeResourceFailed = "RESOURCE_FAILED"
	CodeUnhealthy      = "UNHEALTHY"
	CodeMissingOutput  = "MISSING_OUTPUT"
)
