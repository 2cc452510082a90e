package engine

import (
	"context"
	"fmt"
	"sort"
)

// Inputs are the values a step receives, keyed by the names it requires.
type Inputs map[string]any

// Outputs are the values a step publishes, keyed by the names it provides.
type Outputs map[string]any

// String returns the string value for key.
func (in Inputs) String(key string) (string, error) {
	v, ok := in[key]
	if !ok {
		return "", NewBadInputFailure(fmt.Sprintf("input %q not bound", key), nil)
	}
	s, ok := v.(string)
	if !ok {
		return "", NewBadInputFailure(fmt.Sprintf("input %q is %T, not string", key, v), nil)
	}
	return s, nil
}

// OptionalString returns the string value for key, or "" when unbound.
func (in Inputs) OptionalString(key string) string {
	s, _ := in[key].(string)
	return s
}

// Strings returns the string slice for key. Values restored from JSON
// arrive as []any and are converted.
func (in Inputs) Strings(key string) ([]string, error) {
	v, ok := in[key]
	if !ok {
		return nil, NewBadInputFailure(fmt.Sprintf("input %q not bound", key), nil)
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, NewBadInputFailure(fmt.Sprintf("input %q holds %T, not string", key, e), nil)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, NewBadInputFailure(fmt.Sprintf("input %q is %T, not []string", key, v), nil)
	}
}

// Int returns the integer value for key. JSON numbers are accepted.
func (in Inputs) Int(key string) (int, error) {
	v, ok := in[key]
	if !ok {
		return 0, NewBadInputFailure(fmt.Sprintf("input %q not bound", key), nil)
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	default:
		return 0, NewBadInputFailure(fmt.Sprintf("input %q is %T, not int", key, v), nil)
	}
}

// CompensationContext is handed to every compensating call.
type CompensationContext struct {
	// Executed is false when the step was still running when its run
	// stopped. Any side effect it made has to be found without a result.
	Executed bool

	// Result is the step's recorded outputs, nil if it never completed.
	Result Outputs

	// Failure is the error that triggered the rollback.
	Failure error
}

// Step is a unit of work with execute and compensate semantics.
type Step interface {
	Name() string
	Requires() []string
	Provides() []string
	Execute(ctx context.Context, in Inputs) (Outputs, error)
	Compensate(ctx context.Context, in Inputs, cc CompensationContext) error
}

// ExecuteFunc performs a step.
type ExecuteFunc func(ctx context.Context, in Inputs) (Outputs, error)

// CompensateFunc rolls back a step. It must tolerate partial or missing results.
type CompensateFunc func(ctx context.Context, in Inputs, cc CompensationContext) error

// Task is the leaf node of a flow graph: a Step built from functions.
type Task struct {
	name       string
	execute    ExecuteFunc
	compensate CompensateFunc
	requires   []string
	provides   []string
	rebind     map[string]string
	provideAs  map[string]string
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// Requires declares the inputs a task reads.
func Requires(keys ...string) TaskOption {
	return func(t *Task) { t.requires = append(t.requires, keys...) }
}

// Provides declares the outputs a task publishes.
func Provides(keys ...string) TaskOption {
	return func(t *Task) { t.provides = append(t.provides, keys...) }
}

// Rebind reads requirement name from a different store key.
func Rebind(bindings map[string]string) TaskOption {
	return func(t *Task) {
		if t.rebind == nil {
			t.rebind = make(map[string]string, len(bindings))
		}
		for name, key := range bindings {
			t.rebind[name] = key
		}
	}
}

// ProvideAs publishes output name under a different store key.
func ProvideAs(bindings map[string]string) TaskOption {
	return func(t *Task) {
		if t.provideAs == nil {
			t.provideAs = make(map[string]string, len(bindings))
		}
		for name, key := range bindings {
			t.provideAs[name] = key
		}
	}
}

// OnCompensate sets the rollback function.
func OnCompensate(fn CompensateFunc) TaskOption {
	return func(t *Task) { t.compensate = fn }
}

// NewTask creates a task.
func NewTask(name string, fn ExecuteFunc, opts ...TaskOption) *Task {
	t := &Task{name: name, execute: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FromStep adapts any Step implementation into a flow graph leaf.
func FromStep(s Step, opts ...TaskOption) *Task {
	if t, ok := s.(*Task); ok && len(opts) == 0 {
		return t
	}
	all := append([]TaskOption{
		Requires(s.Requires()...),
		Provides(s.Provides()...),
		OnCompensate(s.Compensate),
	}, opts...)
	return NewTask(s.Name(), s.Execute, all...)
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Requires returns the requirement names.
func (t *Task) Requires() []string { return t.requires }

// Provides returns the output names.
func (t *Task) Provides() []string { return t.provides }

// Execute runs the task function.
func (t *Task) Execute(ctx context.Context, in Inputs) (Outputs, error) {
	if t.execute == nil {
		return nil, nil
	}
	return t.execute(ctx, in)
}

// Compensate runs the rollback function, if any.
func (t *Task) Compensate(ctx context.Context, in Inputs, cc CompensationContext) error {
	if t.compensate == nil {
		return nil
	}
	return t.compensate(ctx, in, cc)
}

// RequiredKeys returns the store keys the task reads, after rebinding.
func (t *Task) RequiredKeys() []string {
	keys := make([]string, 0, len(t.requires))
	for _, name := range t.requires {
		keys = append(keys, t.storeKey(name))
	}
	return keys
}

// ProvidedKeys returns the store keys the task writes, after renaming.
func (t *Task) ProvidedKeys() []string {
	keys := make([]string, 0, len(t.provides))
	for _, name := range t.provides {
		keys = append(keys, t.outputKey(name))
	}
	sort.Strings(keys)
	return keys
}

func (t *Task) storeKey(name string) string {
	if key, ok := t.rebind[name]; ok {
		return key
	}
	return name
}

func (t *Task) outputKey(name string) string {
	if key, ok := t.provideAs[name]; ok {
		return key
	}
	return name
}

// resolve builds the task inputs from the store.
func (t *Task) resolve(s *Store) (Inputs, error) {
	in := make(Inputs, len(t.requires))
	var missing []string
	for _, name := range t.requires {
		v, ok := s.Get(t.storeKey(name))
		if !ok {
			missing = append(missing, t.storeKey(name))
			continue
		}
		in[name] = v
	}
	if len(missing) > 0 {
		return nil, &MissingDependencyError{Step: t.name, Missing: missing}
	}
	return in, nil
}

// publish writes declared outputs into the store. Nothing is written
// unless every declared output is present.
func (t *Task) publish(s *Store, out Outputs) error {
	for _, name := range t.provides {
		if _, ok := out[name]; !ok {
			return NewPermanentFailure(fmt.Sprintf("step %s did not provide %q", t.name, name), nil).
				WithCode(CodeMissingOutput)
		}
	}
	for _, name := range t.provides {
		s.Set(t.outputKey(name), out[name])
	}
	return nil
}
