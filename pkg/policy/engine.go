package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"
)

var limitsPath = storage.MustParsePath("/mqfleet/limits")

// Engine compiles Rego policies and evaluates job admission input.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine holding the built-in policies.
func NewEngine(logger zerolog.Logger, limits Limits) (*Engine, error) {
	data, err := limitsDocument(limits)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromObject(map[string]interface{}{"mqfleet": map[string]interface{}{"limits": data}}),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		if err := e.compile(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

func limitsDocument(l Limits) (map[string]interface{}, error) {
	if l.AllowedFlavors == nil {
		l.AllowedFlavors = []string{}
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// SetLimits replaces data.mqfleet.limits for subsequent evaluations.
func (e *Engine) SetLimits(ctx context.Context, limits Limits) error {
	doc, err := limitsDocument(limits)
	if err != nil {
		return err
	}
	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, limitsPath, doc); err != nil {
		return fmt.Errorf("failed to write policy limits: %w", err)
	}
	return nil
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	res := &Result{Allowed: true}
	for _, name := range e.namesLocked() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, name)

		violations, err := e.evaluate(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				res.Allowed = false
				res.Violations = append(res.Violations, v)
			} else {
				res.Warnings = append(res.Warnings, v)
			}
		}
	}
	res.Duration = time.Since(start)

	e.logger.Debug().
		Str("operation", input.Operation).
		Bool("allowed", res.Allowed).
		Int("violations", len(res.Violations)).
		Dur("duration", res.Duration).
		Msg("Policy evaluation completed")
	return res, nil
}

func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	doc, err := inputDocument(input)
	if err != nil {
		return nil, err
	}
	results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}

	var out []Violation
	for _, r := range results {
		if len(r.Expressions) == 0 {
			continue
		}
		set, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range set {
			out = append(out, violation(cp.policy, d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Message < out[j].Message })
	return out, nil
}

func inputDocument(input Input) (map[string]interface{}, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	return doc, json.Unmarshal(raw, &doc)
}

func violation(p *Policy, d interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch x := d.(type) {
	case string:
		v.Message = x
	case map[string]interface{}:
		v.Message, _ = x["message"].(string)
		v.Field, _ = x["field"].(string)
		if sev, ok := x["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", d)
	}
	return v
}

// compile parses p and prepares its deny query. Callers hold e.mu or
// own e exclusively.
func (e *Engine) compile(ctx context.Context, p Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	e.policies[p.Name] = &compiledPolicy{policy: &p, query: query}
	return nil
}

// Load compiles policies, replacing any with the same name. Nothing is
// replaced if one fails to compile.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	staged := &Engine{policies: make(map[string]*compiledPolicy), store: e.store}
	for _, p := range policies {
		if err := staged.compile(ctx, p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}
	for name, cp := range staged.policies {
		e.policies[name] = cp
	}
	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Replace drops every loaded (non built-in) policy and compiles
// policies in their place.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	for name, cp := range e.policies {
		if cp.policy.Source != "" {
			delete(e.policies, name)
		}
	}
	e.mu.Unlock()
	return e.Load(ctx, policies)
}

// LoadPaths loads .rego and .json policies from files or directories.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.Load(ctx, policies)
}

// Get returns a policy by name.
func (e *Engine) Get(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// List returns every policy ordered by name.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.namesLocked() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// SetEnabled enables or disables a policy.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) namesLocked() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary joins blocking violation messages.
func (r *Result) Summary() string {
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return strings.Join(msgs, "; ")
}

// Watch hot-reloads the policies under paths until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return NewLoader(e.logger).Watch(ctx, paths, e.Replace)
}
