// Package flows holds the flow factories: named, re-invocable functions
// that rebuild a flow graph from a job's persisted arguments.
package flows

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/mqfleet/mqfleet/pkg/broker"
	"github.com/mqfleet/mqfleet/pkg/cloud"
	"github.com/mqfleet/mqfleet/pkg/engine"
	"github.com/mqfleet/mqfleet/pkg/engine/backoff"
	"github.com/mqfleet/mqfleet/pkg/models"
)

// Factory names.
const (
	CreateCluster      = "create_cluster"
	DeleteCluster      = "delete_cluster"
	CheckClusterStatus = "check_cluster_status"
	CreateClusterNode  = "create_cluster_node"
	DeleteClusterNode  = "delete_cluster_node"
)

// ErrUnknownFactory is returned for factory names not in the registry.
var ErrUnknownFactory = errors.New("unknown flow factory")

// ErrInvalidArguments is returned when factory arguments fail decoding or
// validation.
var ErrInvalidArguments = errors.New("invalid flow arguments")

// Factory builds a flow graph from positional and keyword arguments. It
// must return an equivalent graph every time it is called with the same
// arguments.
type Factory func(args []any, kwargs map[string]any) (engine.Node, error)

// RetrySettings tunes the retry policies the factories attach.
type RetrySettings struct {
	// Attempts and Delay apply to single cloud or storage calls.
	Attempts int           `yaml:"attempts" json:"attempts" default:"3" validate:"gte=1"`
	Delay    time.Duration `yaml:"delay" json:"delay" default:"1s"`
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay" default:"30s"`
	Backoff  string        `yaml:"backoff" json:"backoff" default:"exponential" validate:"oneof=constant linear exponential jitter"`

	VMPollAttempts int           `yaml:"vm_poll_attempts" json:"vm_poll_attempts" default:"60" validate:"gte=1"`
	VMPollInterval time.Duration `yaml:"vm_poll_interval" json:"vm_poll_interval" default:"5s"`

	BrokerCheckAttempts int           `yaml:"broker_check_attempts" json:"broker_check_attempts" default:"30" validate:"gte=1"`
	BrokerCheckInterval time.Duration `yaml:"broker_check_interval" json:"broker_check_interval" default:"10s"`

	DeletePollAttempts int           `yaml:"delete_poll_attempts" json:"delete_poll_attempts" default:"30" validate:"gte=1"`
	DeletePollInterval time.Duration `yaml:"delete_poll_interval" json:"delete_poll_interval" default:"2s"`
}

// Dependencies are the collaborators every factory closes over.
type Dependencies struct {
	Storage models.Storage `validate:"required"`
	Cloud   cloud.Provider `validate:"required"`
	Broker  broker.Checker `validate:"required"`
	Retry   RetrySettings
}

// Registry maps factory names to factories.
type Registry struct {
	mu        sync.RWMutex
	deps      Dependencies
	factories map[string]Factory
	validate  *validator.Validate
}

// NewRegistry returns a registry holding the built-in factories.
func NewRegistry(deps Dependencies) (*Registry, error) {
	if err := defaults.Set(&deps.Retry); err != nil {
		return nil, fmt.Errorf("failed to apply retry defaults: %w", err)
	}
	v := validator.New()
	if err := v.Struct(deps); err != nil {
		return nil, fmt.Errorf("invalid flow dependencies: %w", err)
	}
	if _, err := backoff.Parse(deps.Retry.Backoff, deps.Retry.Delay, deps.Retry.MaxDelay); err != nil {
		return nil, err
	}

	r := &Registry{deps: deps, factories: make(map[string]Factory), validate: v}
	r.Register(CreateCluster, r.createCluster)
	r.Register(DeleteCluster, r.deleteCluster)
	r.Register(CheckClusterStatus, r.checkClusterStatus)
	r.Register(CreateClusterNode, r.createClusterNode)
	r.Register(DeleteClusterNode, r.deleteClusterNode)
	return r, nil
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered factory names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build invokes the named factory.
func (r *Registry) Build(name string, args []any, kwargs map[string]any) (engine.Node, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, name)
	}
	return f(args, kwargs)
}

// decode merges positional arguments into kwargs under positional names,
// decodes the result into target with mapstructure and validates it.
func (r *Registry) decode(args []any, kwargs map[string]any, positional []string, target any) error {
	if len(args) > len(positional) {
		return fmt.Errorf("%w: %d positional arguments, want at most %d", ErrInvalidArguments, len(args), len(positional))
	}
	merged := make(map[string]any, len(kwargs)+len(args))
	for k, v := range kwargs {
		merged[k] = v
	}
	for i, v := range args {
		if _, dup := merged[positional[i]]; dup {
			return fmt.Errorf("%w: %s given twice", ErrInvalidArguments, positional[i])
		}
		merged[positional[i]] = v
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := dec.Decode(merged); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := r.validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func (r *Registry) policy(attempts int, interval time.Duration) engine.RetryPolicy {
	return engine.RetryPolicy{MaxAttempts: attempts, Backoff: backoff.NewConstant(interval)}
}

// callPolicy retries single collaborator calls with the configured backoff.
func (r *Registry) callPolicy() engine.RetryPolicy {
	s := r.deps.Retry
	strategy, err := backoff.Parse(s.Backoff, s.Delay, s.MaxDelay)
	if err != nil {
		strategy = backoff.NewConstant(s.Delay)
	}
	return engine.RetryPolicy{MaxAttempts: s.Attempts, Backoff: strategy}
}
