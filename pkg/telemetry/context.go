package telemetry

import (
	"context"
	"errors"

	"github.com/creasty/defaults"
)

// Telemetry bundles the logger, tracer and metrics of a process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// New builds telemetry from cfg after applying defaults.
func New(cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Config: cfg}, nil
}

// Nop returns telemetry that discards everything.
func Nop() *Telemetry {
	tracer, _ := NewTracer(TracingConfig{}, "mqfleet", "dev", "test")
	metrics, _ := NewMetrics(MetricsConfig{})
	return &Telemetry{Logger: NopLogger(), Tracer: tracer, Metrics: metrics, Config: DefaultConfig()}
}

// Listener returns a fresh engine listener bound to this telemetry.
func (t *Telemetry) Listener() *FlowListener {
	return NewFlowListener(t.Tracer, t.Metrics)
}

// WithContext stores the logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(ctx)
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.Tracer != nil {
		errs = append(errs, t.Tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
