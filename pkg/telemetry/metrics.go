package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqfleet/mqfleet/pkg/engine"
)

// Metrics exposes job, flow and step counters. A disabled instance
// ignores every call.
type Metrics struct {
	config MetricsConfig

	jobsClaimed    *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	claimConflicts prometheus.Counter
	jobsActive     prometheus.Gauge
	boardDepth     prometheus.Gauge

	flowDuration  *prometheus.HistogramVec
	stepsFinished *prometheus.CounterVec
	retries       *prometheus.CounterVec
	compensations *prometheus.CounterVec

	clusterChecks *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		jobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "jobs_claimed_total", Help: "Jobs claimed by this conductor",
		}, []string{"factory"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "jobs_finished_total", Help: "Jobs finished, by final flow state",
		}, []string{"factory", "state"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "job_claim_conflicts_total", Help: "Claims lost to another conductor",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "jobs_active", Help: "Jobs currently executing",
		}),
		boardDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "board_unclaimed_jobs", Help: "Unclaimed jobs seen on the last board scan",
		}),
		flowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "flow_duration_seconds", Help: "Flow execution time", Buckets: buckets,
		}, []string{"factory", "state"}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "steps_total", Help: "Step transitions into a terminal state",
		}, []string{"state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "retries_total", Help: "Retry decisions, by kind of the failure",
		}, []string{"kind"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "compensations_total", Help: "Compensations run, by outcome",
		}, []string{"outcome"}),
		clusterChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "cluster_checks_posted_total", Help: "Status checks posted by the monitor",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.jobsClaimed, m.jobsFinished, m.claimConflicts, m.jobsActive, m.boardDepth,
		m.flowDuration, m.stepsFinished, m.retries, m.compensations, m.clusterChecks,
	)
	return m, nil
}

// Enabled reports whether collectors exist.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the private registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if !m.Enabled() {
		return nil
	}
	return m.registry
}

// JobClaimed counts a successful claim.
func (m *Metrics) JobClaimed(factory string) {
	if !m.Enabled() {
		return
	}
	m.jobsClaimed.WithLabelValues(factory).Inc()
	m.jobsActive.Inc()
}

// ClaimConflict counts a claim lost to another owner.
func (m *Metrics) ClaimConflict() {
	if m.Enabled() {
		m.claimConflicts.Inc()
	}
}

// JobFinished records the end of a claimed job.
func (m *Metrics) JobFinished(factory string, state engine.FlowState, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.jobsActive.Dec()
	m.jobsFinished.WithLabelValues(factory, string(state)).Inc()
	m.flowDuration.WithLabelValues(factory, string(state)).Observe(d.Seconds())
}

// BoardDepth records the number of unclaimed jobs.
func (m *Metrics) BoardDepth(n int) {
	if m.Enabled() {
		m.boardDepth.Set(float64(n))
	}
}

// StepFinished counts a step reaching state.
func (m *Metrics) StepFinished(state engine.StepState) {
	if !m.Enabled() {
		return
	}
	m.stepsFinished.WithLabelValues(string(state)).Inc()
	switch state {
	case engine.StepReverted:
		m.compensations.WithLabelValues("reverted").Inc()
	case engine.StepRevertFailure:
		m.compensations.WithLabelValues("failed").Inc()
	}
}

// Retried counts a retry of a failure of kind.
func (m *Metrics) Retried(kind engine.FailureKind) {
	if m.Enabled() {
		m.retries.WithLabelValues(string(kind)).Inc()
	}
}

// ClusterCheck counts a monitor posting; result is posted or failed.
func (m *Metrics) ClusterCheck(result string) {
	if m.Enabled() {
		m.clusterChecks.WithLabelValues(result).Inc()
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until the server fails.
func (m *Metrics) Serve() error {
	if !m.Enabled() {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	srv := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
