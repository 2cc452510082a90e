package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mqfleet/mqfleet/pkg/engine"
)

func enabledMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	require.NoError(t, err)
	return m
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "no service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "log format"},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: "endpoint"},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: "listen address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.Component("conductor").WithJob("job-1", "create_cluster").Info().Msg("claimed")

	out := buf.String()
	assert.Contains(t, out, `"component":"conductor"`)
	assert.Contains(t, out, `"job_id":"job-1"`)
	assert.Contains(t, out, `"factory":"create_cluster"`)
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "info", Format: "json"})

	ctx := logger.WithCluster("c-1").WithContext(context.Background())
	FromContext(ctx).Info().Msg("checked")
	FromContext(context.Background()).Info().Msg("dropped")

	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), `"cluster_id":"c-1"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", ParseLevel("debug").String())
	assert.Equal(t, "info", ParseLevel("bogus").String())
}

func TestDisabledMetricsIgnoreCalls(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)

	assert.False(t, m.Enabled())
	assert.Nil(t, m.Registry())
	m.JobClaimed("create_cluster")
	m.StepFinished(engine.StepSuccess)
	m.Retried(engine.KindTransient)
	assert.NoError(t, m.Serve())

	var nilMetrics *Metrics
	nilMetrics.ClaimConflict()
}

func TestJobMetrics(t *testing.T) {
	m := enabledMetrics(t)

	m.JobClaimed("create_cluster")
	m.JobClaimed("delete_cluster")
	m.JobFinished("create_cluster", engine.FlowSuccess, time.Second)
	m.ClaimConflict()
	m.BoardDepth(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsClaimed.WithLabelValues("create_cluster")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFinished.WithLabelValues("create_cluster", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.claimConflicts))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.boardDepth))
}

func TestMetricsHandler(t *testing.T) {
	m := enabledMetrics(t)
	m.ClusterCheck("posted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `mqfleet_cluster_checks_posted_total{result="posted"} 1`)
}

func TestFlowListenerRecordsSpansAndMetrics(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	m := enabledMetrics(t)
	l := NewFlowListener(NewTracerFromProvider(provider), m)
	ctx := context.Background()

	boom := engine.NewTransientFailure("quota", errors.New("over limit"))
	l.OnStep(ctx, engine.StepEvent{Flow: "f", Step: "create-port", State: engine.StepRunning, Seq: 1})
	l.OnStep(ctx, engine.StepEvent{Flow: "f", Step: "create-port", State: engine.StepSuccess, Seq: 1})
	l.OnStep(ctx, engine.StepEvent{Flow: "f", Step: "create-vm", State: engine.StepRunning, Seq: 2})
	l.OnStep(ctx, engine.StepEvent{Flow: "f", Step: "create-vm", State: engine.StepFailure, Err: boom})
	l.OnRetry(ctx, engine.RetryEvent{Flow: "f", Retry: "create-vm-retry", State: engine.RetryReady, Err: boom})
	l.OnStep(ctx, engine.StepEvent{Flow: "f", Step: "create-port", State: engine.StepReverting, Seq: 1})
	l.OnStep(ctx, engine.StepEvent{Flow: "f", Step: "create-port", State: engine.StepReverted, Seq: 1})

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "step.execute", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "step.revert", spans[2].Name())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsFinished.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsFinished.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compensations.WithLabelValues("reverted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("transient")))
}

func TestNewAppliesDefaults(t *testing.T) {
	tel, err := New(&Config{Logging: LoggingConfig{Output: "stdout"}})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	assert.Equal(t, "mqfleet", tel.Config.ServiceName)
	assert.Equal(t, "info", tel.Config.Logging.Level)
	assert.NotNil(t, tel.Listener())
}

func TestNop(t *testing.T) {
	tel := Nop()
	l := tel.Listener()
	l.OnStep(context.Background(), engine.StepEvent{Step: "s", State: engine.StepRunning})
	l.OnStep(context.Background(), engine.StepEvent{Step: "s", State: engine.StepSuccess})
	assert.NoError(t, tel.Shutdown(context.Background()))
}
