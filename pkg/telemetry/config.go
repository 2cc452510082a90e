package telemetry

import (
	"fmt"
	"time"
)

// Config holds logging, tracing and metrics settings.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name" default:"mqfleet"`
	ServiceVersion string `yaml:"service_version" json:"service_version" default:"dev"`
	Environment    string `yaml:"environment" json:"environment" default:"development"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level" json:"level" default:"info"`

	// Format is console or json.
	Format string `yaml:"format" json:"format" default:"console"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output" json:"output" default:"stderr"`

	EnableCaller bool `yaml:"enable_caller" json:"enable_caller"`

	// Sampling keeps SamplingInitial messages per second, then every
	// SamplingThereafter-th.
	EnableSampling     bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" json:"sampling_initial" default:"100"`
	SamplingThereafter int  `yaml:"sampling_thereafter" json:"sampling_thereafter" default:"100"`

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string `yaml:"time_format" json:"time_format" default:"rfc3339"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter" json:"exporter" default:"none"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	SamplingRate       float64           `yaml:"sampling_rate" json:"sampling_rate" default:"1"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" json:"max_export_batch_size" default:"512"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" json:"export_timeout" default:"30s"`
	Headers            map[string]string `yaml:"headers" json:"headers"`
	Insecure           bool              `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool      `yaml:"enabled" json:"enabled"`
	ListenAddress string    `yaml:"listen_address" json:"listen_address" default:":9090"`
	Path          string    `yaml:"path" json:"path" default:"/metrics"`
	Namespace     string    `yaml:"namespace" json:"namespace" default:"mqfleet"`
	Buckets       []float64 `yaml:"buckets" json:"buckets"`
}

// DefaultConfig returns a development configuration: console logs, no
// tracing, metrics on :9090.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mqfleet",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "mqfleet",
			Buckets:       []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	return nil
}
