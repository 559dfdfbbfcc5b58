package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for the overlay daemon.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `yaml:"service_name" validate:"required"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version" validate:"required"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Events contains lifecycle event fan-out configuration.
	Events EventsConfig `yaml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output" validate:"required"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller"`

	// TimeFormat specifies the timestamp format (unix, unixms, rfc3339).
	TimeFormat string `yaml:"time_format" validate:"omitempty,oneof=unix unixms unixmicro rfc3339"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter" validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// MaxExportBatchSize is the maximum batch size for export.
	MaxExportBatchSize int `yaml:"max_export_batch_size" validate:"gte=0"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// Headers are additional headers for OTLP exporter.
	Headers map[string]string `yaml:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `yaml:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `yaml:"namespace"`

	// DefaultHistogramBuckets are the step latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// EventsConfig configures the lifecycle event publisher.
type EventsConfig struct {
	// Enabled controls whether events are fanned out to subscribers.
	Enabled bool `yaml:"enabled"`

	// BufferSize is the size of the event buffer.
	BufferSize int `yaml:"buffer_size" validate:"gte=0"`

	// EnableAsync delivers events from a background goroutine.
	EnableAsync bool `yaml:"async"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "dtoverlay",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: "127.0.0.1:9464",
			Path:          "/metrics",
			Namespace:     "dtoverlay",
			DefaultHistogramBuckets: []float64{
				0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  256,
			EnableAsync: true,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}

	if c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}
