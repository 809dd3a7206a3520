package telemetry

import (
	"fmt"
	"time"
)

// Config holds the telemetry configuration for froyo-pkg.
type Config struct {
	// ServiceName is reported as the OpenTelemetry service name.
	ServiceName string `json:"service_name" yaml:"service_name"`

	// ServiceVersion is reported as the OpenTelemetry service version.
	ServiceVersion string `json:"service_version" yaml:"service_version"`

	// Environment is an arbitrary deployment label (e.g. "build-host").
	Environment string `json:"environment" yaml:"environment"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string `json:"level" yaml:"level"`

	// Format is "console" or "json".
	Format string `json:"format" yaml:"format"`

	// Output is "stdout", "stderr" or a file path.
	Output string `json:"output" yaml:"output"`

	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `json:"exporter" yaml:"exporter"`

	// Endpoint is the OTLP collector address.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	SamplingRate       float64           `json:"sampling_rate" yaml:"sampling_rate"`
	MaxExportBatchSize int               `json:"max_export_batch_size" yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration     `json:"export_timeout" yaml:"export_timeout"`
	Headers            map[string]string `json:"headers" yaml:"headers"`
	Insecure           bool              `json:"insecure" yaml:"insecure"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ListenAddress is where the metrics endpoint is served; empty keeps
	// metrics in-process only.
	ListenAddress string `json:"listen_address" yaml:"listen_address"`

	Path      string `json:"path" yaml:"path"`
	Namespace string `json:"namespace" yaml:"namespace"`

	DefaultHistogramBuckets []float64 `json:"default_histogram_buckets" yaml:"default_histogram_buckets"`
}

// DefaultConfig returns the configuration used when none is supplied: console
// logs on stderr, tracing off and in-process metrics.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "froyo-pkg",
		ServiceVersion: "dev",
		Environment:    "local",
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
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "froyo_pkg",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
			},
		},
	}
}

// DevelopmentConfig returns a configuration with debug logging and stdout
// traces.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "development"
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
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

	validExporters := map[string]bool{
		"otlp": true, "stdout": true, "none": true,
	}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress != "" && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path is required when a listen address is set")
	}

	return nil
}
