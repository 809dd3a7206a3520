package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/openfroyo/froyopkg/pkg/telemetry"
)

// Config is the froyo-pkg configuration.
type Config struct {
	Image     ImageConfig     `json:"image"`
	Remote    RemoteConfig    `json:"remote"`
	Actuator  ActuatorConfig  `json:"actuator"`
	History   HistoryConfig   `json:"history"`
	Policy    PolicyConfig    `json:"policy"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ImageConfig locates the image transactions operate on.
type ImageConfig struct {
	// Root is the image root directory.
	Root string `json:"root" validate:"required"`

	// StateDir holds install state, relative to Root unless absolute.
	StateDir string `json:"state_dir" validate:"required"`

	// LiveRoot overrides whether Root is the running system. Unset means
	// Root == "/".
	LiveRoot *bool `json:"live_root,omitempty"`
}

// RemoteConfig reaches an image on another host over SSH. An empty Host
// means the image is local.
type RemoteConfig struct {
	Host string `json:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port int    `json:"port" validate:"min=1,max=65535"`
	User string `json:"user" validate:"required_with=Host"`

	// Auth is "key" or "password".
	Auth       string `json:"auth" validate:"oneof=key password"`
	Password   string `json:"password" validate:"required_if=Auth password"`
	PrivateKey string `json:"private_key"`

	// KnownHosts defaults to ~/.ssh/known_hosts.
	KnownHosts            string `json:"known_hosts"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key"`

	// ConnectTimeout is in seconds.
	ConnectTimeout int `json:"connect_timeout" validate:"gt=0"`
}

// Enabled reports whether a remote host is configured.
func (r RemoteConfig) Enabled() bool { return r.Host != "" }

// ActuatorConfig locates the service-management commands.
type ActuatorConfig struct {
	// CommandsDir, when set, is prepended to every command path.
	CommandsDir string `json:"commands_dir"`

	Svcadm  string `json:"svcadm" validate:"required"`
	Svcprop string `json:"svcprop" validate:"required"`
	Svcs    string `json:"svcs" validate:"required"`
}

// HistoryConfig configures the SQLite transaction history.
type HistoryConfig struct {
	Enabled bool `json:"enabled"`

	// Path of the database; empty places history.db in the state dir.
	Path string `json:"path"`
}

// PolicyConfig configures transaction admission.
type PolicyConfig struct {
	Enabled bool `json:"enabled"`

	// Paths are .rego/.json files or directories loaded on top of the
	// built-in policies.
	Paths []string `json:"paths"`

	// Protected lists package names that may never be removed.
	Protected []string `json:"protected" validate:"dive,required"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `json:"level" validate:"required,oneof=trace debug info warn error fatal"`
	Format string `json:"format" validate:"required,oneof=console json"`
	Output string `json:"output" validate:"required"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	ListenAddress string `json:"listen_address" validate:"omitempty,hostname_port"`
	Path          string `json:"path" validate:"required,startswith=/"`
	Namespace     string `json:"namespace" validate:"required"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter" validate:"required,oneof=none stdout otlp"`
	Endpoint     string  `json:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `json:"sampling_rate" validate:"gte=0,lte=1"`
}

// StateDirPath returns the state directory as an absolute path.
func (c *Config) StateDirPath() string {
	if filepath.IsAbs(c.Image.StateDir) {
		return c.Image.StateDir
	}
	return filepath.Join(c.Image.Root, c.Image.StateDir)
}

// HistoryPath returns where the history database lives.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.StateDirPath(), "history.db")
}

// ValidationError is one problem found in a configuration source.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// ToTelemetry converts the telemetry section for the telemetry package.
func (c *Config) ToTelemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Logging.Level = c.Telemetry.Logging.Level
	tc.Logging.Format = c.Telemetry.Logging.Format
	tc.Logging.Output = c.Telemetry.Logging.Output

	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	tc.Metrics.Path = c.Telemetry.Metrics.Path
	tc.Metrics.Namespace = c.Telemetry.Metrics.Namespace

	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	return tc
}
