package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfroyo/froyopkg/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "development", mutate: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "no service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{
			name: "listen without path",
			mutate: func(c *Config) {
				c.Metrics.ListenAddress = ":9100"
				c.Metrics.Path = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("imageplan").
		WithTransaction("tx-1").
		WithPackage("pkg:/web@1.0").
		Info("Executing")

	out := buf.String()
	for _, want := range []string{`"component":"imageplan"`, `"transaction_id":"tx-1"`, `"package":"pkg:/web@1.0"`, `"message":"Executing"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)
	ctx := logger.WithContext(context.Background())

	if got := FromContext(ctx); got != logger {
		t.Error("FromContext() did not return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("FromContext() on empty context returned nil")
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info message written at warn level: %q", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message not written")
	}
}

func TestMetricsRecording(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordTransactionStarted("install")
	m.RecordTransactionCompleted("succeeded", time.Second)
	m.RecordActions(engine.OperationInstall, 3)
	m.RecordError(engine.NewInvalidPlanError("pkg:/web", "bad"))

	if got := testutil.ToFloat64(m.transactionsStarted.WithLabelValues("install")); got != 1 {
		t.Errorf("transactions started = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.actionsApplied.WithLabelValues("install")); got != 3 {
		t.Errorf("actions applied = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues(engine.ErrCodeInvalidPlan)); got != 1 {
		t.Errorf("errors by code = %v, want 1", got)
	}
}

func TestObserveCommand(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.ObserveCommand([]string{"/usr/sbin/svcadm", "disable", "-st", "svc:/a:default"}, time.Millisecond, nil)
	m.ObserveCommand([]string{"/usr/sbin/svcadm", "restart", "svc:/a:default"}, time.Millisecond,
		&engine.CommandError{Args: []string{"svcadm"}, ExitCode: 1})
	m.ObserveCommand([]string{"/usr/bin/svcprop", "-c", "svc:/a:default"}, time.Millisecond, errors.New("no such file"))

	tests := []struct {
		command, status string
	}{
		{"svcadm disable", "ok"},
		{"svcadm restart", "failed"},
		{"svcprop", "error"},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.serviceCommands.WithLabelValues(tt.command, tt.status)); got != 1 {
			t.Errorf("service_commands{%s,%s} = %v, want 1", tt.command, tt.status, got)
		}
	}
}

func TestDisabledMetrics(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordTransactionStarted("install")
	m.ObserveCommand([]string{"svcs"}, 0, nil)
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if m.StartMetricsServer(nil) != nil {
		t.Error("disabled metrics should not start a server")
	}

	var nilMetrics *Metrics
	nilMetrics.RecordRebootNeeded()
}

func TestTracerSpans(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "froyo-pkg", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartTransactionSpan(context.Background(), "tx-1", "/")
	if TraceID(ctx) == "" {
		t.Error("transaction span has no trace id")
	}
	planCtx, planSpan := tracer.StartPlanSpan(ctx, "None -> pkg:/web@1.0", engine.PhaseExecute, engine.OperationInstall)
	if TraceID(planCtx) != TraceID(ctx) {
		t.Error("plan span is not part of the transaction trace")
	}
	End(planSpan, errors.New("boom"))
	End(span, nil)
}

func TestNop(t *testing.T) {
	tel := Nop()
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("FromTelemetryContext() did not return stored telemetry")
	}
	tel.Metrics.RecordTransactionStarted("remove")
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
