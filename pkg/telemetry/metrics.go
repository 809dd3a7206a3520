package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/froyopkg/pkg/engine"
)

// Metrics provides Prometheus metrics for package transactions. A Metrics
// built with metrics disabled, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	transactionsStarted   *prometheus.CounterVec
	transactionsCompleted *prometheus.CounterVec
	transactionDuration   *prometheus.HistogramVec

	phaseDuration  *prometheus.HistogramVec
	actionsApplied *prometheus.CounterVec

	serviceCommands        *prometheus.CounterVec
	serviceCommandDuration *prometheus.HistogramVec

	errorsByCode *prometheus.CounterVec

	rebootsNeeded prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transactionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_started_total",
				Help:      "Total number of package transactions started",
			},
			[]string{"operation"},
		),
		transactionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_completed_total",
				Help:      "Total number of package transactions completed",
			},
			[]string{"status"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Duration of package transactions",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_phase_duration_seconds",
				Help:      "Duration of a single plan phase",
				Buckets:   buckets,
			},
			[]string{"phase", "operation"},
		),
		actionsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_applied_total",
				Help:      "Total number of manifest actions executed",
			},
			[]string{"operation"},
		),
		serviceCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_commands_total",
				Help:      "Total number of service management commands run",
			},
			[]string{"command", "status"},
		),
		serviceCommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "service_command_duration_seconds",
				Help:      "Duration of service management commands",
				Buckets:   buckets,
			},
			[]string{"command"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
		rebootsNeeded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reboot_needed_total",
				Help:      "Transactions on a live image that require a reboot",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.transactionsStarted,
		m.transactionsCompleted,
		m.transactionDuration,
		m.phaseDuration,
		m.actionsApplied,
		m.serviceCommands,
		m.serviceCommandDuration,
		m.errorsByCode,
		m.rebootsNeeded,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the registry metrics are recorded in, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordTransactionStarted counts a transaction entering evaluation.
func (m *Metrics) RecordTransactionStarted(operation string) {
	if !m.enabled() {
		return
	}
	m.transactionsStarted.WithLabelValues(operation).Inc()
}

// RecordTransactionCompleted records the outcome of a transaction.
func (m *Metrics) RecordTransactionCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.transactionsCompleted.WithLabelValues(status).Inc()
	m.transactionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPhase records how long a plan phase took.
func (m *Metrics) RecordPhase(phase engine.Phase, operation engine.OperationType, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.phaseDuration.WithLabelValues(string(phase), string(operation)).Observe(duration.Seconds())
}

// RecordActions adds n executed actions for operation.
func (m *Metrics) RecordActions(operation engine.OperationType, n int) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.actionsApplied.WithLabelValues(string(operation)).Add(float64(n))
}

// RecordError counts err under its engine error code.
func (m *Metrics) RecordError(err error) {
	if !m.enabled() || err == nil {
		return
	}
	m.errorsByCode.WithLabelValues(engine.Code(err)).Inc()
}

// RecordRebootNeeded counts a transaction that needs a reboot.
func (m *Metrics) RecordRebootNeeded() {
	if !m.enabled() {
		return
	}
	m.rebootsNeeded.Inc()
}

// ObserveCommand records a service management command. The command label is
// the program name, followed by the svcadm subcommand when there is one.
func (m *Metrics) ObserveCommand(argv []string, duration time.Duration, err error) {
	if !m.enabled() || len(argv) == 0 {
		return
	}
	command := commandLabel(argv)

	status := "ok"
	var cmdErr *engine.CommandError
	switch {
	case errors.As(err, &cmdErr):
		status = "failed"
	case err != nil:
		status = "error"
	}
	m.serviceCommands.WithLabelValues(command, status).Inc()
	m.serviceCommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func commandLabel(argv []string) string {
	name := filepath.Base(argv[0])
	if name == "svcadm" && len(argv) > 1 {
		return name + " " + argv[1]
	}
	return name
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics in the background when a listen address
// is configured. Serve errors are passed to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) *http.Server {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return server
}
