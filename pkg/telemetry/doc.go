// Package telemetry provides logging, tracing and metrics for froyo-pkg.
//
// Logging uses zerolog, tracing uses OpenTelemetry with an OTLP or stdout
// exporter, and metrics are kept in a private Prometheus registry that can
// optionally be served over HTTP.
//
// Initialize telemetry once at startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Metrics implements the command observer interface of the actuator package,
// so service commands can be counted by passing tel.Metrics to
// CommandRunner.SetObserver.
package telemetry
