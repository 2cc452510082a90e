// Package telemetry wires logging, tracing and metrics for mqfleet
// processes.
//
// Logging uses zerolog, tracing uses OpenTelemetry with an OTLP gRPC or
// stdout exporter, and metrics are Prometheus collectors on a private
// registry. FlowListener adapts all of it to engine events so every step,
// compensation and retry of a conductor's flows is counted and traced.
//
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//	go tel.Metrics.Serve()
package telemetry
