// Package telemetry sets up OpenTelemetry tracing and metrics export for
// loopd.
//
// Spans cover task runs, attempts and check executions. Metrics mirror the
// Prometheus counters served on /metrics. Export goes over OTLP, gRPC or
// HTTP, to a collector:
//
//	telemetry:
//	  enabled: true
//	  endpoint: localhost:4317
//	  protocol: grpc
//	  insecure: true
//	  sample_rate: 0.25
//
// Telemetry never fails the process once constructed. Exporter errors mark
// the instance degraded and are logged once.
//
// Tests use NewTestTelemetry and hand its TracerProvider to the component
// under test.
package telemetry
