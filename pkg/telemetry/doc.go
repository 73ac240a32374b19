// Package telemetry provides the observability stack for statusflow:
// structured logging via zerolog, Prometheus metrics for transitions and
// operations, and OpenTelemetry tracing.
package telemetry
