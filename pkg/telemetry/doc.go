// Package telemetry provides structured logging, Prometheus metrics and
// OpenTelemetry tracing setup shared across the orchestrator.
package telemetry
