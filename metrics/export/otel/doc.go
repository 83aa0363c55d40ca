// Package otel exports coordinator counters and latency histograms through
// OpenTelemetry observable instruments.
//
// [NewOTelExporter] registers one callback that reads
// [jianwen.Coordinator.MetricsSnapshot] on each collection. The caller owns
// the MeterProvider.
package otel
