// Package otel exposes step-up engine metrics as OpenTelemetry observable instruments.
//
// [NewExporter] registers an Int64ObservableCounter per counter and an
// Int64ObservableGauge per histogram bucket. A single callback reads
// [stepup.Engine.MetricsSnapshot] on each collection cycle. Callers own the
// MeterProvider.
package otel
