// Package prometheus renders step-up engine metrics in Prometheus text exposition format.
//
// Counters are named stepup_*_total; the single histogram is
// stepup_has_grant_latency_seconds. Callers mount [Exporter.Handler] themselves; nothing
// is registered globally.
package prometheus
