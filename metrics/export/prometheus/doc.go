// Package prometheus exposes coordinator metrics as a prometheus.Collector.
//
// Counters are named jianwen_*_total and the latency histograms
// jianwen_login_latency_seconds and jianwen_hydrate_latency_seconds. The
// collector is never registered globally: register it yourself or mount
// [Collector.Handler].
package prometheus
