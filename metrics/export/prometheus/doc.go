// Package prometheus exposes the engine's counters and flow latency
// histogram as a client_golang Collector.
//
// Counter names are authflow_*_total; the histogram is
// authflow_flow_latency_seconds. Collector.Handler serves a private
// registry so nothing is registered globally.
package prometheus
