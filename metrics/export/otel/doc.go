// Package otel binds the engine's counters to OpenTelemetry observable
// instruments.
//
// All counters share the authflow.events instrument and are told apart by
// the event attribute ("sign_up_success", "otp_confirm_failure", ...).
// Latency histograms are exported as cumulative bucket gauges keyed by the
// le attribute. One callback reads Engine.MetricsSnapshot per collection.
// Callers own the MeterProvider.
package otel
