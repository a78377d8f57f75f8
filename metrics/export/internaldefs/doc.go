// Package internaldefs holds the metric names and histogram bounds shared by
// the Prometheus and OpenTelemetry exporters, so both publish identical
// series for the engine's counters.
//
// This package must not perform I/O or import an exporter package.
package internaldefs
