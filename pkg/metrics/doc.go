// Package metrics exposes Prometheus instrumentation for the mail plane:
// routing outcomes, queue depths, agent counts, and event-bus fanout.
// All collectors are registered at init and served on /metrics.
package metrics
