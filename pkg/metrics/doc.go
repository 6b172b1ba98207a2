// Package metrics defines the Prometheus series exposed at /metrics:
// pool occupancy gauges, assignment/release latency histograms,
// per-session turn counters, container lifecycle durations, and
// reconciliation counters. It also carries the component-registration
// based HTTP health/readiness/liveness handlers used by cmd/agentpoold.
package metrics
