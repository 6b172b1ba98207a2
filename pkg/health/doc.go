// Package health composes runtime, broker, and pool-manager liveness
// into the single availability signal that cmd/agentpoold mirrors into
// the /health and /ready handlers, plus a standalone per-container
// heartbeat-freshness predicate used by the pool manager's health tick.
package health
