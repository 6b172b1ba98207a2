// Package broker implements the per-session key schema of §4.4 over
// Redis: an input queue, an output pub-sub channel with a bounded replay
// buffer, a state map, a single-value result, and a control channel
// backed by an at-least-once interrupt queue. Every operation is
// namespaced under a configurable key prefix so multiple deployments can
// share one Redis instance.
package broker
