// Package wrapper is the in-container side of the protocol (§4.8): it
// reads its configuration from environment variables, heartbeats its
// state, drains interrupts missed while absent, blocks on the input
// queue, spawns the agent process for each input, parses its output
// stream, and publishes structured records and the terminal result back
// through the broker.
package wrapper
