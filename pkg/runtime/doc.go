// Package runtime wraps containerd's client API with the narrow surface
// the pool manager needs: pull/ensure an image, create/start/stop/remove
// a container, inspect its state and labels, list managed containers by
// label, and exec into one. Logs is part of the interface, but the
// containerd adapter returns an error from it without fetching anything.
// It holds no pool state of its own — every other method is a direct,
// synchronous call against containerd.
package runtime
