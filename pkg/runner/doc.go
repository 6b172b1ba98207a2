// Package runner is the request façade (§4.7): it resolves a container
// assignment from the pool manager, subscribes to the session's output
// channel before pushing input, awaits the terminal result, and
// translates it into a public Result.
package runner
