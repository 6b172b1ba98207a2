// Package log provides structured logging for agentpool using zerolog.
//
// A single package-level Logger is configured once via Init and shared by
// every component. Context loggers (WithComponent, WithSession,
// WithContainer, WithAgent) attach a typed field and return a child
// logger; callers thread that child through instead of re-specifying the
// field on every call site.
package log
