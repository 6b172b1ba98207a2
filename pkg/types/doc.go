// Package types defines the data model shared across agentpool: container
// records, status and message taxonomies, interrupt kinds, and the
// sentinel errors other packages match on with errors.Is.
package types
