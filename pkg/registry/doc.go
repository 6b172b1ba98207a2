// Package registry persists the pool manager's container records across
// host-process restarts. Unlike a bucket-per-entity store, the entire
// registry is one JSON document under one bbolt key: every mutation is a
// full read-modify-write, which is cheap at this scale and lets the
// document carry a version number for future migrations.
package registry
