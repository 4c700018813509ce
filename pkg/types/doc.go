// Package types defines the records shared by the session engine, the
// storage backends and the CLI: devices, tasks, faults, pending operations,
// presets and scripts, the configuration snapshot and the per-session
// context that is parked in the cache between requests.
package types
