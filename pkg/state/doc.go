// Package state persists the supervisor's applied configuration
// orders. Every successfully acknowledged add/remove/update order is
// appended to a SQLite-backed log; on restart, and whenever a new
// worker is spawned, the log is replayed in sequence to rebuild the
// exact runtime configuration. Lifecycle orders (soft_stop, status,
// metrics) are transient and never logged.
package state
