// Package routing holds a worker's view of clusters and backends and picks
// a backend for each session.
//
// Cluster membership lives in an immutable Snapshot that the worker swaps
// atomically between event-loop rounds when a control order changes the
// configuration; in-flight sessions keep the snapshot they resolved against
// until their next routing decision, so no session ever observes a torn
// configuration. Backend health and active-connection counters are the only
// mutable state, and they are touched exclusively on the event-loop
// goroutine.
//
// Selection strategies (round-robin, least-connections, sticky-by-key) live
// in the strategies subpackage; the Strategy interface is defined here to
// avoid an import cycle.
package routing
