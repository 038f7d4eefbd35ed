// Package metrics exposes Ganymede's Prometheus metrics.
//
// The data plane runs in worker processes that serve no HTTP, so the
// scrape endpoint lives in the supervisor. Worker-side counters travel
// to the supervisor as MetricsReport payloads over the control channel
// and are mirrored into gauges here; everything the supervisor does
// itself (order application, worker restarts, health transitions) is
// counted directly.
//
// A Collector also implements session.Metrics, so a single-process
// deployment (or a test) can point sessions straight at it.
package metrics
