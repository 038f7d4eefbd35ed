// Package telemetry groups the observability subpackages: structured
// logging, Prometheus metrics, and backend health checking.
package telemetry
