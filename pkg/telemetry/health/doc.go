// Package health probes backend reachability and turns consecutive
// probe outcomes into up/down transitions.
package health
