package routing

import (
	"errors"
	"fmt"
)

// Common routing errors that can be checked with errors.Is().
var (
	// ErrNoBackendAvailable is returned when a cluster has no healthy
	// backend; no socket connect is attempted in that case.
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrUnknownCluster is returned when a session or control order names
	// a cluster absent from the active snapshot.
	ErrUnknownCluster = errors.New("unknown cluster")

	// ErrDuplicateCluster is returned when a snapshot mutation would
	// violate cluster-name uniqueness.
	ErrDuplicateCluster = errors.New("duplicate cluster name")

	// ErrUnknownBackend is returned when removing a backend that is not a
	// member of its cluster.
	ErrUnknownBackend = errors.New("unknown backend")
)

// NoBackendError reports that every backend of a cluster was unavailable.
type NoBackendError struct {
	// Cluster is the cluster that had no healthy member.
	Cluster string

	// Total is the cluster's membership size, healthy or not.
	Total int
}

// Error implements the error interface.
func (e *NoBackendError) Error() string {
	return fmt.Sprintf("no backend available in cluster %q (%d configured, none healthy)",
		e.Cluster, e.Total)
}

// Is implements error matching for errors.Is().
func (e *NoBackendError) Is(target error) bool {
	return target == ErrNoBackendAvailable
}

// UnknownClusterError names the missing cluster.
type UnknownClusterError struct {
	// Cluster is the name that failed to resolve.
	Cluster string
}

// Error implements the error interface.
func (e *UnknownClusterError) Error() string {
	return fmt.Sprintf("unknown cluster %q", e.Cluster)
}

// Is implements error matching for errors.Is().
func (e *UnknownClusterError) Is(target error) bool {
	return target == ErrUnknownCluster
}
