package strategies

import "mercator-hq/ganymede/pkg/routing"

// RoundRobin cycles over a cluster's healthy backends in membership order,
// expanding each backend by its weight so a weight-2 backend receives twice
// the share. A per-cluster cursor lives on the strategy, not the snapshot;
// the worker is single-threaded so a plain counter suffices.
//
// Fairness: over any window of k*N consecutive selections against a stable
// healthy set of effective size N, every backend is chosen exactly k times
// its weight share; no healthy backend can starve.
type RoundRobin struct {
	cursors map[string]uint64
}

// NewRoundRobin creates the strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[string]uint64)}
}

// Select implements routing.Strategy.
func (s *RoundRobin) Select(cluster *routing.Cluster, _ string, healthy []*routing.Backend) *routing.Backend {
	if len(healthy) == 1 {
		return healthy[0]
	}

	total := 0
	for _, b := range healthy {
		total += weightOf(b)
	}

	n := s.cursors[cluster.Name] % uint64(total)
	s.cursors[cluster.Name]++

	for _, b := range healthy {
		w := uint64(weightOf(b))
		if n < w {
			return b
		}
		n -= w
	}
	return healthy[len(healthy)-1] // unreachable with total computed above
}

// Name implements routing.Strategy.
func (s *RoundRobin) Name() string { return string(routing.PolicyRoundRobin) }

// Forget drops the cursor of a removed cluster so the map does not grow
// without bound across reconfigurations.
func (s *RoundRobin) Forget(cluster string) {
	delete(s.cursors, cluster)
}

func weightOf(b *routing.Backend) int {
	if b.Weight < 1 {
		return 1
	}
	return b.Weight
}
