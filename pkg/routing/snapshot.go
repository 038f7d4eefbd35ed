package routing

import (
	"fmt"
	"sort"
)

// Snapshot is one immutable configuration of clusters. Workers never mutate
// a snapshot in place: every control order builds a new snapshot off to the
// side and swaps it in between event-loop rounds. Backend pointers are
// carried over across snapshots so health state and active counters follow
// the backend, not the snapshot.
type Snapshot struct {
	clusters map[string]*Cluster
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{clusters: map[string]*Cluster{}}
}

// Cluster resolves a cluster by name.
func (s *Snapshot) Cluster(name string) (*Cluster, bool) {
	c, ok := s.clusters[name]
	return c, ok
}

// Clusters returns the cluster names in sorted order, for status reports.
func (s *Snapshot) Clusters() []string {
	names := make([]string, 0, len(s.clusters))
	for name := range s.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of clusters.
func (s *Snapshot) Len() int { return len(s.clusters) }

// clone copies the cluster table; Cluster values are shared until a
// mutation touches them.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{clusters: make(map[string]*Cluster, len(s.clusters))}
	for name, c := range s.clusters {
		next.clusters[name] = c
	}
	return next
}

// cloneCluster copies one cluster's membership slice so the original
// snapshot's view is untouched. Backend pointers are shared deliberately.
func cloneCluster(c *Cluster) *Cluster {
	cc := *c
	cc.Backends = append([]*Backend(nil), c.Backends...)
	return &cc
}

// WithCluster returns a new snapshot containing an additional cluster.
func (s *Snapshot) WithCluster(c *Cluster) (*Snapshot, error) {
	if !ValidPolicy(c.Policy) {
		return nil, fmt.Errorf("cluster %q: invalid policy %q", c.Name, c.Policy)
	}
	if _, exists := s.clusters[c.Name]; exists {
		return nil, fmt.Errorf("cluster %q: %w", c.Name, ErrDuplicateCluster)
	}
	next := s.clone()
	next.clusters[c.Name] = c
	return next, nil
}

// WithoutCluster returns a new snapshot with the named cluster removed.
func (s *Snapshot) WithoutCluster(name string) (*Snapshot, error) {
	if _, exists := s.clusters[name]; !exists {
		return nil, &UnknownClusterError{Cluster: name}
	}
	next := s.clone()
	delete(next.clusters, name)
	return next, nil
}

// WithBackend returns a new snapshot where the backend has been added to
// its cluster. Adding an address that is already a member updates its
// weight instead.
func (s *Snapshot) WithBackend(cluster, address string, weight int) (*Snapshot, error) {
	c, ok := s.clusters[cluster]
	if !ok {
		return nil, &UnknownClusterError{Cluster: cluster}
	}

	next := s.clone()
	cc := cloneCluster(c)
	if b, exists := cc.FindBackend(address); exists {
		// Re-adding an existing member only adjusts its weight. Like
		// health, weight lives on the shared Backend and is only touched
		// on the event-loop goroutine.
		if weight < 1 {
			weight = 1
		}
		b.Weight = weight
	} else {
		cc.Backends = append(cc.Backends, NewBackend(cluster, address, weight))
	}
	next.clusters[cluster] = cc
	return next, nil
}

// WithoutBackend returns a new snapshot with the backend removed from its
// cluster.
func (s *Snapshot) WithoutBackend(cluster, address string) (*Snapshot, error) {
	c, ok := s.clusters[cluster]
	if !ok {
		return nil, &UnknownClusterError{Cluster: cluster}
	}
	idx := -1
	for i, b := range c.Backends {
		if b.Address == address {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("backend %s in cluster %q: %w", address, cluster, ErrUnknownBackend)
	}

	next := s.clone()
	cc := cloneCluster(c)
	cc.Backends = append(cc.Backends[:idx], cc.Backends[idx+1:]...)
	next.clusters[cluster] = cc
	return next, nil
}
