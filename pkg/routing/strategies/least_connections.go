package strategies

import "mercator-hq/ganymede/pkg/routing"

// LeastConnections picks the healthy backend with the fewest active
// sessions. Ties are broken by delegating the tied subset to the shared
// round-robin cursor, so equally loaded backends are still rotated fairly
// instead of always favoring the first member.
type LeastConnections struct {
	rr *RoundRobin
}

// NewLeastConnections creates the strategy. rr is shared with the plain
// round-robin policy so tie-breaking and round-robin clusters use distinct
// cluster-name keyed cursors consistently.
func NewLeastConnections(rr *RoundRobin) *LeastConnections {
	return &LeastConnections{rr: rr}
}

// Select implements routing.Strategy.
func (s *LeastConnections) Select(cluster *routing.Cluster, key string, healthy []*routing.Backend) *routing.Backend {
	min := healthy[0].Active()
	for _, b := range healthy[1:] {
		if a := b.Active(); a < min {
			min = a
		}
	}

	tied := make([]*routing.Backend, 0, len(healthy))
	for _, b := range healthy {
		if b.Active() == min {
			tied = append(tied, b)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return s.rr.Select(cluster, key, tied)
}

// Name implements routing.Strategy.
func (s *LeastConnections) Name() string { return string(routing.PolicyLeastConnections) }
