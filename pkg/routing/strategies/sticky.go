package strategies

import (
	"hash/fnv"

	"mercator-hq/ganymede/pkg/routing"
)

// Sticky hashes a per-request key (a designated header, or the client IP)
// onto the healthy backend set, so a given client keeps landing on the same
// backend for as long as it stays healthy. When the key is empty the
// strategy falls back to round-robin rather than pinning everyone to one
// backend.
//
// Hashing is over the current healthy set, so a backend going down only
// remaps the keys that pointed at it plus those whose modulus shifted; the
// proxy does not attempt consistent hashing.
type Sticky struct {
	rr *RoundRobin
}

// NewSticky creates the strategy with rr as the empty-key fallback.
func NewSticky(rr *RoundRobin) *Sticky {
	return &Sticky{rr: rr}
}

// Select implements routing.Strategy.
func (s *Sticky) Select(cluster *routing.Cluster, key string, healthy []*routing.Backend) *routing.Backend {
	if key == "" {
		return s.rr.Select(cluster, key, healthy)
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	return healthy[h.Sum64()%uint64(len(healthy))]
}

// Name implements routing.Strategy.
func (s *Sticky) Name() string { return string(routing.PolicySticky) }
