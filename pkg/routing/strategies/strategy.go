// Package strategies implements the backend selection policies: round-robin,
// least-connections and sticky-by-key. Strategy state (cursors) is owned by
// the strategy instance and keyed by cluster name, which keeps configuration
// snapshots immutable and lets a cursor survive a snapshot swap.
package strategies

import "mercator-hq/ganymede/pkg/routing"

// DefaultSet returns one instance of every built-in strategy, keyed by
// policy, ready to hand to routing.NewBalancer.
func DefaultSet() map[routing.Policy]routing.Strategy {
	rr := NewRoundRobin()
	return map[routing.Policy]routing.Strategy{
		routing.PolicyRoundRobin:       rr,
		routing.PolicyLeastConnections: NewLeastConnections(rr),
		routing.PolicySticky:           NewSticky(rr),
	}
}
