package routing

// Balancer resolves a cluster to a concrete backend using the cluster's
// policy. Strategy instances are worker-lifetime (their cursors survive
// snapshot swaps) and are supplied by the strategies subpackage.
type Balancer struct {
	strategies map[Policy]Strategy
}

// NewBalancer creates a balancer from a policy-to-strategy table.
func NewBalancer(strategies map[Policy]Strategy) *Balancer {
	return &Balancer{strategies: strategies}
}

// Pick selects a healthy backend from the cluster, or fails immediately
// with a NoBackendError when none is eligible. exclude lists backends that
// already failed for this session's current attempt cycle and must be
// skipped on retry.
func (b *Balancer) Pick(cluster *Cluster, stickyKey string, exclude []*Backend) (*Backend, error) {
	healthy := cluster.HealthyBackends()
	if len(exclude) > 0 {
		filtered := healthy[:0]
		for _, cand := range healthy {
			if !contains(exclude, cand) {
				filtered = append(filtered, cand)
			}
		}
		healthy = filtered
	}
	if len(healthy) == 0 {
		return nil, &NoBackendError{Cluster: cluster.Name, Total: len(cluster.Backends)}
	}

	strat, ok := b.strategies[cluster.Policy]
	if !ok {
		// Unknown policy degrades to first-healthy rather than failing the
		// session; configuration validation rejects it upstream.
		return healthy[0], nil
	}
	return strat.Select(cluster, stickyKey, healthy), nil
}

func contains(set []*Backend, b *Backend) bool {
	for _, x := range set {
		if x == b {
			return true
		}
	}
	return false
}
