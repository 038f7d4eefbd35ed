package routing

import "fmt"

// HealthStatus is a backend's availability state.
type HealthStatus int

const (
	// Healthy backends are eligible for selection.
	Healthy HealthStatus = iota

	// Unhealthy backends are excluded until they recover.
	Unhealthy

	// Draining backends finish existing sessions but accept no new ones.
	Draining
)

var healthNames = map[HealthStatus]string{
	Healthy:   "healthy",
	Unhealthy: "unhealthy",
	Draining:  "draining",
}

// String returns the health status name.
func (h HealthStatus) String() string {
	if s, ok := healthNames[h]; ok {
		return s
	}
	return fmt.Sprintf("health(%d)", int(h))
}

// ParseHealthStatus parses a health status name as carried in control
// orders.
func ParseHealthStatus(s string) (HealthStatus, error) {
	for st, name := range healthNames {
		if name == s {
			return st, nil
		}
	}
	return Healthy, fmt.Errorf("unknown health status %q", s)
}

// Policy names a cluster's backend selection strategy.
type Policy string

const (
	// PolicyRoundRobin cycles fairly over healthy backends, honoring
	// weights.
	PolicyRoundRobin Policy = "round-robin"

	// PolicyLeastConnections picks the healthy backend with the fewest
	// active sessions, breaking ties in round-robin order.
	PolicyLeastConnections Policy = "least-connections"

	// PolicySticky hashes a request key so one client keeps hitting the
	// same backend while it stays healthy.
	PolicySticky Policy = "sticky"
)

// ValidPolicy reports whether p names a known strategy.
func ValidPolicy(p Policy) bool {
	switch p {
	case PolicyRoundRobin, PolicyLeastConnections, PolicySticky:
		return true
	}
	return false
}

// Backend is one backend server inside a cluster. Identity is the
// (cluster, address) pair. Health and the active-session counter are
// mutated only on the worker's event-loop goroutine; everything else is
// fixed at snapshot build time.
type Backend struct {
	// Cluster is the owning cluster's name.
	Cluster string

	// Address is the dialable host:port.
	Address string

	// Weight scales round-robin share; minimum effective weight is 1.
	Weight int

	status HealthStatus
	active int
}

// NewBackend creates a healthy backend.
func NewBackend(cluster, address string, weight int) *Backend {
	if weight < 1 {
		weight = 1
	}
	return &Backend{Cluster: cluster, Address: address, Weight: weight}
}

// Status returns the backend's health state.
func (b *Backend) Status() HealthStatus { return b.status }

// SetStatus records a health transition.
func (b *Backend) SetStatus(s HealthStatus) { b.status = s }

// Active returns the number of sessions currently using the backend.
func (b *Backend) Active() int { return b.active }

// ConnOpened counts a session attaching to the backend.
func (b *Backend) ConnOpened() { b.active++ }

// ConnClosed counts a session detaching from the backend.
func (b *Backend) ConnClosed() {
	if b.active > 0 {
		b.active--
	}
}

// Cluster is a named, ordered set of backends sharing a selection policy.
type Cluster struct {
	// Name is unique within a configuration snapshot.
	Name string

	// Policy selects the strategy used for this cluster.
	Policy Policy

	// StickyKey names the request attribute hashed by the sticky policy
	// (a header name for HTTP listeners, the client IP otherwise).
	StickyKey string

	// MaxRetries bounds connect attempts across backends per session.
	MaxRetries int

	// Backends is the ordered membership. Order matters for round-robin
	// fairness and for least-connections tie-breaks.
	Backends []*Backend
}

// HealthyBackends returns the backends currently eligible for selection,
// preserving membership order.
func (c *Cluster) HealthyBackends() []*Backend {
	out := make([]*Backend, 0, len(c.Backends))
	for _, b := range c.Backends {
		if b.Status() == Healthy {
			out = append(out, b)
		}
	}
	return out
}

// FindBackend returns the backend with the given address, if present.
func (c *Cluster) FindBackend(address string) (*Backend, bool) {
	for _, b := range c.Backends {
		if b.Address == address {
			return b, true
		}
	}
	return nil, false
}

// Strategy picks one backend from a cluster's healthy members. It is
// defined here, not in the strategies subpackage, to avoid an import cycle.
// Implementations keep their own worker-lifetime state (cursors) keyed by
// cluster name, so snapshots stay immutable.
type Strategy interface {
	// Select picks from healthy, which is non-empty and in membership
	// order. key is the sticky key value, empty for other policies.
	Select(cluster *Cluster, key string, healthy []*Backend) *Backend

	// Name returns the policy name implemented.
	Name() string
}
