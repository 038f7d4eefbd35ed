package supervisor

import (
	"sort"

	"mercator-hq/ganymede/pkg/control"
)

// topology is the supervisor's model of the active configuration. It
// mirrors what every worker holds, so a respawned worker can be brought
// up to date by replaying it as orders.
type topology struct {
	listeners map[string]control.ListenerSpec
	clusters  map[string]control.ClusterSpec
	backends  map[string][]control.BackendSpec
	certs     map[string]control.CertificateSpec
}

func newTopology() *topology {
	return &topology{
		listeners: make(map[string]control.ListenerSpec),
		clusters:  make(map[string]control.ClusterSpec),
		backends:  make(map[string][]control.BackendSpec),
		certs:     make(map[string]control.CertificateSpec),
	}
}

// apply folds one successfully applied order into the model.
// Non-configuration orders are ignored.
func (t *topology) apply(m *control.Message) {
	switch m.Type {
	case control.OrderAddListener:
		t.listeners[m.Listener.ID] = *m.Listener
	case control.OrderRemoveListener:
		delete(t.listeners, m.ListenerID)
		delete(t.certs, m.ListenerID)
	case control.OrderAddCluster:
		t.clusters[m.Cluster.Name] = *m.Cluster
	case control.OrderRemoveCluster:
		delete(t.clusters, m.Cluster.Name)
		delete(t.backends, m.Cluster.Name)
	case control.OrderAddBackend:
		t.setBackend(*m.Backend)
	case control.OrderRemoveBackend:
		t.removeBackend(m.Backend.Cluster, m.Backend.Address)
	case control.OrderUpdateCertificate:
		t.certs[m.Certificate.Listener] = *m.Certificate
	}
}

// setBackend adds a backend or updates the weight of an existing one.
func (t *topology) setBackend(b control.BackendSpec) {
	members := t.backends[b.Cluster]
	for i := range members {
		if members[i].Address == b.Address {
			members[i] = b
			return
		}
	}
	t.backends[b.Cluster] = append(members, b)
}

func (t *topology) removeBackend(cluster, address string) {
	members := t.backends[cluster]
	for i := range members {
		if members[i].Address == address {
			t.backends[cluster] = append(members[:i], members[i+1:]...)
			return
		}
	}
}

// replay produces the orders that rebuild the model on a fresh worker,
// clusters before their backends, then certificates. Listeners are not
// included: they travel as transfer_listener orders with the live
// socket attached.
func (t *topology) replay() []*control.Message {
	var orders []*control.Message

	for _, name := range sortedKeys(t.clusters) {
		c := t.clusters[name]
		m := control.NewMessage(control.OrderAddCluster)
		m.Cluster = &c
		orders = append(orders, m)

		for _, b := range t.backends[name] {
			b := b
			m := control.NewMessage(control.OrderAddBackend)
			m.Backend = &b
			orders = append(orders, m)
		}
	}

	for _, id := range sortedKeys(t.certs) {
		cert := t.certs[id]
		m := control.NewMessage(control.OrderUpdateCertificate)
		m.Certificate = &cert
		orders = append(orders, m)
	}

	return orders
}

// dump renders the model as the specs that would rebuild it.
func (t *topology) dump() *control.ConfigDump {
	d := &control.ConfigDump{}
	for _, id := range sortedKeys(t.listeners) {
		d.Listeners = append(d.Listeners, t.listeners[id])
	}
	for _, name := range sortedKeys(t.clusters) {
		d.Clusters = append(d.Clusters, t.clusters[name])
		d.Backends = append(d.Backends, t.backends[name]...)
	}
	return d
}

// backendAddresses lists every configured backend per cluster, for
// health probing.
func (t *topology) backendAddresses() map[string][]string {
	out := make(map[string][]string, len(t.backends))
	for cluster, members := range t.backends {
		for _, b := range members {
			out[cluster] = append(out[cluster], b.Address)
		}
	}
	return out
}

// backendWeight returns the configured weight for a cluster member, so
// a transient re-add after a health recovery preserves it.
func (t *topology) backendWeight(cluster, address string) int {
	for _, b := range t.backends[cluster] {
		if b.Address == address {
			return b.Weight
		}
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
