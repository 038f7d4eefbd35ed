package config

import (
	"os"

	"mercator-hq/ganymede/pkg/control"
)

// Diff computes the control orders that transform the old topology into
// the new one. Order matters: removals come first so that renamed or
// rebound resources never collide, then clusters before their backends
// and listeners.
//
// Only the topology sections (listeners, clusters, certificates) are
// diffed. Supervisor and proxy tuning changes require a restart and are
// ignored here.
func Diff(before, after *Config) []*control.Message {
	var orders []*control.Message

	// Removed or re-addressed listeners go away first.
	for _, l := range before.Listeners {
		cur, ok := after.FindListener(l.ID)
		if ok && !listenerChanged(&l, cur) {
			continue
		}
		m := control.NewMessage(control.OrderRemoveListener)
		m.ListenerID = l.ID
		orders = append(orders, m)
	}

	// Removed backends, then removed clusters.
	for _, c := range before.Clusters {
		cur, ok := after.FindCluster(c.Name)
		if ok {
			for _, b := range c.Backends {
				if !hasBackend(cur, b.Address) {
					m := control.NewMessage(control.OrderRemoveBackend)
					m.Backend = &control.BackendSpec{Cluster: c.Name, Address: b.Address}
					orders = append(orders, m)
				}
			}
			continue
		}
		m := control.NewMessage(control.OrderRemoveCluster)
		m.Cluster = &control.ClusterSpec{Name: c.Name}
		orders = append(orders, m)
	}

	// New clusters, then new or reweighted backends.
	for _, c := range after.Clusters {
		prev, ok := before.FindCluster(c.Name)
		if !ok {
			m := control.NewMessage(control.OrderAddCluster)
			m.Cluster = &control.ClusterSpec{
				Name:       c.Name,
				Policy:     c.Policy,
				StickyKey:  c.StickyKey,
				MaxRetries: c.MaxRetries,
			}
			orders = append(orders, m)
		}
		for _, b := range c.Backends {
			if ok && hasBackendWeight(prev, b.Address, b.Weight) {
				continue
			}
			m := control.NewMessage(control.OrderAddBackend)
			m.Backend = &control.BackendSpec{Cluster: c.Name, Address: b.Address, Weight: b.Weight}
			orders = append(orders, m)
		}
	}

	// New or changed listeners last, once their clusters exist.
	for _, l := range after.Listeners {
		prev, ok := before.FindListener(l.ID)
		if ok && !listenerChanged(prev, &l) {
			// Certificate rotation without a listener change.
			if l.Protocol == string(control.ProtocolHTTPS) &&
				(l.CertFile != prev.CertFile || l.KeyFile != prev.KeyFile) {
				if m := certificateOrder(&l); m != nil {
					orders = append(orders, m)
				}
			}
			continue
		}
		m := control.NewMessage(control.OrderAddListener)
		m.Listener = &control.ListenerSpec{
			ID:            l.ID,
			Protocol:      control.Protocol(l.Protocol),
			Address:       l.Address,
			Cluster:       l.Cluster,
			PublicAddress: l.PublicAddress,
			ExpectProxy:   l.ExpectProxy,
		}
		orders = append(orders, m)
		if l.Protocol == string(control.ProtocolHTTPS) {
			if cm := certificateOrder(&l); cm != nil {
				orders = append(orders, cm)
			}
		}
	}

	return orders
}

// InitialOrders expresses a configuration as the orders that build it
// from nothing.
func InitialOrders(cfg *Config) []*control.Message {
	return Diff(&Config{}, cfg)
}

// certificateOrder loads a listener's PEM files into an
// update_certificate order. Unreadable files yield nil; validation
// happens where the order is applied.
func certificateOrder(l *ListenerConfig) *control.Message {
	certPEM, err := os.ReadFile(l.CertFile)
	if err != nil {
		return nil
	}
	keyPEM, err := os.ReadFile(l.KeyFile)
	if err != nil {
		return nil
	}
	m := control.NewMessage(control.OrderUpdateCertificate)
	m.Certificate = &control.CertificateSpec{Listener: l.ID, CertPEM: certPEM, KeyPEM: keyPEM}
	return m
}

func listenerChanged(a, b *ListenerConfig) bool {
	return a.Protocol != b.Protocol ||
		a.Address != b.Address ||
		a.Cluster != b.Cluster ||
		a.PublicAddress != b.PublicAddress ||
		a.ExpectProxy != b.ExpectProxy
}

func hasBackend(c *ClusterConfig, address string) bool {
	for _, b := range c.Backends {
		if b.Address == address {
			return true
		}
	}
	return false
}

func hasBackendWeight(c *ClusterConfig, address string, weight int) bool {
	for _, b := range c.Backends {
		if b.Address == address {
			return b.Weight == weight
		}
	}
	return false
}
