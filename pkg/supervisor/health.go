package supervisor

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"mercator-hq/ganymede/pkg/control"
	"mercator-hq/ganymede/pkg/telemetry/health"
)

// startHealthChecks schedules periodic TCP probes of every configured
// backend. Probe verdicts turn into transient backend orders: they
// adjust worker routing immediately but are never persisted, so a
// restart starts from the configured membership and probes afresh.
func (s *Supervisor) startHealthChecks() {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.Health.Interval)
	if _, err := s.cron.AddFunc(spec, s.healthRound); err != nil {
		s.logger.Error("failed to schedule health checks", "error", err)
		return
	}
	s.cron.Start()
	s.logger.Info("health checks enabled",
		"interval", s.cfg.Health.Interval,
		"fall", s.cfg.Health.Fall,
		"rise", s.cfg.Health.Rise,
	)
}

// healthRound probes every backend once and applies any transitions.
func (s *Supervisor) healthRound() {
	s.mu.Lock()
	backends := s.topo.backendAddresses()
	s.mu.Unlock()

	ctx := context.Background()
	for cluster, addresses := range backends {
		for _, address := range addresses {
			err := s.checker.Probe(ctx, address)
			switch s.checker.Observe(address, err) {
			case health.TransitionDown:
				s.backendDown(cluster, address, err)
			case health.TransitionUp:
				s.backendUp(cluster, address)
			}
		}
	}
}

func (s *Supervisor) backendDown(cluster, address string, probeErr error) {
	s.logger.Warn("backend unhealthy, removing from rotation",
		"cluster", cluster,
		"backend", address,
		"error", probeErr,
	)
	s.collector.SetBackendUp(cluster, address, false)

	m := control.NewMessage(control.OrderRemoveBackend)
	m.Backend = &control.BackendSpec{Cluster: cluster, Address: address}
	if err := s.applyTransient(m); err != nil {
		s.logger.Warn("failed to eject backend", "backend", address, "error", err)
	}
}

func (s *Supervisor) backendUp(cluster, address string) {
	s.logger.Info("backend recovered, returning to rotation",
		"cluster", cluster,
		"backend", address,
	)
	s.collector.SetBackendUp(cluster, address, true)

	s.mu.Lock()
	weight := s.topo.backendWeight(cluster, address)
	s.mu.Unlock()

	m := control.NewMessage(control.OrderAddBackend)
	m.Backend = &control.BackendSpec{Cluster: cluster, Address: address, Weight: weight}
	if err := s.applyTransient(m); err != nil {
		s.logger.Warn("failed to restore backend", "backend", address, "error", err)
	}
}
