package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/multierr"

	"mercator-hq/ganymede/pkg/control"
)

// serveControlSocket opens the unix control socket and accepts client
// connections. Each connection carries a sequence of orders answered
// in place.
func (s *Supervisor) serveControlSocket() error {
	path := s.cfg.ControlSocket
	os.Remove(path)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("failed to listen on control socket %s: %w", path, err)
	}
	s.ctlLn = ln

	go func() {
		for {
			conn, err := ln.AcceptUnix()
			if err != nil {
				return
			}
			go s.handleControlConn(conn)
		}
	}()
	return nil
}

func (s *Supervisor) handleControlConn(conn *net.UnixConn) {
	ch := control.NewChannel(conn)
	defer ch.Close()

	for {
		m, err := ch.ReadMessage()
		if err != nil {
			return
		}

		a := s.submit(context.Background(), m)
		if err := ch.WriteAck(a); err != nil {
			return
		}

		if a.Status == control.StatusOK &&
			(m.Type == control.OrderSoftStop || m.Type == control.OrderHardStop) {
			s.requestStop(m.Type == control.OrderHardStop)
			return
		}
	}
}

// requestStop wakes Run out of its wait. A hard stop skips draining.
func (s *Supervisor) requestStop(hard bool) {
	s.mu.Lock()
	if hard {
		s.hardStop = true
	}
	stopping := s.stopping
	s.stopping = true
	s.mu.Unlock()

	if !stopping {
		close(s.done)
	}
}

// submit routes one order from a control client.
func (s *Supervisor) submit(ctx context.Context, m *control.Message) *control.Ack {
	if err := m.Validate(); err != nil {
		s.collector.OrderProcessed(string(m.Type), false)
		return control.AckError(m.ID, err.Error())
	}

	a := s.dispatch(ctx, m)
	s.collector.OrderProcessed(string(m.Type), a.Status == control.StatusOK)
	if a.Status == control.StatusError {
		s.logger.Warn("order rejected", "order_id", m.ID, "type", m.Type, "detail", a.Detail)
	} else {
		s.logger.Info("order applied", "order_id", m.ID, "type", m.Type)
	}
	return a
}

func (s *Supervisor) dispatch(ctx context.Context, m *control.Message) *control.Ack {
	switch m.Type {
	case control.OrderAddListener, control.OrderRemoveListener,
		control.OrderAddCluster, control.OrderRemoveCluster,
		control.OrderAddBackend, control.OrderRemoveBackend,
		control.OrderUpdateCertificate:
		if err := s.applyConfigOrder(ctx, m); err != nil {
			return control.AckError(m.ID, err.Error())
		}
		return control.AckOK(m.ID, "")

	case control.OrderStatus:
		return s.aggregateStatus(m.ID)

	case control.OrderMetrics:
		return s.aggregateMetrics(m.ID)

	case control.OrderDumpState:
		s.mu.Lock()
		dump := s.topo.dump()
		s.mu.Unlock()
		a, err := control.AckData(m.ID, dump)
		if err != nil {
			return control.AckError(m.ID, err.Error())
		}
		return a

	case control.OrderSoftStop, control.OrderHardStop:
		return control.AckOK(m.ID, "stopping")

	case control.OrderUpgradeWorker:
		if err := s.upgradeWorkers(); err != nil {
			return control.AckError(m.ID, err.Error())
		}
		return control.AckOK(m.ID, "workers rotated")

	default:
		return control.AckError(m.ID, fmt.Sprintf("order %s not applicable to the supervisor", m.Type))
	}
}

// applyConfigOrder applies one configuration order to every worker,
// then records it in the model and the state log. A rejection by any
// worker fails the order; the model and the log are only touched on
// full success.
func (s *Supervisor) applyConfigOrder(ctx context.Context, m *control.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return fmt.Errorf("supervisor is stopping")
	}

	switch m.Type {
	case control.OrderAddListener:
		if err := s.bindOrder(m); err != nil {
			return err
		}
		b := s.listeners[m.Listener.ID]
		for _, wp := range s.workers {
			if err := b.transferTo(wp); err != nil {
				b.close()
				delete(s.listeners, m.Listener.ID)
				return err
			}
		}

	case control.OrderRemoveListener:
		b, ok := s.listeners[m.ListenerID]
		if !ok {
			return fmt.Errorf("unknown listener %q", m.ListenerID)
		}
		if err := s.forwardLocked(m); err != nil {
			return err
		}
		b.close()
		delete(s.listeners, m.ListenerID)

	default:
		if err := s.forwardLocked(m); err != nil {
			return err
		}
	}

	if m.Type == control.OrderRemoveBackend {
		s.checker.Forget(m.Backend.Address)
	}

	s.topo.apply(m)
	if s.stateLog != nil {
		if err := s.stateLog.Append(ctx, m); err != nil {
			s.logger.Warn("failed to persist order", "order_id", m.ID, "error", err)
		}
	}
	return nil
}

// forwardLocked sends one order to every worker. Called with s.mu held.
func (s *Supervisor) forwardLocked(m *control.Message) error {
	var errs error
	for _, wp := range s.workers {
		errs = multierr.Append(errs, wp.apply(m))
	}
	return errs
}

// applyTransient forwards an order to workers without touching the
// model or the state log. Health transitions use this so a probe
// verdict never outlives the process that observed it.
func (s *Supervisor) applyTransient(m *control.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return fmt.Errorf("supervisor is stopping")
	}
	return s.forwardLocked(m)
}

func (s *Supervisor) snapshotWorkers() []*workerProc {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := make([]*workerProc, 0, len(s.workers))
	for _, wp := range s.workers {
		workers = append(workers, wp)
	}
	return workers
}

// aggregateStatus collects a status report from every worker.
func (s *Supervisor) aggregateStatus(id string) *control.Ack {
	var reports []control.StatusReport
	for _, wp := range s.snapshotWorkers() {
		m := control.NewMessage(control.OrderStatus)
		a, err := wp.request(m)
		if err != nil || a.Status != control.StatusOK {
			s.logger.Warn("worker status query failed", "worker_id", wp.id, "error", err)
			reports = append(reports, control.StatusReport{
				WorkerID: wp.id,
				PID:      wp.pid(),
				RunState: control.RunStateExited,
			})
			continue
		}
		var rep control.StatusReport
		if err := json.Unmarshal(a.Data, &rep); err != nil {
			s.logger.Warn("malformed status report", "worker_id", wp.id, "error", err)
			continue
		}
		reports = append(reports, rep)
	}

	a, err := control.AckData(id, reports)
	if err != nil {
		return control.AckError(id, err.Error())
	}
	return a
}

// aggregateMetrics collects a metrics report from every worker and
// mirrors it into the Prometheus gauges.
func (s *Supervisor) aggregateMetrics(id string) *control.Ack {
	reports := s.pollWorkerMetrics()
	a, err := control.AckData(id, reports)
	if err != nil {
		return control.AckError(id, err.Error())
	}
	return a
}

func (s *Supervisor) pollWorkerMetrics() []control.MetricsReport {
	var reports []control.MetricsReport
	for _, wp := range s.snapshotWorkers() {
		m := control.NewMessage(control.OrderMetrics)
		a, err := wp.request(m)
		if err != nil || a.Status != control.StatusOK {
			s.logger.Warn("worker metrics query failed", "worker_id", wp.id, "error", err)
			continue
		}
		var rep control.MetricsReport
		if err := json.Unmarshal(a.Data, &rep); err != nil {
			s.logger.Warn("malformed metrics report", "worker_id", wp.id, "error", err)
			continue
		}
		s.collector.ObserveWorkerReport(&rep)
		reports = append(reports, rep)
	}
	return reports
}

// upgradeWorkers rotates every worker: a replacement is spawned and
// brought up to the active configuration before its predecessor is
// drained. If the replacement cannot be prepared the predecessor keeps
// running.
func (s *Supervisor) upgradeWorkers() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is stopping")
	}
	s.mu.Unlock()

	old := s.snapshotWorkers()
	timeout := s.cfg.Proxy.DrainTimeout + 5*time.Second

	for _, wp := range old {
		replacement, err := s.startWorker()
		if err != nil {
			return fmt.Errorf("upgrade aborted, worker %d kept: %w", wp.id, err)
		}
		s.logger.Info("worker replaced",
			"old_worker_id", wp.id,
			"new_worker_id", replacement.id,
		)
		if err := wp.softStop(timeout); err != nil {
			s.logger.Warn("old worker drain failed", "worker_id", wp.id, "error", err)
		}
	}
	return nil
}

// serveMetrics starts the Prometheus endpoint. Worker gauges are
// refreshed on every scrape.
func (s *Supervisor) serveMetrics() {
	mcfg := s.cfg.Telemetry.Metrics
	mux := http.NewServeMux()
	mux.Handle(mcfg.Path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.pollWorkerMetrics()
		s.collector.Handler().ServeHTTP(w, r)
	}))

	s.metricsSrv = &http.Server{
		Addr:         mcfg.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		s.logger.Info("metrics endpoint listening", "address", mcfg.Address, "path", mcfg.Path)
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics endpoint failed", "error", err)
		}
	}()
}
