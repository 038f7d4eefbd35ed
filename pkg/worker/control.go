package worker

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"mercator-hq/ganymede/pkg/control"
	"mercator-hq/ganymede/pkg/reactor"
	"mercator-hq/ganymede/pkg/routing"
)

// onControlEvent services the supervisor channel. Orders are applied
// strictly in arrival order; each one is acknowledged before the next
// is looked at.
func (w *Worker) onControlEvent(fd int, ev reactor.Event) {
	if ev.Has(reactor.Writable) {
		w.flushControl()
	}
	if ev.Has(reactor.Errored) {
		w.logger.Error("control channel error, stopping")
		w.hardStop()
		return
	}
	if !ev.Has(reactor.Readable) {
		return
	}

	for {
		n, fds, err := control.ReadWithFDs(w.ctlFD, w.ctlBuf)
		if len(fds) > 0 {
			w.pendingFDs = append(w.pendingFDs, fds...)
		}
		if n > 0 {
			w.dec.Feed(w.ctlBuf[:n])
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			w.logger.Error("control read failed", "error", err)
			w.hardStop()
			return
		}
		if n == 0 {
			// Supervisor side closed. Without a control plane the
			// worker cannot be managed, so it stops hard.
			w.logger.Warn("control channel closed, stopping")
			w.hardStop()
			return
		}
	}

	for {
		m, err := w.dec.NextMessage()
		if err != nil {
			// The stream cannot be resynchronized past a framing error.
			w.logger.Error("control stream broken", "error", err)
			w.hardStop()
			return
		}
		if m == nil {
			return
		}
		w.apply(m)
		if w.runState == control.RunStateExited {
			return
		}
	}
}

// takeFD pops the oldest descriptor received over the channel.
func (w *Worker) takeFD() int {
	if len(w.pendingFDs) == 0 {
		return -1
	}
	fd := w.pendingFDs[0]
	w.pendingFDs = w.pendingFDs[1:]
	return fd
}

// sendAck queues one acknowledgement frame and attempts to flush it.
func (w *Worker) sendAck(a *control.Ack) {
	out, err := control.AppendFrame(w.ctlOut, a)
	if err != nil {
		w.logger.Error("failed to encode ack", "id", a.ID, "error", err)
		return
	}
	w.ctlOut = out
	w.flushControl()
}

// flushControl writes queued acks; leftover bytes arm write interest.
func (w *Worker) flushControl() {
	for len(w.ctlOut) > 0 {
		n, err := unix.Write(w.ctlFD, w.ctlOut)
		if n > 0 {
			w.ctlOut = w.ctlOut[n:]
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			w.logger.Error("control write failed", "error", err)
			w.ctlOut = nil
			break
		}
	}

	want := reactor.Event(reactor.Readable)
	if len(w.ctlOut) > 0 {
		want |= reactor.Writable
	}
	if want != w.ctlInterest {
		w.ctlInterest = want
		w.loop.Modify(w.ctlFD, want)
	}
}

// apply executes one order and acknowledges it. Failed orders leave
// the active configuration untouched.
func (w *Worker) apply(m *control.Message) {
	if err := m.Validate(); err != nil {
		w.sendAck(control.AckError(m.ID, err.Error()))
		return
	}

	var err error
	switch m.Type {
	case control.OrderAddListener:
		err = w.addListener(m.Listener, -1)

	case control.OrderTransferListener:
		fd := w.takeFD()
		if fd < 0 {
			err = fmt.Errorf("transfer_listener %q: no descriptor attached", m.Listener.ID)
			break
		}
		err = w.addListener(m.Listener, fd)

	case control.OrderRemoveListener:
		err = w.removeListener(m.ListenerID)

	case control.OrderAddCluster:
		err = w.applyAddCluster(m.Cluster)

	case control.OrderRemoveCluster:
		err = w.applyRemoveCluster(m.Cluster.Name)

	case control.OrderAddBackend:
		err = w.applyAddBackend(m.Backend)

	case control.OrderRemoveBackend:
		err = w.applyRemoveBackend(m.Backend)

	case control.OrderUpdateCertificate:
		err = w.certs.Update(m.Certificate.Listener, m.Certificate.CertPEM, m.Certificate.KeyPEM)

	case control.OrderSoftStop:
		w.beginDrain(m.ID)
		return

	case control.OrderHardStop:
		w.sendAck(control.AckOK(m.ID, "stopping"))
		w.hardStop()
		return

	case control.OrderStatus:
		w.sendDataAck(m.ID, w.statusReport())
		return

	case control.OrderMetrics:
		w.sendDataAck(m.ID, w.metricsReport())
		return

	case control.OrderDumpState:
		w.sendDataAck(m.ID, w.configDump())
		return

	default:
		err = fmt.Errorf("order %s not applicable to a worker", m.Type)
	}

	if err != nil {
		w.logger.Warn("order rejected", "id", m.ID, "type", string(m.Type), "error", err)
		w.sendAck(control.AckError(m.ID, err.Error()))
		return
	}
	w.sendAck(control.AckOK(m.ID, ""))
}

func (w *Worker) sendDataAck(id string, v any) {
	a, err := control.AckData(id, v)
	if err != nil {
		w.sendAck(control.AckError(id, err.Error()))
		return
	}
	w.sendAck(a)
}

// beginDrain starts a soft stop: accepting ends now, sessions finish,
// a final ack follows once the worker is empty.
func (w *Worker) beginDrain(ackID string) {
	if w.runState != control.RunStateRunning {
		w.sendAck(control.AckError(ackID, "already "+string(w.runState)))
		return
	}
	w.runState = control.RunStateDraining
	w.drainAckID = ackID
	w.drainDeadline = time.Now().Add(w.opts.DrainTimeout)

	for id := range w.listeners {
		w.dropListener(id)
	}
	w.sendAck(control.AckProcessing(ackID, fmt.Sprintf("draining %d sessions", len(w.sessions))))
	w.checkDrained()
}

func (w *Worker) applyAddCluster(spec *control.ClusterSpec) error {
	policy := routing.Policy(spec.Policy)
	if spec.Policy == "" {
		policy = routing.PolicyRoundRobin
	}
	next, err := w.snap.WithCluster(&routing.Cluster{
		Name:       spec.Name,
		Policy:     policy,
		StickyKey:  spec.StickyKey,
		MaxRetries: spec.MaxRetries,
	})
	if err != nil {
		return err
	}
	w.snap = next
	return nil
}

func (w *Worker) applyRemoveCluster(name string) error {
	c, ok := w.snap.Cluster(name)
	if !ok {
		return fmt.Errorf("unknown cluster %q", name)
	}
	next, err := w.snap.WithoutCluster(name)
	if err != nil {
		return err
	}
	for _, b := range c.Backends {
		for _, fd := range w.connPool.DrainBackend(b.Address) {
			unix.Close(fd)
		}
	}
	w.snap = next
	return nil
}

func (w *Worker) applyAddBackend(spec *control.BackendSpec) error {
	next, err := w.snap.WithBackend(spec.Cluster, spec.Address, spec.Weight)
	if err != nil {
		return err
	}
	w.snap = next
	return nil
}

func (w *Worker) applyRemoveBackend(spec *control.BackendSpec) error {
	next, err := w.snap.WithoutBackend(spec.Cluster, spec.Address)
	if err != nil {
		return err
	}
	for _, fd := range w.connPool.DrainBackend(spec.Address) {
		unix.Close(fd)
	}
	w.snap = next
	return nil
}
