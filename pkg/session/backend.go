package session

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"mercator-hq/ganymede/pkg/control"
	"mercator-hq/ganymede/pkg/parser/http1"
	"mercator-hq/ganymede/pkg/reactor"
	"mercator-hq/ganymede/pkg/routing"
)

// startConnect picks a backend and opens (or reuses) a connection to
// it. Failed picks retry against the rest of the cluster up to the
// bounded attempt count.
func (s *Session) startConnect() {
	s.state = StateConnectingBackend

	if s.cluster == nil {
		// Raw TCP sessions resolve their route here; HTTP resolved at
		// head completion.
		s.snap = s.env.Snapshot()
		cluster, ok := s.snap.Cluster(s.cfg.Cluster)
		if !ok {
			s.failByProtocol(503)
			return
		}
		s.cluster = cluster
	}

	for {
		if s.attempts >= s.cfg.maxRetries(s.cluster) {
			s.env.metrics().BackendConnectFailed(s.cluster.Name)
			s.failByProtocol(503)
			return
		}
		s.attempts++

		backend, err := s.env.Balancer.Pick(s.cluster, s.stickyValue(), s.exclude)
		if err != nil {
			s.env.logger().Warn("no backend available",
				"cluster", s.cluster.Name,
				"error", err,
			)
			s.env.metrics().BackendConnectFailed(s.cluster.Name)
			s.failByProtocol(503)
			return
		}

		if s.env.ConnPool != nil {
			if fd, ok := s.env.ConnPool.Get(backend); ok {
				if s.adoptBackend(backend, fd, true) {
					return
				}
				continue
			}
		}

		fd, pending, err := dialNonBlocking(backend.Address)
		if err != nil {
			s.connectFailed(backend, err)
			continue
		}
		if !s.adoptBackend(backend, fd, false) {
			continue
		}
		if pending {
			return // finishConnect fires on writability
		}
		s.connected()
		return
	}
}

// adoptBackend registers a backend descriptor with the loop. Pooled
// connections are already established and go straight to proxying.
func (s *Session) adoptBackend(backend *routing.Backend, fd int, pooled bool) bool {
	interest := reactor.Event(reactor.Writable)
	if err := s.env.Loop.Register(fd, interest, s.onBackEvent); err != nil {
		unix.Close(fd)
		s.env.logger().Error("backend register failed",
			"backend", backend.Address,
			"error", err,
		)
		return false
	}
	s.backFD = fd
	s.backInterest = interest
	s.backend = backend
	s.pooled = pooled
	s.backWrote = false
	backend.ConnOpened()
	if pooled {
		s.connected()
	}
	return true
}

// connected transitions to proxying and pushes any staged request
// bytes.
func (s *Session) connected() {
	s.state = StateProxying
	s.env.metrics().BackendConnected(s.cluster.Name, s.pooled)
	s.touch()
	s.flushBack()
	if s.state != StateClosed {
		s.updateInterests()
	}
}

// finishConnect resolves a pending non-blocking connect once the
// descriptor reports writable or errored.
func (s *Session) finishConnect(ev reactor.Event) {
	soerr, err := unix.GetsockoptInt(s.backFD, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soerr == 0 && !ev.Has(reactor.Errored) {
		s.connected()
		return
	}

	backend := s.backend
	s.closeBackend(false)
	var cause error
	if err != nil {
		cause = err
	} else {
		cause = unix.Errno(soerr)
	}
	s.connectFailed(backend, cause)
	if s.state != StateClosed && s.state != StateClosing {
		s.startConnect()
	}
}

// connectFailed marks the backend unhealthy and excludes it from the
// remaining attempts of this request.
func (s *Session) connectFailed(backend *routing.Backend, err error) {
	s.env.logger().Warn("backend connect failed",
		"cluster", s.cluster.Name,
		"backend", backend.Address,
		"error", err,
	)
	s.env.metrics().BackendConnectFailed(s.cluster.Name)
	backend.SetStatus(routing.Unhealthy)
	if s.env.ConnPool != nil {
		for _, fd := range s.env.ConnPool.DrainBackend(backend.Address) {
			unix.Close(fd)
		}
	}
	s.exclude = append(s.exclude, backend)
}

// retryAfterPooledFailure discards a pooled connection that died while
// parked and dials the same backend fresh, transparently to the
// client. Only safe while no request byte reached the backend.
func (s *Session) retryAfterPooledFailure() {
	backend := s.backend
	s.closeBackend(false)
	s.pooled = false
	s.state = StateConnectingBackend

	fd, pending, err := dialNonBlocking(backend.Address)
	if err != nil {
		s.connectFailed(backend, err)
		s.startConnect()
		return
	}
	if !s.adoptBackend(backend, fd, false) {
		s.startConnect()
		return
	}
	if !pending {
		s.connected()
	}
}

// flushBack writes staged request bytes to the backend.
func (s *Session) flushBack() {
	if s.backFD < 0 || s.state != StateProxying {
		return
	}
	for !s.toBack.Empty() {
		n, err := unix.Write(s.backFD, s.toBack.Readable())
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			if s.pooled && !s.backWrote {
				s.retryAfterPooledFailure()
				return
			}
			s.backError()
			return
		}
		if n > 0 {
			s.backWrote = true
		}
		s.toBack.Consume(n)
	}
	s.toBack.Compact()

	if s.toBack.Empty() {
		// Space freed toward the backend; the client may resume.
		if s.frontReadPaused {
			s.frontReadPaused = false
		}
		s.resumePlain()
		if s.cfg.Protocol == control.ProtocolTCP && s.frontEOF {
			unix.Shutdown(s.backFD, unix.SHUT_WR)
		}
	}
	s.maybeCompleteCycle()
}

// backReadBudget bounds backend reads by client-side buffer space.
func (s *Session) backReadBudget() int {
	if s.bridge != nil {
		if !s.bridge.canWrite() {
			return 0
		}
		return len(s.env.Scratch)
	}
	return min(len(s.env.Scratch), s.toFront.Cap()-s.toFront.Len())
}

// readBack performs one non-blocking read on the backend socket and
// forwards the bytes.
func (s *Session) readBack() {
	if s.backFD < 0 {
		return
	}
	budget := s.backReadBudget()
	if budget <= 0 {
		s.backReadPaused = true
		return
	}
	buf := s.env.Scratch[:budget]

	n, err := unix.Read(s.backFD, buf)
	if err == unix.EAGAIN {
		return
	}
	if err != nil {
		s.backError()
		return
	}
	if n == 0 {
		s.backClosed()
		return
	}

	if s.cfg.Protocol == control.ProtocolTCP {
		s.queueToClient(buf[:n])
		s.flushFront()
		return
	}
	s.forwardResponseBytes(buf[:n])
}

// backClosed handles the backend's EOF.
func (s *Session) backClosed() {
	s.backEOF = true

	if s.cfg.Protocol == control.ProtocolTCP {
		s.closeBackend(false)
		if s.frontEOF {
			s.teardown()
			return
		}
		// Half-close toward the client once its direction drains.
		s.closeAfterFlush = true
		s.state = StateClosing
		if s.clientFlushed() {
			s.teardown()
			return
		}
		s.updateInterests()
		return
	}

	el, err := s.respParser.Eof()
	if err != nil {
		// Truncated mid-response.
		if !s.respStarted {
			s.fail(502)
			return
		}
		s.closeBackend(false)
		s.closeAfterFlush = true
		s.state = StateClosing
		if s.clientFlushed() {
			s.teardown()
			return
		}
		s.updateInterests()
		return
	}
	if el.Kind == http1.KindBodyEnd {
		// Close-delimited body completed.
		s.respDone = true
		s.keepAliveBack = false
		s.maybeCompleteCycle()
		if s.state != StateClosed {
			s.updateInterests()
		}
		return
	}
	// EOF between messages; nothing outstanding.
	s.closeBackend(false)
	s.updateInterests()
}

// forwardResponseBytes relays backend bytes to the client byte-exact,
// consulting the response parser only for framing so the session knows
// where the message ends.
func (s *Session) forwardResponseBytes(data []byte) {
	off := 0
	for off < len(data) && !s.respDone {
		consumed, el, err := s.respParser.Feed(data[off:])
		if err != nil {
			s.env.logger().Warn("malformed backend response",
				"cluster", s.clusterName(),
				"error", err,
			)
			s.fail(502)
			return
		}
		if consumed > 0 {
			if !s.queueToClient(data[off : off+consumed]) {
				// Client-side buffer full mid-element; the budget is
				// supposed to prevent this.
				s.backReadPaused = true
			}
			off += consumed
		}

		switch el.Kind {
		case http1.KindNeedMore:
			if consumed == 0 {
				off = len(data)
			}
		case http1.KindStatusLine:
			s.respStarted = true
			s.respStatus = el.Status
		case http1.KindBodyEnd:
			s.respDone = true
			s.keepAliveBack = s.respParser.KeepAlive()
		}
	}

	// A normally-complete Feed pass can still owe a zero-input call
	// for a bodyless message's end.
	if !s.respDone && off == len(data) {
		if _, el, err := s.respParser.Feed(nil); err == nil && el.Kind == http1.KindBodyEnd {
			s.respDone = true
			s.keepAliveBack = s.respParser.KeepAlive()
		}
	}

	if s.respDone && off < len(data) {
		// Bytes past the response end make the connection unsafe to
		// pool.
		s.backDirty = true
	}

	s.flushFront()
	if s.state != StateClosed {
		s.maybeCompleteCycle()
	}
}

// failByProtocol answers HTTP clients with a synthetic response; raw
// TCP has no vocabulary for errors and just closes.
func (s *Session) failByProtocol(status int) {
	if s.cfg.Protocol == control.ProtocolTCP {
		s.teardown()
		return
	}
	s.fail(status)
}

// dialNonBlocking opens a non-blocking TCP connect to a literal
// ip:port address. pending reports an in-progress connect that
// completes via writability.
func dialNonBlocking(address string) (fd int, pending bool, err error) {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return -1, false, fmt.Errorf("backend address %q is not ip:port: %w", address, err)
	}

	var (
		domain int
		sa     unix.Sockaddr
	)
	if ap.Addr().Unmap().Is4() {
		sa4 := &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().Unmap().As4()}
		domain, sa = unix.AF_INET, sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
		domain, sa = unix.AF_INET6, sa6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, false, err
	}
	unix.CloseOnExec(fd)

	switch err := unix.Connect(fd, sa); err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS:
		return fd, true, nil
	default:
		unix.Close(fd)
		return -1, false, err
	}
}
