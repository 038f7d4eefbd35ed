package worker

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"mercator-hq/ganymede/pkg/control"
	"mercator-hq/ganymede/pkg/reactor"
	"mercator-hq/ganymede/pkg/session"
)

const listenBacklog = 1024

// listener is one accepting socket and the session config it stamps
// onto accepted connections.
type listener struct {
	spec   control.ListenerSpec
	fd     int
	cfg    *session.ListenerConfig
	paused bool
}

// addListener installs a listener. A non-negative fd was received over
// the control channel and is adopted as-is; fd < 0 makes the worker
// bind the address itself.
func (w *Worker) addListener(spec *control.ListenerSpec, fd int) error {
	if _, exists := w.listeners[spec.ID]; exists {
		if fd >= 0 {
			unix.Close(fd)
		}
		return fmt.Errorf("listener %q already exists", spec.ID)
	}

	if fd < 0 {
		bound, err := bindListener(spec.Address)
		if err != nil {
			return err
		}
		fd = bound
	} else if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to set listener non-blocking: %w", err)
	}

	cfg := &session.ListenerConfig{
		ID:           spec.ID,
		Protocol:     spec.Protocol,
		Cluster:      spec.Cluster,
		PublicAddr:   spec.PublicAddress,
		ExpectProxy:  spec.ExpectProxy,
		ParserLimits: w.opts.ParserLimits,
		FrontTimeout: w.opts.FrontTimeout,
		BackTimeout:  w.opts.BackTimeout,
		MaxRetries:   w.opts.MaxRetries,
	}
	if spec.Protocol == control.ProtocolHTTPS {
		// Resolution happens per handshake, so a certificate updated
		// later is picked up without touching the listener.
		cfg.TLS = w.certs.ServerConfig(spec.ID)
	}

	l := &listener{spec: *spec, fd: fd, cfg: cfg}
	if err := w.loop.Register(fd, reactor.Readable, func(int, reactor.Event) {
		w.onAccept(l)
	}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to register listener: %w", err)
	}
	w.listeners[spec.ID] = l
	w.logger.Info("listener active",
		"listener", spec.ID,
		"protocol", string(spec.Protocol),
		"address", spec.Address,
		"cluster", spec.Cluster,
	)
	return nil
}

// removeListener closes an accepting socket. Established sessions are
// unaffected.
func (w *Worker) removeListener(id string) error {
	if _, ok := w.listeners[id]; !ok {
		return fmt.Errorf("unknown listener %q", id)
	}
	w.dropListener(id)
	w.logger.Info("listener removed", "listener", id)
	return nil
}

func (w *Worker) dropListener(id string) {
	l := w.listeners[id]
	w.loop.Deregister(l.fd)
	unix.Close(l.fd)
	delete(w.listeners, id)
}

// onAccept drains the accept queue for one listener. Accepting stops
// while the session slab is full and resumes when a slot frees.
func (w *Worker) onAccept(l *listener) {
	for {
		if w.alloc.InUse() >= w.alloc.Capacity() {
			w.pauseListeners()
			return
		}
		nfd, sa, err := unix.Accept(l.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			w.logger.Error("accept failed", "listener", l.spec.ID, "error", err)
			return
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		unix.CloseOnExec(nfd)

		s, err := session.New(w.env, l.cfg, nfd, sockaddrString(sa))
		if err != nil {
			unix.Close(nfd)
			w.logger.Warn("session rejected", "listener", l.spec.ID, "error", err)
			continue
		}
		w.sessions[s] = struct{}{}
	}
}

// pauseListeners drops accept interest everywhere while the slab is
// full.
func (w *Worker) pauseListeners() {
	for _, l := range w.listeners {
		if !l.paused {
			w.loop.Modify(l.fd, 0)
			l.paused = true
		}
	}
}

// resumeListeners re-arms accept interest once capacity is available.
func (w *Worker) resumeListeners() {
	if w.alloc.InUse() >= w.alloc.Capacity() {
		return
	}
	for _, l := range w.listeners {
		if l.paused {
			w.loop.Modify(l.fd, reactor.Readable)
			l.paused = false
		}
	}
}

// bindListener opens a non-blocking listening socket on addr.
func bindListener(addr string) (int, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return -1, fmt.Errorf("invalid listener address %q: %w", addr, err)
	}

	family := unix.AF_INET6
	var sa unix.Sockaddr
	if ip := ap.Addr().Unmap(); ip.Is4() {
		family = unix.AF_INET
		sa4 := &unix.SockaddrInet4{Port: int(ap.Port())}
		sa4.Addr = ip.As4()
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: int(ap.Port())}
		sa6.Addr = ip.As16()
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("failed to create listener socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to set listener non-blocking: %w", err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// sockaddrString formats an accepted peer address as host:port.
func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrUnix:
		return a.Name
	}
	return "unknown"
}
