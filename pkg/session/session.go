package session

import (
	"time"

	"golang.org/x/sys/unix"

	"mercator-hq/ganymede/pkg/control"
	"mercator-hq/ganymede/pkg/parser/http1"
	"mercator-hq/ganymede/pkg/pool"
	"mercator-hq/ganymede/pkg/reactor"
	"mercator-hq/ganymede/pkg/routing"
)

// Session is one accepted client connection and its proxy state. All
// methods run on the loop goroutine.
type Session struct {
	env *Env
	cfg *ListenerConfig

	state State

	frontFD int
	backFD  int

	handle  pool.Handle
	toBack  *pool.Buffer // staged bytes toward the backend
	toFront *pool.Buffer // staged bytes toward the client (plaintext)

	reqParser  *http1.Parser
	respParser *http1.Parser

	clientAddr string
	proxyDone  bool // PROXY header consumed, or not expected

	// Routing context, pinned from head completion to cycle end.
	snap      *routing.Snapshot
	cluster   *routing.Cluster
	backend   *routing.Backend
	attempts  int
	exclude   []*routing.Backend
	pooled    bool
	backWrote bool // at least one request byte reached this backend conn

	// Current request/response cycle.
	method          string
	target          string
	proto           string
	fields          []http1.HeaderField
	routed          bool
	reqDone         bool
	respDone        bool
	respStarted     bool
	respStatus      int
	keepAliveClient bool
	keepAliveBack   bool
	backDirty       bool // backend sent bytes past the response end

	// pendingFront stashes pipelined bytes read past the current
	// request; they are replayed when the next cycle starts.
	pendingFront []byte

	// pendingPlain holds one decrypted record the staging buffer could
	// not take; the bridge stays blocked until it is consumed.
	pendingPlain []byte

	frontEOF        bool
	backEOF         bool
	frontReadPaused bool
	backReadPaused  bool
	frontInterest   reactor.Event
	backInterest    reactor.Event

	closeAfterFlush bool

	// TLS bridge state; nil for plain listeners.
	bridge *tlsBridge
	tlsOut []byte

	deadline time.Time
	started  time.Time
	bytesIn  int64
	bytesOut int64
}

// New builds a session around an accepted front descriptor, acquires
// its buffer slot and registers it with the loop. The descriptor must
// already be non-blocking. On error the caller still owns frontFD.
func New(env *Env, cfg *ListenerConfig, frontFD int, clientAddr string) (*Session, error) {
	h, err := env.Alloc.Acquire()
	if err != nil {
		return nil, err
	}
	toBack, toFront, err := env.Alloc.Buffers(h)
	if err != nil {
		env.Alloc.Release(h)
		return nil, err
	}

	s := &Session{
		env:        env,
		cfg:        cfg,
		frontFD:    frontFD,
		backFD:     -1,
		handle:     h,
		toBack:     toBack,
		toFront:    toFront,
		clientAddr: clientAddr,
		proxyDone:  !cfg.ExpectProxy,
		started:    env.now(),
	}
	s.deadline = s.started.Add(cfg.FrontTimeout)

	switch cfg.Protocol {
	case control.ProtocolHTTP:
		s.state = StateParsingFrontRequest
		s.initParsers()
	case control.ProtocolHTTPS:
		s.state = StateHandshaking
		s.initParsers()
		s.bridge = newTLSBridge(s, cfg.TLS)
	case control.ProtocolTCP:
		s.state = StateConnectingBackend
	}

	s.frontInterest = reactor.Readable
	if err := env.Loop.Register(frontFD, s.frontInterest, s.onFrontEvent); err != nil {
		if s.bridge != nil {
			s.bridge.stop()
		}
		env.Alloc.Release(h)
		return nil, err
	}

	env.metrics().SessionOpened(string(cfg.Protocol))

	// Raw TCP resolves its route immediately; there is nothing to parse.
	if cfg.Protocol == control.ProtocolTCP {
		s.startConnect()
	}
	return s, nil
}

func (s *Session) initParsers() {
	s.reqParser = http1.NewRequestParser(s.cfg.ParserLimits)
	s.respParser = http1.NewResponseParser(s.cfg.ParserLimits)
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// ClientAddr returns the effective client address, after any PROXY
// protocol rewrite.
func (s *Session) ClientAddr() string { return s.clientAddr }

// Handle returns the session's allocator slot handle.
func (s *Session) Handle() pool.Handle { return s.handle }

// onFrontEvent dispatches readiness on the client socket.
func (s *Session) onFrontEvent(fd int, ev reactor.Event) {
	if s.state == StateClosed {
		return
	}
	s.touch()
	if ev.Has(reactor.Errored) {
		s.teardown()
		return
	}
	if ev&reactor.Writable != 0 {
		s.flushFront()
		if s.state == StateClosed {
			return
		}
	}
	if ev&reactor.Readable != 0 {
		s.readFront()
	}
	if s.state != StateClosed {
		s.updateInterests()
	}
}

// onBackEvent dispatches readiness on the backend socket.
func (s *Session) onBackEvent(fd int, ev reactor.Event) {
	if s.state == StateClosed || fd != s.backFD {
		return
	}
	s.touch()
	if s.state == StateConnectingBackend {
		s.finishConnect(ev)
		return
	}
	if ev.Has(reactor.Errored) {
		s.backError()
		return
	}
	if ev&reactor.Writable != 0 {
		s.flushBack()
		if s.state == StateClosed {
			return
		}
	}
	if ev&reactor.Readable != 0 {
		s.readBack()
	}
	if s.state != StateClosed {
		s.updateInterests()
	}
}

func (s *Session) touch() {
	timeout := s.cfg.FrontTimeout
	if s.state == StateConnectingBackend || (s.routed && !s.respDone) {
		if s.cfg.BackTimeout > 0 {
			timeout = s.cfg.BackTimeout
		}
	}
	s.deadline = s.env.now().Add(timeout)
}

// Expired reports whether the session's deadline has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return s.state != StateClosed && now.After(s.deadline)
}

// OnTimeout forces an expired session toward closure. A session stuck
// waiting on a backend answers 504; anything else closes silently.
func (s *Session) OnTimeout() {
	switch s.state {
	case StateConnectingBackend, StateProxying:
		if !s.respStarted {
			s.failByProtocol(504)
			return
		}
	}
	s.teardown()
}

// Drain is the administrative cancel: finish nothing, flush what is
// already staged toward the client, then close.
func (s *Session) Drain() {
	if s.state == StateClosed {
		return
	}
	s.closeAfterFlush = true
	s.state = StateClosing
	s.closeBackend(false)
	if s.clientFlushed() {
		s.teardown()
		return
	}
	s.updateInterests()
}

// fail queues a synthetic response and closes after it flushes. If
// backend response bytes already reached the client the framing is
// unsalvageable and the session closes without answering.
func (s *Session) fail(status int) {
	if s.respStarted {
		s.teardown()
		return
	}
	var resp []byte
	switch status {
	case 400:
		resp = respBadRequest
	case 502:
		resp = respBadGateway
	case 504:
		resp = respGatewayTimeout
	default:
		resp = respServiceUnavailable
	}
	s.env.metrics().SyntheticResponse(status)
	s.queueToClient(resp)
	s.closeAfterFlush = true
	s.state = StateClosing
	s.closeBackend(false)
	s.flushFront()
	if s.state != StateClosed {
		s.updateInterests()
	}
}

// queueToClient stages plaintext toward the client, through the TLS
// bridge when one is present.
func (s *Session) queueToClient(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if s.bridge != nil {
		return s.bridge.tryWritePlain(data)
	}
	return s.toFront.Append(data) == len(data)
}

// clientFlushed reports whether every staged client-bound byte is on
// the wire.
func (s *Session) clientFlushed() bool {
	if s.bridge != nil {
		return len(s.tlsOut) == 0 && s.bridge.idle()
	}
	return s.toFront.Empty()
}

// flushFront writes staged client-bound bytes to the front socket.
func (s *Session) flushFront() {
	var data []byte
	if s.bridge != nil {
		data = s.tlsOut
	} else {
		data = s.toFront.Readable()
	}
	for len(data) > 0 {
		n, err := unix.Write(s.frontFD, data)
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			s.teardown()
			return
		}
		s.bytesOut += int64(n)
		if s.bridge != nil {
			s.tlsOut = s.tlsOut[n:]
			data = s.tlsOut
		} else {
			s.toFront.Consume(n)
			data = s.toFront.Readable()
		}
	}
	if s.bridge == nil {
		s.toFront.Compact()
	}

	if s.clientFlushed() {
		if s.closeAfterFlush {
			s.teardown()
			return
		}
		// Client-side space freed; the backend may resume.
		if s.backReadPaused {
			s.backReadPaused = false
		}
		s.maybeCompleteCycle()
	}
}

// completeCycle resets a keep-alive session for its next request, or
// closes it when either side declined keep-alive.
func (s *Session) maybeCompleteCycle() {
	if s.state != StateProxying || !s.reqDone || !s.respDone {
		return
	}
	if !s.toBack.Empty() || !s.clientFlushed() {
		return
	}

	s.env.metrics().RequestCompleted(s.clusterName(), s.respStatus)

	// Backend leg first: park for reuse or close.
	s.closeBackend(s.keepAliveBack && !s.backEOF && !s.backDirty)

	if !s.keepAliveClient || s.frontEOF {
		s.teardown()
		return
	}

	// Reset for the next request on the same front connection.
	s.state = StateParsingFrontRequest
	s.snap = nil
	s.cluster = nil
	s.exclude = nil
	s.attempts = 0
	s.fields = nil
	s.routed = false
	s.reqDone = false
	s.respDone = false
	s.respStarted = false
	s.respStatus = 0
	s.backDirty = false
	s.backEOF = false
	s.frontReadPaused = false
	s.touch()

	// Replay bytes the client pipelined past the previous request.
	if len(s.pendingFront) > 0 {
		stash := s.pendingFront
		s.pendingFront = nil
		s.parseFrontBytes(stash)
	}
	s.resumePlain()
}

// closeBackend releases the backend leg, parking the connection for
// reuse when park is set and the pool accepts it.
func (s *Session) closeBackend(park bool) {
	if s.backFD < 0 {
		return
	}
	fd := s.backFD
	s.backFD = -1
	s.env.Loop.Deregister(fd)
	if s.backend != nil {
		s.backend.ConnClosed()
	}
	if park && s.backend != nil && s.env.ConnPool != nil && s.env.ConnPool.Put(s.backend, fd) {
		s.backend = nil
		return
	}
	unix.Close(fd)
	s.backend = nil
}

// backError handles a hangup or error condition on the backend leg.
func (s *Session) backError() {
	if s.pooled && !s.respStarted {
		// A parked connection died while idle; retry transparently.
		s.retryAfterPooledFailure()
		return
	}
	if !s.respStarted {
		s.fail(502)
		return
	}
	// Mid-response loss: forward what we have, then close.
	s.backEOF = true
	s.closeBackend(false)
	s.closeAfterFlush = true
	s.state = StateClosing
	if s.clientFlushed() {
		s.teardown()
		return
	}
	s.updateInterests()
}

func (s *Session) clusterName() string {
	if s.cluster != nil {
		return s.cluster.Name
	}
	return s.cfg.Cluster
}

// updateInterests recomputes and applies both descriptors' interest
// sets from session state.
func (s *Session) updateInterests() {
	var front reactor.Event
	if !s.frontEOF && s.wantFrontRead() {
		front |= reactor.Readable
	}
	if s.bridge != nil {
		if len(s.tlsOut) > 0 {
			front |= reactor.Writable
		}
	} else if !s.toFront.Empty() {
		front |= reactor.Writable
	}
	if front != s.frontInterest {
		s.frontInterest = front
		s.env.Loop.Modify(s.frontFD, front)
	}

	if s.backFD < 0 {
		return
	}
	var back reactor.Event
	if s.state == StateConnectingBackend {
		back = reactor.Writable
	} else {
		if !s.backEOF && !s.respDone && !s.backReadPaused {
			back |= reactor.Readable
		}
		if !s.toBack.Empty() {
			back |= reactor.Writable
		}
	}
	if back != s.backInterest {
		s.backInterest = back
		s.env.Loop.Modify(s.backFD, back)
	}
}

func (s *Session) wantFrontRead() bool {
	switch s.state {
	case StateHandshaking:
		return true
	case StateParsingFrontRequest, StateConnectingBackend, StateProxying:
		if s.frontReadPaused {
			return false
		}
		// After the request completes, later bytes belong to the next
		// cycle; hold them in the kernel until the response finishes.
		return !s.reqDone
	}
	return false
}

// teardown closes both descriptors, stops the bridge and releases the
// slot. Idempotent.
func (s *Session) teardown() {
	if s.state == StateClosed {
		return
	}
	prev := s.state
	s.state = StateClosed

	s.env.Loop.Deregister(s.frontFD)
	unix.Close(s.frontFD)
	s.closeBackend(false)
	if s.bridge != nil {
		s.bridge.stop()
	}
	if err := s.env.Alloc.Release(s.handle); err != nil {
		s.env.logger().Error("session slot double-release",
			"handle", s.handle.String(),
			"state", prev.String(),
			"error", err,
		)
	}
	s.env.metrics().SessionClosed(string(s.cfg.Protocol), s.bytesIn, s.bytesOut, s.env.now().Sub(s.started))
	if s.env.OnClosed != nil {
		s.env.OnClosed(s)
	}
}
