package session

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"mercator-hq/ganymede/pkg/control"
	"mercator-hq/ganymede/pkg/parser/http1"
	"mercator-hq/ganymede/pkg/pool"
	"mercator-hq/ganymede/pkg/reactor"
	"mercator-hq/ganymede/pkg/routing"
	"mercator-hq/ganymede/pkg/routing/strategies"
)

// fakeLoop satisfies reactor.Loop for single-goroutine tests. Events
// are delivered by calling fire directly; Defer and Wake queues run
// when pump is called.
type fakeLoop struct {
	mu        sync.Mutex
	handlers  map[int]reactor.Handler
	interests map[int]reactor.Event
	queued    []func()
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{
		handlers:  make(map[int]reactor.Handler),
		interests: make(map[int]reactor.Event),
	}
}

func (l *fakeLoop) Register(fd int, interest reactor.Event, h reactor.Handler) error {
	l.handlers[fd] = h
	l.interests[fd] = interest
	return nil
}

func (l *fakeLoop) Modify(fd int, interest reactor.Event) error {
	if _, ok := l.handlers[fd]; !ok {
		return reactor.ErrNotRegistered
	}
	l.interests[fd] = interest
	return nil
}

func (l *fakeLoop) Deregister(fd int) error {
	delete(l.handlers, fd)
	delete(l.interests, fd)
	return nil
}

func (l *fakeLoop) AddTicker(every time.Duration, fn func()) {}

func (l *fakeLoop) Defer(fn func()) { l.queued = append(l.queued, fn) }

func (l *fakeLoop) Wake(fn func()) {
	l.mu.Lock()
	l.queued = append(l.queued, fn)
	l.mu.Unlock()
}

func (l *fakeLoop) Run() error { return nil }
func (l *fakeLoop) Shutdown()  {}
func (l *fakeLoop) Close() error {
	return nil
}

// pump runs queued Defer/Wake callbacks until the queue is empty.
func (l *fakeLoop) pump() {
	for {
		l.mu.Lock()
		if len(l.queued) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queued[0]
		l.queued = l.queued[1:]
		l.mu.Unlock()
		fn()
	}
}

// fire delivers an event to a registered descriptor's handler.
func (l *fakeLoop) fire(fd int, ev reactor.Event) {
	if h, ok := l.handlers[fd]; ok {
		h(fd, ev)
	}
	l.pump()
}

// otherFD finds the one registered descriptor that is not front.
func (l *fakeLoop) otherFD(front int) (int, bool) {
	for fd := range l.handlers {
		if fd != front {
			return fd, true
		}
	}
	return -1, false
}

type testEnv struct {
	loop  *fakeLoop
	env   *Env
	snap  *routing.Snapshot
	alloc *pool.Allocator
}

func newTestEnv(t *testing.T, backends ...string) *testEnv {
	t.Helper()
	alloc, err := pool.NewAllocator(8, 32*1024)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	snap := routing.NewSnapshot()
	snap, err = snap.WithCluster(&routing.Cluster{Name: "app", Policy: routing.PolicyRoundRobin})
	if err != nil {
		t.Fatalf("WithCluster: %v", err)
	}
	for _, addr := range backends {
		snap, err = snap.WithBackend("app", addr, 1)
		if err != nil {
			t.Fatalf("WithBackend: %v", err)
		}
	}

	te := &testEnv{loop: newFakeLoop(), snap: snap, alloc: alloc}
	te.env = &Env{
		Loop:     te.loop,
		Alloc:    alloc,
		Balancer: routing.NewBalancer(strategies.DefaultSet()),
		ConnPool: routing.NewConnPool(4),
		Snapshot: func() *routing.Snapshot { return te.snap },
		Scratch:  make([]byte, 16*1024),
	}
	return te
}

func httpListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		ID:           "web",
		Protocol:     control.ProtocolHTTP,
		Cluster:      "app",
		ParserLimits: http1.DefaultLimits,
		FrontTimeout: time.Minute,
		BackTimeout:  time.Minute,
	}
}

// frontPair returns a connected socketpair: test side as *os.File-like
// fd, session side non-blocking.
func frontPair(t *testing.T) (testFD, sessionFD int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
	})
	return fds[0], fds[1]
}

func writeAll(t *testing.T, fd int, data []byte) {
	t.Helper()
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		data = data[n:]
	}
}

// readAvailable drains whatever the session has written to the test
// side, retrying briefly to ride out scheduling.
func readAvailable(t *testing.T, fd int) []byte {
	t.Helper()
	unix.SetNonblock(fd, true)
	var out []byte
	deadline := time.Now().Add(time.Second)
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			continue
		}
		if err == unix.EAGAIN {
			if len(out) > 0 {
				return out
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return out
	}
	return out
}

// testBackend serves canned HTTP responses on a real listener so the
// session's non-blocking connect path is exercised end to end.
func testBackend(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 8192)
				var req []byte
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					req = append(req, buf[:n]...)
					if bytes.Contains(req, []byte("\r\n\r\n")) {
						if _, err := c.Write([]byte(response)); err != nil {
							return
						}
						req = nil
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// completeConnect pushes a pending backend connect through its
// writable event.
func completeConnect(t *testing.T, te *testEnv, frontFD int) int {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if backFD, ok := te.loop.otherFD(frontFD); ok {
			time.Sleep(10 * time.Millisecond) // let the TCP handshake land
			te.loop.fire(backFD, reactor.Writable)
			return backFD
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no backend descriptor was registered")
	return -1
}

func TestHTTPRoundTripKeepAlive(t *testing.T) {
	const backendResponse = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"
	addr := testBackend(t, backendResponse)
	te := newTestEnv(t, addr)

	clientFD, frontFD := frontPair(t)
	s, err := New(te.env, httpListenerConfig(), frontFD, "10.1.2.3:5555")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.State() != StateParsingFrontRequest {
		t.Fatalf("initial state = %s", s.State())
	}

	writeAll(t, clientFD, []byte("GET /x HTTP/1.1\r\nHost: a\r\n\r\n"))
	te.loop.fire(frontFD, reactor.Readable)

	backFD := completeConnect(t, te, frontFD)
	if s.State() != StateProxying {
		t.Fatalf("state after connect = %s", s.State())
	}

	// Let the backend answer, then deliver readability.
	time.Sleep(50 * time.Millisecond)
	te.loop.fire(backFD, reactor.Readable)

	got := readAvailable(t, clientFD)
	if string(got) != backendResponse {
		t.Fatalf("client received %q, want byte-exact %q", got, backendResponse)
	}

	// Keep-alive: the session is parsing again and the backend
	// connection was parked for reuse.
	if s.State() != StateParsingFrontRequest {
		t.Errorf("state after cycle = %s, want parsing-front-request", s.State())
	}
	if te.env.ConnPool.Idle() != 1 {
		t.Errorf("idle pooled connections = %d, want 1", te.env.ConnPool.Idle())
	}

	// Second request reuses the pooled connection.
	writeAll(t, clientFD, []byte("GET /y HTTP/1.1\r\nHost: a\r\n\r\n"))
	te.loop.fire(frontFD, reactor.Readable)
	if s.State() != StateProxying {
		t.Fatalf("state after pooled pick = %s", s.State())
	}
	if te.env.ConnPool.Reuses() != 1 {
		t.Errorf("pool reuses = %d, want 1", te.env.ConnPool.Reuses())
	}
	backFD2, ok := te.loop.otherFD(frontFD)
	if !ok {
		t.Fatal("no backend descriptor after reuse")
	}
	time.Sleep(50 * time.Millisecond)
	te.loop.fire(backFD2, reactor.Readable)
	if got := readAvailable(t, clientFD); string(got) != backendResponse {
		t.Fatalf("second response %q, want %q", got, backendResponse)
	}

	// Client EOF between requests closes cleanly and frees the slot.
	unix.Shutdown(clientFD, unix.SHUT_WR)
	te.loop.fire(frontFD, reactor.Readable)
	if s.State() != StateClosed {
		t.Errorf("state after client EOF = %s, want closed", s.State())
	}
	if te.alloc.InUse() != 0 {
		t.Errorf("slots in use after close = %d, want 0", te.alloc.InUse())
	}
}

func TestForwardedForAppended(t *testing.T) {
	te := newTestEnv(t)

	// Capture what the backend receives.
	reqCh := make(chan []byte, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 8192)
		var req []byte
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			req = append(req, buf[:n]...)
			if bytes.Contains(req, []byte("\r\n\r\n")) {
				reqCh <- req
				conn.Write([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
				return
			}
		}
	}()
	te.snap = mustSnapshot(t, "app", ln.Addr().String())

	clientFD, frontFD := frontPair(t)
	if _, err := New(te.env, httpListenerConfig(), frontFD, "10.1.2.3:5555"); err != nil {
		t.Fatalf("New: %v", err)
	}

	writeAll(t, clientFD, []byte("GET / HTTP/1.1\r\nHost: a\r\nX-Forwarded-For: 10.0.0.9\r\n\r\n"))
	te.loop.fire(frontFD, reactor.Readable)
	completeConnect(t, te, frontFD)

	select {
	case req := <-reqCh:
		head := string(req)
		if !strings.Contains(head, "X-Forwarded-For: 10.0.0.9, 10.1.2.3\r\n") {
			t.Errorf("forwarded-for not extended:\n%s", head)
		}
		if !strings.Contains(head, "Connection: keep-alive\r\n") {
			t.Errorf("connection control not re-emitted:\n%s", head)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received the request")
	}
}

func mustSnapshot(t *testing.T, cluster string, addrs ...string) *routing.Snapshot {
	t.Helper()
	snap := routing.NewSnapshot()
	snap, err := snap.WithCluster(&routing.Cluster{Name: cluster, Policy: routing.PolicyRoundRobin})
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range addrs {
		if snap, err = snap.WithBackend(cluster, a, 1); err != nil {
			t.Fatal(err)
		}
	}
	return snap
}

func TestNoHealthyBackendAnswers503(t *testing.T) {
	te := newTestEnv(t) // cluster exists, zero backends

	clientFD, frontFD := frontPair(t)
	s, err := New(te.env, httpListenerConfig(), frontFD, "10.1.2.3:5555")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	writeAll(t, clientFD, []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	te.loop.fire(frontFD, reactor.Readable)

	got := string(readAvailable(t, clientFD))
	if !strings.HasPrefix(got, "HTTP/1.1 503 ") {
		t.Fatalf("client received %q, want a 503", got)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if te.alloc.InUse() != 0 {
		t.Errorf("slot leaked on 503 path")
	}
}

func TestMalformedRequestAnswers400(t *testing.T) {
	te := newTestEnv(t, "127.0.0.1:9") // never dialed

	clientFD, frontFD := frontPair(t)
	s, err := New(te.env, httpListenerConfig(), frontFD, "10.1.2.3:5555")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	writeAll(t, clientFD, []byte("GARBAGE\r\n\r\n"))
	te.loop.fire(frontFD, reactor.Readable)

	got := string(readAvailable(t, clientFD))
	if !strings.HasPrefix(got, "HTTP/1.1 400 ") {
		t.Fatalf("client received %q, want a 400", got)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestAmbiguousFramingRejected(t *testing.T) {
	te := newTestEnv(t, "127.0.0.1:9")

	clientFD, frontFD := frontPair(t)
	if _, err := New(te.env, httpListenerConfig(), frontFD, "10.1.2.3:5555"); err != nil {
		t.Fatalf("New: %v", err)
	}

	// Both Content-Length and Transfer-Encoding: reject, never guess.
	writeAll(t, clientFD, []byte("POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n"))
	te.loop.fire(frontFD, reactor.Readable)

	got := string(readAvailable(t, clientFD))
	if !strings.HasPrefix(got, "HTTP/1.1 400 ") {
		t.Fatalf("client received %q, want a 400", got)
	}
}

func TestTruncatedRequestClosesSilently(t *testing.T) {
	te := newTestEnv(t, "127.0.0.1:9")

	clientFD, frontFD := frontPair(t)
	s, err := New(te.env, httpListenerConfig(), frontFD, "10.1.2.3:5555")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	writeAll(t, clientFD, []byte("GET / HTTP/1.1\r\nHo"))
	te.loop.fire(frontFD, reactor.Readable)
	unix.Shutdown(clientFD, unix.SHUT_WR)
	te.loop.fire(frontFD, reactor.Readable)

	if got := readAvailable(t, clientFD); len(got) != 0 {
		t.Errorf("response attempted for truncated request: %q", got)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestRawTCPRelayAndHalfClose(t *testing.T) {
	// Echo backend.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	te := newTestEnv(t, ln.Addr().String())
	cfg := &ListenerConfig{
		ID:           "tcp-in",
		Protocol:     control.ProtocolTCP,
		Cluster:      "app",
		FrontTimeout: time.Minute,
	}

	clientFD, frontFD := frontPair(t)
	s, err := New(te.env, cfg, frontFD, "10.1.2.3:5555")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.State() != StateConnectingBackend {
		t.Fatalf("initial state = %s", s.State())
	}

	backFD := completeConnect(t, te, frontFD)
	if s.State() != StateProxying {
		t.Fatalf("state after connect = %s", s.State())
	}

	writeAll(t, clientFD, []byte("ping"))
	te.loop.fire(frontFD, reactor.Readable)
	time.Sleep(50 * time.Millisecond)
	te.loop.fire(backFD, reactor.Readable)
	if got := string(readAvailable(t, clientFD)); got != "ping" {
		t.Fatalf("relayed %q, want %q", got, "ping")
	}

	// Client half-close propagates; the echo server then closes, and
	// the session finishes.
	unix.Shutdown(clientFD, unix.SHUT_WR)
	te.loop.fire(frontFD, reactor.Readable)
	time.Sleep(50 * time.Millisecond)
	te.loop.fire(backFD, reactor.Readable)
	if s.State() != StateClosed {
		t.Errorf("state after both sides closed = %s, want closed", s.State())
	}
	if te.alloc.InUse() != 0 {
		t.Errorf("slot leaked after tcp relay")
	}
}

func TestTimeoutWhileConnectingAnswers504(t *testing.T) {
	// 192.0.2.0/24 is TEST-NET; connects black-hole.
	te := newTestEnv(t, "192.0.2.1:80")
	now := time.Now()
	te.env.Now = func() time.Time { return now }

	cfg := httpListenerConfig()
	cfg.BackTimeout = 10 * time.Second

	clientFD, frontFD := frontPair(t)
	s, err := New(te.env, cfg, frontFD, "10.1.2.3:5555")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	writeAll(t, clientFD, []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	te.loop.fire(frontFD, reactor.Readable)
	if s.State() != StateConnectingBackend {
		t.Fatalf("state = %s, want connecting-backend", s.State())
	}

	now = now.Add(time.Hour)
	if !s.Expired(now) {
		t.Fatal("session not expired after deadline")
	}
	s.OnTimeout()
	te.loop.pump()

	got := string(readAvailable(t, clientFD))
	if !strings.HasPrefix(got, "HTTP/1.1 504 ") {
		t.Fatalf("client received %q, want a 504", got)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestSlotCapacityRefusesNewSessions(t *testing.T) {
	te := newTestEnv(t, "127.0.0.1:9")
	// Exhaust all 8 slots.
	var handles []pool.Handle
	for {
		h, err := te.alloc.Acquire()
		if err != nil {
			break
		}
		handles = append(handles, h)
	}

	_, frontFD := frontPair(t)
	if _, err := New(te.env, httpListenerConfig(), frontFD, "10.1.2.3:5555"); err == nil {
		t.Fatal("New succeeded with an exhausted allocator")
	}
	unix.Close(frontFD)

	// One release, one admission.
	if err := te.alloc.Release(handles[0]); err != nil {
		t.Fatalf("Release: %v", err)
	}
	_, frontFD2 := frontPair(t)
	s, err := New(te.env, httpListenerConfig(), frontFD2, "10.1.2.3:5555")
	if err != nil {
		t.Fatalf("New after release: %v", err)
	}
	s.Drain()
}
