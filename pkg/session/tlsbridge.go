package session

import (
	stdtls "crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TLS termination cannot be driven as a resumable non-blocking state
// machine with crypto/tls, so each TLS session runs a bridge: a pair
// of goroutines wrapping a tls.Conn whose underlying "socket" is fed
// by the loop. Ciphertext moves loop -> bridge -> tls.Conn; plaintext
// moves tls.Conn -> loop via reactor.Wake, one record at a time with
// an explicit ack so session memory stays bounded. The loop remains
// the only place session state is touched.

// bridgeBacklog is the ciphertext the bridge may hold before the loop
// pauses front reads.
const bridgeBacklog = 64 * 1024

// bridgeMaxInflight is how many plaintext writes may be queued toward
// the bridge before the loop pauses backend reads.
const bridgeMaxInflight = 4

type tlsBridge struct {
	s     *Session
	conn  *bridgeConn
	tconn *stdtls.Conn

	// Loop-side flow control counters.
	queuedIn atomic.Int64 // ciphertext bytes waiting in the bridge
	inflight atomic.Int64 // plaintext writes not yet encrypted

	wmu     sync.Mutex
	wcond   *sync.Cond
	wqueue  [][]byte
	stopped bool

	readAck chan struct{}
}

func newTLSBridge(s *Session, cfg *stdtls.Config) *tlsBridge {
	b := &tlsBridge{
		s:       s,
		readAck: make(chan struct{}, 1),
	}
	b.wcond = sync.NewCond(&b.wmu)
	b.conn = newBridgeConn(b)
	b.tconn = stdtls.Server(b.conn, cfg)

	go b.readLoop()
	go b.writeLoop()
	return b
}

// canFeed reports whether the loop may push more ciphertext.
func (b *tlsBridge) canFeed() bool {
	return b.queuedIn.Load() < bridgeBacklog
}

// feedCiphertext hands client bytes to the TLS engine. Called from the
// loop; the slice is copied.
func (b *tlsBridge) feedCiphertext(data []byte) {
	b.queuedIn.Add(int64(len(data)))
	b.conn.push(append([]byte(nil), data...))
}

// closeInput signals raw EOF from the client socket.
func (b *tlsBridge) closeInput() {
	b.conn.closeInput()
}

// canWrite reports whether the loop may queue more plaintext.
func (b *tlsBridge) canWrite() bool {
	return b.inflight.Load() < bridgeMaxInflight
}

// idle reports that no queued plaintext awaits encryption.
func (b *tlsBridge) idle() bool {
	return b.inflight.Load() == 0
}

// tryWritePlain queues client-bound plaintext for encryption. Called
// from the loop; the slice is copied. Always accepts; canWrite is the
// backpressure signal.
func (b *tlsBridge) tryWritePlain(data []byte) bool {
	cp := append([]byte(nil), data...)
	b.inflight.Add(1)
	b.wmu.Lock()
	b.wqueue = append(b.wqueue, cp)
	b.wmu.Unlock()
	b.wcond.Signal()
	return true
}

// stop tears the bridge down. Safe to call from the loop at any time.
func (b *tlsBridge) stop() {
	b.wmu.Lock()
	if b.stopped {
		b.wmu.Unlock()
		return
	}
	b.stopped = true
	b.wmu.Unlock()
	b.wcond.Broadcast()
	b.conn.closeInput()
	b.tconn.Close()
	// readLoop may be parked waiting for a record ack that will never
	// come once the session is gone; release it so it can observe the
	// closed tls.Conn and exit.
	b.ackRead()
}

// wake funnels a callback to the loop unless the session is gone.
func (b *tlsBridge) wake(fn func(s *Session)) {
	b.s.env.Loop.Wake(func() {
		if b.s.state == StateClosed {
			return
		}
		fn(b.s)
	})
}

// readLoop completes the handshake, then delivers plaintext records to
// the loop one at a time, waiting for an ack before reading on.
func (b *tlsBridge) readLoop() {
	if err := b.tconn.Handshake(); err != nil {
		b.wake(func(s *Session) {
			s.env.logger().Debug("tls handshake failed",
				"listener", s.cfg.ID,
				"client", s.clientAddr,
				"error", err,
			)
			s.teardown()
		})
		return
	}
	b.wake(func(s *Session) {
		if s.state == StateHandshaking {
			s.state = StateParsingFrontRequest
			s.touch()
			s.updateInterests()
		}
	})

	buf := make([]byte, 16*1024)
	for {
		n, err := b.tconn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			b.wake(func(s *Session) { s.onPlainFromBridge(data) })
			<-b.readAck
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.wake(func(s *Session) { s.frontClosed() })
			} else {
				b.wake(func(s *Session) { s.teardown() })
			}
			return
		}
	}
}

// writeLoop encrypts queued plaintext; ciphertext reaches the loop via
// bridgeConn.Write.
func (b *tlsBridge) writeLoop() {
	for {
		b.wmu.Lock()
		for len(b.wqueue) == 0 && !b.stopped {
			b.wcond.Wait()
		}
		if b.stopped {
			b.wmu.Unlock()
			return
		}
		data := b.wqueue[0]
		b.wqueue = b.wqueue[1:]
		b.wmu.Unlock()

		_, err := b.tconn.Write(data)
		b.inflight.Add(-1)
		if err != nil {
			b.wake(func(s *Session) { s.teardown() })
			return
		}
		b.wake(func(s *Session) {
			s.flushFront()
			if s.state != StateClosed {
				s.maybeCompleteCycle()
				s.updateInterests()
			}
		})
	}
}

// onPlainFromBridge handles one decrypted record on the loop, stashing
// it when the staging buffer lacks room. The bridge stays blocked until
// the record is consumed.
func (s *Session) onPlainFromBridge(data []byte) {
	if s.plaintextBudget() >= len(data) {
		s.handleFrontBytes(data)
		s.bridge.ackRead()
		return
	}
	s.pendingPlain = data
}

// resumePlain retries a stashed record once buffer space frees.
func (s *Session) resumePlain() {
	if s.bridge == nil || s.pendingPlain == nil {
		return
	}
	if s.plaintextBudget() < len(s.pendingPlain) {
		return
	}
	data := s.pendingPlain
	s.pendingPlain = nil
	s.handleFrontBytes(data)
	s.bridge.ackRead()
}

func (b *tlsBridge) ackRead() {
	select {
	case b.readAck <- struct{}{}:
	default:
	}
}

// bridgeConn is the in-memory "socket" under the tls.Conn. Read blocks
// the bridge goroutine on ciphertext pushed by the loop; Write hands
// ciphertext back to the loop.
type bridgeConn struct {
	b    *tlsBridge
	mu   sync.Mutex
	cond *sync.Cond
	in   [][]byte
	off  int
	eof  bool
}

func newBridgeConn(b *tlsBridge) *bridgeConn {
	c := &bridgeConn{b: b}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *bridgeConn) push(data []byte) {
	c.mu.Lock()
	c.in = append(c.in, data)
	c.mu.Unlock()
	c.cond.Signal()
}

func (c *bridgeConn) closeInput() {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *bridgeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.in) == 0 && !c.eof {
		c.cond.Wait()
	}
	if len(c.in) == 0 {
		return 0, io.EOF
	}
	chunk := c.in[0]
	n := copy(p, chunk[c.off:])
	c.off += n
	if c.off == len(chunk) {
		c.in = c.in[1:]
		c.off = 0
	}
	c.b.queuedIn.Add(int64(-n))
	return n, nil
}

func (c *bridgeConn) Write(p []byte) (int, error) {
	c.b.wmu.Lock()
	stopped := c.b.stopped
	c.b.wmu.Unlock()
	if stopped {
		return 0, net.ErrClosed
	}
	data := append([]byte(nil), p...)
	c.b.wake(func(s *Session) {
		s.tlsOut = append(s.tlsOut, data...)
		s.flushFront()
		if s.state != StateClosed {
			s.updateInterests()
		}
	})
	return len(p), nil
}

func (c *bridgeConn) Close() error {
	c.closeInput()
	return nil
}

func (c *bridgeConn) LocalAddr() net.Addr                { return bridgeAddr{} }
func (c *bridgeConn) RemoteAddr() net.Addr               { return bridgeAddr{} }
func (c *bridgeConn) SetDeadline(t time.Time) error      { return nil }
func (c *bridgeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *bridgeConn) SetWriteDeadline(t time.Time) error { return nil }

type bridgeAddr struct{}

func (bridgeAddr) Network() string { return "bridge" }
func (bridgeAddr) String() string  { return "bridge" }
