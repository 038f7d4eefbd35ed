package session

import (
	"errors"
	"net"
	"strings"

	"golang.org/x/sys/unix"

	"mercator-hq/ganymede/pkg/control"
	"mercator-hq/ganymede/pkg/parser/http1"
)

// headSlack reserves room in the backend-bound buffer for the rewritten
// request head, which can outgrow the wire form by the forwarded-for
// and connection fields.
const headSlack = 512

// frontReadBudget bounds the next front read so staged data never
// outgrows its destination. Zero pauses reading.
func (s *Session) frontReadBudget() int {
	if s.bridge != nil {
		if !s.bridge.canFeed() {
			return 0
		}
		return len(s.env.Scratch)
	}
	return s.plaintextBudget()
}

// plaintextBudget is the room available for client plaintext; it also
// bounds how much the TLS bridge may deliver at once.
func (s *Session) plaintextBudget() int {
	switch s.cfg.Protocol {
	case control.ProtocolTCP:
		return min(len(s.env.Scratch), s.toBack.Cap()-s.toBack.Len())
	default:
		return min(len(s.env.Scratch), s.toBack.Cap()-s.toBack.Len()-headSlack)
	}
}

// readFront performs one non-blocking read on the front socket. The
// reactor is level-triggered, so remaining kernel bytes re-arm the
// event on the next round; one read per round keeps sessions fair.
func (s *Session) readFront() {
	budget := s.frontReadBudget()
	if budget <= 0 {
		s.frontReadPaused = true
		return
	}
	buf := s.env.Scratch[:budget]

	n, err := unix.Read(s.frontFD, buf)
	if err == unix.EAGAIN {
		return
	}
	if err != nil {
		s.teardown()
		return
	}
	if n == 0 {
		if s.bridge != nil {
			// Let buffered TLS records drain; the bridge reports the
			// plaintext EOF when it reaches it.
			s.bridge.closeInput()
			return
		}
		s.frontClosed()
		return
	}
	s.bytesIn += int64(n)

	data := buf[:n]
	if !s.proxyDone {
		data = s.consumeProxyHeader(data)
		if data == nil || s.state == StateClosed {
			return
		}
	}
	if s.bridge != nil {
		s.bridge.feedCiphertext(data)
		return
	}
	s.handleFrontBytes(data)
}

// frontClosed handles the client's EOF.
func (s *Session) frontClosed() {
	s.frontEOF = true
	if s.cfg.Protocol == control.ProtocolTCP {
		// Half-close: propagate the shutdown once staged bytes reach
		// the backend, keep relaying backend-to-client.
		if s.backFD >= 0 && s.toBack.Empty() && s.state == StateProxying {
			unix.Shutdown(s.backFD, unix.SHUT_WR)
		}
		if s.backEOF || s.backFD < 0 {
			s.teardown()
			return
		}
		s.updateInterests()
		return
	}

	// A request truncated at EOF is treated as client-closed; no
	// response is attempted. A completed request still gets its
	// response flushed to the (half-closed) client first.
	if !s.reqDone {
		s.teardown()
		return
	}
	s.updateInterests()
}

// handleFrontBytes routes decrypted or plain client bytes by protocol.
func (s *Session) handleFrontBytes(data []byte) {
	switch s.cfg.Protocol {
	case control.ProtocolTCP:
		s.toBack.Append(data)
		if s.state == StateProxying {
			s.flushBack()
		}
	default:
		if s.state == StateHandshaking {
			// Plaintext before the bridge reports completion still
			// means the handshake finished.
			s.state = StateParsingFrontRequest
		}
		s.parseFrontBytes(data)
	}
	if s.state != StateClosed {
		s.updateInterests()
	}
}

// parseFrontBytes feeds client bytes through the request parser. Head
// bytes are re-serialized after rewrite; body bytes are forwarded in
// their exact wire form, framing included, so chunked encoding passes
// through untouched.
func (s *Session) parseFrontBytes(data []byte) {
	off := 0
	for {
		if s.reqDone {
			if off < len(data) {
				s.pendingFront = append(s.pendingFront, data[off:]...)
			}
			break
		}

		routedBefore := s.routed
		consumed, el, err := s.reqParser.Feed(data[off:])
		if err != nil {
			s.onRequestParseError(err)
			return
		}
		if routedBefore && consumed > 0 {
			s.toBack.Append(data[off : off+consumed])
		}
		off += consumed

		switch el.Kind {
		case http1.KindNeedMore:
			if s.state == StateProxying && !s.toBack.Empty() {
				s.flushBack()
			}
			return
		case http1.KindRequestLine:
			s.method, s.target, s.proto = el.Method, el.Target, el.Proto
		case http1.KindHeader:
			s.fields = append(s.fields, http1.HeaderField{Name: el.Name, Value: el.Value})
		case http1.KindHeadersEnd:
			if !s.onHeadersEnd() {
				return
			}
		case http1.KindBodyChunk:
			// Raw bytes already staged above.
		case http1.KindBodyEnd:
			s.reqDone = true
			s.keepAliveClient = s.reqParser.KeepAlive()
		}
	}

	if s.state == StateProxying && !s.toBack.Empty() {
		s.flushBack()
	}
}

func (s *Session) onRequestParseError(err error) {
	var pe *http1.Error
	if errors.As(err, &pe) && pe.Cause == http1.CauseUnexpectedEOF {
		s.teardown()
		return
	}
	s.env.logger().Debug("rejecting malformed request",
		"listener", s.cfg.ID,
		"client", s.clientAddr,
		"error", err,
	)
	s.fail(400)
}

// onHeadersEnd resolves the route, rewrites and serializes the head
// toward the backend, and starts the connect. Returns false when the
// session failed or closed.
func (s *Session) onHeadersEnd() bool {
	s.snap = s.env.Snapshot()
	cluster, ok := s.snap.Cluster(s.cfg.Cluster)
	if !ok {
		s.env.logger().Warn("listener routes to unknown cluster",
			"listener", s.cfg.ID,
			"cluster", s.cfg.Cluster,
		)
		s.fail(503)
		return false
	}
	s.cluster = cluster

	fields := http1.RewriteRequestHeaders(s.fields, http1.Rewrite{
		ClientAddr: s.clientHost(),
	})
	head := http1.AppendRequestHead(nil, s.method, s.target, s.proto, fields)
	if s.toBack.Append(head) != len(head) {
		// The head slack guarantees room; hitting this means the
		// configured buffer is smaller than the head limit.
		s.env.logger().Error("request head exceeds session buffer",
			"listener", s.cfg.ID,
			"head_bytes", len(head),
			"buffer", s.toBack.Cap(),
		)
		s.fail(400)
		return false
	}
	s.routed = true
	s.respParser.ExpectNoBody(s.method == "HEAD")

	s.startConnect()
	return s.state != StateClosed
}

// clientHost is the client IP without the port, as appended to
// X-Forwarded-For.
func (s *Session) clientHost() string {
	if host, _, err := net.SplitHostPort(s.clientAddr); err == nil {
		return host
	}
	return s.clientAddr
}

// stickyValue derives the key for sticky balancing: the configured
// header's value when present, the client address otherwise.
func (s *Session) stickyValue() string {
	if s.cluster == nil || s.cluster.StickyKey == "" {
		return s.clientHost()
	}
	for _, f := range s.fields {
		if strings.EqualFold(f.Name, s.cluster.StickyKey) {
			return f.Value
		}
	}
	return s.clientHost()
}
