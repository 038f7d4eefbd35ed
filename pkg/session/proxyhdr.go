package session

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	proxyproto "github.com/pires/go-proxyproto"
)

// maxProxyHeader caps accumulation while waiting for a complete PROXY
// preamble; both v1 and v2 headers fit well within it.
const maxProxyHeader = 1024

// consumeProxyHeader strips the PROXY protocol preamble from the start
// of the front stream and adopts the advertised source address as the
// client address. Returns the remaining payload bytes, or nil when
// more input is needed (or the session was torn down).
func (s *Session) consumeProxyHeader(data []byte) []byte {
	s.pendingFront = append(s.pendingFront, data...)

	rd := bytes.NewReader(s.pendingFront)
	br := bufio.NewReader(rd)
	header, err := proxyproto.Read(br)
	if err != nil {
		if errors.Is(err, proxyproto.ErrNoProxyProtocol) {
			s.env.logger().Debug("connection without expected proxy preamble",
				"listener", s.cfg.ID,
				"client", s.clientAddr,
			)
			s.teardown()
			return nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if len(s.pendingFront) > maxProxyHeader {
				s.teardown()
				return nil
			}
			return nil // need more bytes
		}
		s.env.logger().Debug("malformed proxy preamble",
			"listener", s.cfg.ID,
			"client", s.clientAddr,
			"error", err,
		)
		s.teardown()
		return nil
	}

	consumed := len(s.pendingFront) - rd.Len() - br.Buffered()
	rest := s.pendingFront[consumed:]
	s.pendingFront = nil
	s.proxyDone = true
	if header.SourceAddr != nil {
		s.clientAddr = header.SourceAddr.String()
	}
	if len(rest) == 0 {
		return nil
	}
	out := append([]byte(nil), rest...)
	return out
}
