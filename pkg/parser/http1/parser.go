package http1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Limits bounds the resources a single message may consume.
type Limits struct {
	// MaxHeadBytes caps the start line plus all header lines, in bytes.
	MaxHeadBytes int

	// MaxHeaderCount caps the number of header fields.
	MaxHeaderCount int

	// MaxBodyBytes caps the decoded body size. Zero means unlimited.
	MaxBodyBytes int64
}

// DefaultLimits are applied where a Limits field is zero.
var DefaultLimits = Limits{
	MaxHeadBytes:   16 * 1024,
	MaxHeaderCount: 128,
	MaxBodyBytes:   0,
}

type mode int

const (
	modeRequest mode = iota
	modeResponse
)

type pstate int

const (
	sStartLine pstate = iota
	sHeaders
	sNoBody
	sBodyIdentity
	sChunkSize
	sChunkData
	sChunkDataEnd
	sChunkTrailer
	sBodyToEOF
)

// Parser is an incremental HTTP/1.x message parser for one direction of one
// connection. It is reused across messages on a keep-alive connection; after
// emitting KindBodyEnd it is ready for the next message.
//
// Feed consumes input and returns at most one element per call together with
// the number of input bytes consumed. Callers loop, re-feeding the
// unconsumed tail (possibly empty), until KindNeedMore or an error.
type Parser struct {
	mode   mode
	limits Limits
	state  pstate

	// pending holds at most one incomplete line carried across Feed calls.
	pending []byte

	headBytes   int
	headerCount int

	method string
	target string
	proto  string
	status int
	reason string

	sawContentLength bool
	contentLength    int64
	sawChunked       bool
	connClose        bool
	connKeepAlive    bool

	expectNoBody bool

	remaining int64 // identity body or current chunk bytes left
	bodySeen  int64
}

// NewRequestParser returns a parser for the client-to-proxy direction.
func NewRequestParser(l Limits) *Parser {
	return &Parser{mode: modeRequest, limits: withDefaults(l)}
}

// NewResponseParser returns a parser for the backend-to-proxy direction.
func NewResponseParser(l Limits) *Parser {
	return &Parser{mode: modeResponse, limits: withDefaults(l)}
}

func withDefaults(l Limits) Limits {
	if l.MaxHeadBytes <= 0 {
		l.MaxHeadBytes = DefaultLimits.MaxHeadBytes
	}
	if l.MaxHeaderCount <= 0 {
		l.MaxHeaderCount = DefaultLimits.MaxHeaderCount
	}
	return l
}

// ExpectNoBody tells a response parser the next response answers a HEAD
// request (or is otherwise defined to be bodyless regardless of framing
// headers). It must be set before the status line is fed.
func (p *Parser) ExpectNoBody(v bool) { p.expectNoBody = v }

// Method returns the request method once the request line has been parsed.
func (p *Parser) Method() string { return p.method }

// Target returns the request target once the request line has been parsed.
func (p *Parser) Target() string { return p.target }

// Proto returns the protocol version from the start line.
func (p *Parser) Proto() string { return p.proto }

// Status returns the response status once the status line has been parsed.
func (p *Parser) Status() int { return p.status }

// Chunked reports whether the current message body is chunk-encoded.
// Valid from KindHeadersEnd.
func (p *Parser) Chunked() bool { return p.sawChunked }

// ContentLength returns the declared body length, or -1 when the body is
// chunked or delimited by connection close. Valid from KindHeadersEnd.
func (p *Parser) ContentLength() int64 {
	if p.sawContentLength {
		return p.contentLength
	}
	return -1
}

// KeepAlive reports whether the connection may carry another message after
// this one, per protocol version and Connection header. Valid from
// KindHeadersEnd.
func (p *Parser) KeepAlive() bool {
	if p.connClose {
		return false
	}
	if p.proto == "HTTP/1.0" {
		return p.connKeepAlive
	}
	return true
}

// Reset discards all message state, including a partial message. Used when
// the parser is re-bound to a fresh connection.
func (p *Parser) Reset() {
	*p = Parser{mode: p.mode, limits: p.limits}
}

// Feed consumes bytes from data and returns one element. consumed reports
// how many leading bytes of data were used; callers continue with
// data[consumed:]. Feed may produce elements with an empty data slice when
// an element needs no further input (a bodyless message's KindBodyEnd).
func (p *Parser) Feed(data []byte) (consumed int, el Element, err error) {
	switch p.state {
	case sStartLine:
		return p.feedStartLine(data)
	case sHeaders:
		return p.feedHeader(data)
	case sNoBody:
		p.finishMessage()
		return 0, Element{Kind: KindBodyEnd}, nil
	case sBodyIdentity:
		return p.feedIdentity(data)
	case sChunkSize:
		return p.feedChunkSize(data)
	case sChunkData:
		return p.feedChunkData(data)
	case sChunkDataEnd:
		return p.feedChunkDataEnd(data)
	case sChunkTrailer:
		return p.feedChunkTrailer(data)
	case sBodyToEOF:
		if len(data) == 0 {
			return 0, Element{Kind: KindNeedMore}, nil
		}
		if err := p.countBody(int64(len(data))); err != nil {
			return 0, Element{}, err
		}
		return len(data), Element{Kind: KindBodyChunk, Data: data}, nil
	}
	return 0, Element{}, fmt.Errorf("http1: parser in impossible state %d", p.state)
}

// Eof reports the effect of the peer closing its write side. For a
// close-delimited response body it yields KindBodyEnd; between messages it
// yields KindNeedMore (a clean close); anywhere else the message was
// truncated and an error is returned.
func (p *Parser) Eof() (Element, error) {
	switch p.state {
	case sBodyToEOF:
		p.finishMessage()
		return Element{Kind: KindBodyEnd}, nil
	case sStartLine:
		if len(p.pending) == 0 {
			return Element{Kind: KindNeedMore}, nil
		}
	}
	return Element{}, parseErr(CauseUnexpectedEOF, "peer closed mid-message")
}

// maxFramingLine bounds chunk-size and trailer lines, which are outside the
// head-byte budget but must still have bounded staging memory.
const maxFramingLine = 1024

// line extracts the next input line, joining it with any pending fragment
// from earlier Feed calls. It tolerates a bare LF terminator but strips a
// preceding CR. When no terminator is present the input is staged into
// pending and complete is false.
func (p *Parser) line(data []byte) (line []byte, consumed int, complete bool, err error) {
	inHead := p.state == sStartLine || p.state == sHeaders

	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		if inHead && p.headBytes+len(p.pending)+len(data) > p.limits.MaxHeadBytes {
			return nil, 0, false, parseErr(CauseHeaderTooLarge, "head exceeds limit")
		}
		if !inHead && len(p.pending)+len(data) > maxFramingLine {
			return nil, 0, false, parseErr(CauseInvalidChunkFraming, "framing line too long")
		}
		p.pending = append(p.pending, data...)
		return nil, len(data), false, nil
	}

	consumed = i + 1
	if inHead {
		if p.headBytes+len(p.pending)+consumed > p.limits.MaxHeadBytes {
			return nil, 0, false, parseErr(CauseHeaderTooLarge, "head exceeds limit")
		}
		p.headBytes += len(p.pending) + consumed
	} else if len(p.pending)+consumed > maxFramingLine {
		return nil, 0, false, parseErr(CauseInvalidChunkFraming, "framing line too long")
	}

	if len(p.pending) > 0 {
		line = append(p.pending, data[:i]...)
		p.pending = p.pending[:0]
	} else {
		line = data[:i]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, consumed, true, nil
}

func (p *Parser) feedStartLine(data []byte) (int, Element, error) {
	line, consumed, complete, err := p.line(data)
	if err != nil {
		return 0, Element{}, err
	}
	if !complete {
		return consumed, Element{Kind: KindNeedMore}, nil
	}
	// Tolerate one empty line before a request line, as left over from the
	// previous message's terminator.
	if len(line) == 0 {
		return consumed, Element{Kind: KindNeedMore}, nil
	}

	if p.mode == modeRequest {
		el, err := p.parseRequestLine(line)
		return consumed, el, err
	}
	el, err := p.parseStatusLine(line)
	return consumed, el, err
}

func (p *Parser) parseRequestLine(line []byte) (Element, error) {
	s := string(line)
	parts := strings.SplitN(s, " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Element{}, parseErr(CauseMalformedStartLine, truncate(s))
	}
	if !validToken(parts[0]) {
		return Element{}, parseErr(CauseMalformedStartLine, "bad method")
	}
	if parts[2] != "HTTP/1.1" && parts[2] != "HTTP/1.0" {
		return Element{}, parseErr(CauseMalformedStartLine, "unsupported protocol "+truncate(parts[2]))
	}
	if strings.ContainsAny(parts[1], " \t") {
		return Element{}, parseErr(CauseMalformedStartLine, "whitespace in target")
	}

	p.method = parts[0]
	p.target = parts[1]
	p.proto = parts[2]
	p.resetHead()
	p.state = sHeaders
	return Element{Kind: KindRequestLine, Method: p.method, Target: p.target, Proto: p.proto}, nil
}

func (p *Parser) parseStatusLine(line []byte) (Element, error) {
	s := string(line)
	parts := strings.SplitN(s, " ", 3)
	if len(parts) < 2 {
		return Element{}, parseErr(CauseMalformedStartLine, truncate(s))
	}
	if parts[0] != "HTTP/1.1" && parts[0] != "HTTP/1.0" {
		return Element{}, parseErr(CauseMalformedStartLine, "unsupported protocol "+truncate(parts[0]))
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return Element{}, parseErr(CauseMalformedStartLine, "bad status code "+truncate(parts[1]))
	}

	p.proto = parts[0]
	p.status = code
	if len(parts) == 3 {
		p.reason = parts[2]
	} else {
		p.reason = ""
	}
	p.resetHead()
	p.state = sHeaders
	return Element{Kind: KindStatusLine, Status: code, Reason: p.reason, Proto: p.proto}, nil
}

func (p *Parser) feedHeader(data []byte) (int, Element, error) {
	line, consumed, complete, err := p.line(data)
	if err != nil {
		return 0, Element{}, err
	}
	if !complete {
		return consumed, Element{Kind: KindNeedMore}, nil
	}
	if len(line) == 0 {
		el, err := p.endOfHeaders()
		return consumed, el, err
	}

	p.headerCount++
	if p.headerCount > p.limits.MaxHeaderCount {
		return 0, Element{}, parseErr(CauseTooManyHeaders, "")
	}

	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return 0, Element{}, parseErr(CauseMalformedHeader, truncate(string(line)))
	}
	name := string(line[:colon])
	if !validToken(name) {
		return 0, Element{}, parseErr(CauseMalformedHeader, "bad field name "+truncate(name))
	}
	value := strings.Trim(string(line[colon+1:]), " \t")

	if err := p.recordHeader(name, value); err != nil {
		return 0, Element{}, err
	}
	return consumed, Element{Kind: KindHeader, Name: name, Value: value}, nil
}

func (p *Parser) recordHeader(name, value string) error {
	switch {
	case strings.EqualFold(name, "Content-Length"):
		if p.sawContentLength {
			return parseErr(CauseInvalidContentLength, "repeated content-length")
		}
		n, err := strconv.ParseUint(value, 10, 63)
		if err != nil {
			return parseErr(CauseInvalidContentLength, truncate(value))
		}
		p.sawContentLength = true
		p.contentLength = int64(n)

	case strings.EqualFold(name, "Transfer-Encoding"):
		if p.sawChunked {
			return parseErr(CauseInvalidChunkFraming, "repeated transfer-encoding")
		}
		if !strings.EqualFold(strings.TrimSpace(value), "chunked") {
			return parseErr(CauseInvalidChunkFraming, "unsupported transfer coding "+truncate(value))
		}
		p.sawChunked = true

	case strings.EqualFold(name, "Connection"):
		for _, tok := range strings.Split(value, ",") {
			switch strings.ToLower(strings.TrimSpace(tok)) {
			case "close":
				p.connClose = true
			case "keep-alive":
				p.connKeepAlive = true
			}
		}
	}
	return nil
}

// endOfHeaders resolves body framing. Ambiguity is rejected, never guessed.
func (p *Parser) endOfHeaders() (Element, error) {
	if p.sawContentLength && p.sawChunked {
		return Element{}, parseErr(CauseAmbiguousFraming, "both content-length and transfer-encoding")
	}

	if p.limits.MaxBodyBytes > 0 && p.sawContentLength && p.contentLength > p.limits.MaxBodyBytes {
		return Element{}, parseErr(CauseBodyTooLarge,
			fmt.Sprintf("declared length %d exceeds limit %d", p.contentLength, p.limits.MaxBodyBytes))
	}

	switch {
	case p.mode == modeResponse && (p.expectNoBody || p.status/100 == 1 || p.status == 204 || p.status == 304):
		p.state = sNoBody
	case p.sawChunked:
		p.state = sChunkSize
	case p.sawContentLength && p.contentLength > 0:
		p.state = sBodyIdentity
		p.remaining = p.contentLength
	case p.sawContentLength: // explicit zero length
		p.state = sNoBody
	case p.mode == modeRequest:
		if methodRequiresBody(p.method) {
			return Element{}, parseErr(CauseAmbiguousFraming, p.method+" without body framing")
		}
		p.state = sNoBody
	default:
		// Response without explicit framing: body runs to connection close.
		p.state = sBodyToEOF
	}
	return Element{Kind: KindHeadersEnd}, nil
}

func (p *Parser) feedIdentity(data []byte) (int, Element, error) {
	if p.remaining == 0 {
		p.finishMessage()
		return 0, Element{Kind: KindBodyEnd}, nil
	}
	if len(data) == 0 {
		return 0, Element{Kind: KindNeedMore}, nil
	}
	n := int64(len(data))
	if n > p.remaining {
		n = p.remaining
	}
	if err := p.countBody(n); err != nil {
		return 0, Element{}, err
	}
	p.remaining -= n
	return int(n), Element{Kind: KindBodyChunk, Data: data[:n]}, nil
}

func (p *Parser) feedChunkSize(data []byte) (int, Element, error) {
	line, consumed, complete, err := p.line(data)
	if err != nil {
		return 0, Element{}, err
	}
	if !complete {
		return consumed, Element{Kind: KindNeedMore}, nil
	}

	s := string(line)
	if i := strings.IndexByte(s, ';'); i >= 0 { // chunk extensions are ignored
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	size, err := strconv.ParseUint(s, 16, 63)
	if err != nil {
		return 0, Element{}, parseErr(CauseInvalidChunkFraming, "bad chunk size "+truncate(s))
	}

	if size == 0 {
		p.state = sChunkTrailer
		return consumed, Element{Kind: KindNeedMore}, nil
	}
	p.remaining = int64(size)
	p.state = sChunkData
	return consumed, Element{Kind: KindNeedMore}, nil
}

func (p *Parser) feedChunkData(data []byte) (int, Element, error) {
	if len(data) == 0 {
		return 0, Element{Kind: KindNeedMore}, nil
	}
	n := int64(len(data))
	if n > p.remaining {
		n = p.remaining
	}
	if err := p.countBody(n); err != nil {
		return 0, Element{}, err
	}
	p.remaining -= n
	if p.remaining == 0 {
		p.state = sChunkDataEnd
	}
	return int(n), Element{Kind: KindBodyChunk, Data: data[:n]}, nil
}

func (p *Parser) feedChunkDataEnd(data []byte) (int, Element, error) {
	line, consumed, complete, err := p.line(data)
	if err != nil {
		return 0, Element{}, err
	}
	if !complete {
		return consumed, Element{Kind: KindNeedMore}, nil
	}
	if len(line) != 0 {
		return 0, Element{}, parseErr(CauseInvalidChunkFraming, "missing CRLF after chunk data")
	}
	p.state = sChunkSize
	return consumed, Element{Kind: KindNeedMore}, nil
}

func (p *Parser) feedChunkTrailer(data []byte) (int, Element, error) {
	line, consumed, complete, err := p.line(data)
	if err != nil {
		return 0, Element{}, err
	}
	if !complete {
		return consumed, Element{Kind: KindNeedMore}, nil
	}
	if len(line) == 0 {
		p.finishMessage()
		return consumed, Element{Kind: KindBodyEnd}, nil
	}
	// Trailer fields are consumed for framing but not surfaced; the data
	// path forwards their raw bytes untouched.
	if bytes.IndexByte(line, ':') <= 0 {
		return 0, Element{}, parseErr(CauseMalformedHeader, "bad trailer "+truncate(string(line)))
	}
	return consumed, Element{Kind: KindNeedMore}, nil
}

func (p *Parser) countBody(n int64) error {
	p.bodySeen += n
	if p.limits.MaxBodyBytes > 0 && p.bodySeen > p.limits.MaxBodyBytes {
		return parseErr(CauseBodyTooLarge,
			fmt.Sprintf("body exceeds limit %d", p.limits.MaxBodyBytes))
	}
	return nil
}

// finishMessage rearms the parser for the next message on the connection.
// The head summary (start line, connection control, framing accessors) is
// preserved so callers can still consult it after KindBodyEnd; it is
// overwritten when the next start line parses.
func (p *Parser) finishMessage() {
	p.state = sStartLine
	p.pending = nil
	p.headBytes = 0
	p.headerCount = 0
	p.remaining = 0
	p.bodySeen = 0
}

// resetHead clears per-message header-derived state once a new start line
// has parsed, so the previous message's summary stays readable until then.
func (p *Parser) resetHead() {
	p.sawContentLength = false
	p.contentLength = 0
	p.sawChunked = false
	p.connClose = false
	p.connKeepAlive = false
}

func methodRequiresBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f {
			return false
		}
		switch c {
		case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"', '/', '[', ']', '?', '=', '{', '}':
			return false
		}
	}
	return true
}

func truncate(s string) string {
	const max = 64
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
