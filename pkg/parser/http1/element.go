package http1

// Kind identifies the element produced by one Feed call.
type Kind int

const (
	// KindNeedMore means the input ended mid-element; feed more bytes.
	KindNeedMore Kind = iota

	// KindRequestLine carries Method, Target and Proto.
	KindRequestLine

	// KindStatusLine carries Status, Reason and Proto.
	KindStatusLine

	// KindHeader carries one Name/Value pair.
	KindHeader

	// KindHeadersEnd marks the blank line ending the head. Framing
	// accessors (Chunked, ContentLength, KeepAlive) are valid from here.
	KindHeadersEnd

	// KindBodyChunk carries Data, a window of decoded body bytes. The
	// slice aliases the caller's input and is only valid until the next
	// Feed call.
	KindBodyChunk

	// KindBodyEnd marks the end of the message. The parser has already
	// reset itself for the next message on the same connection.
	KindBodyEnd
)

var kindNames = map[Kind]string{
	KindNeedMore:    "need-more",
	KindRequestLine: "request-line",
	KindStatusLine:  "status-line",
	KindHeader:      "header",
	KindHeadersEnd:  "headers-end",
	KindBodyChunk:   "body-chunk",
	KindBodyEnd:     "body-end",
}

// String returns the element kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Element is one parsed message element.
type Element struct {
	// Kind identifies which of the remaining fields are meaningful.
	Kind Kind

	// Method, Target and Proto are set for KindRequestLine.
	Method string
	Target string
	Proto  string

	// Status and Reason are set for KindStatusLine (Proto is shared).
	Status int
	Reason string

	// Name and Value are set for KindHeader.
	Name  string
	Value string

	// Data is set for KindBodyChunk and aliases the input buffer.
	Data []byte
}

// HeaderField is one serialized header line, order-significant.
type HeaderField struct {
	Name  string
	Value string
}
