package http1

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// collect feeds the whole input through the parser, re-feeding unconsumed
// tails, and returns the element sequence up to the first error.
func collect(t *testing.T, p *Parser, input []byte) ([]Element, error) {
	t.Helper()
	var out []Element
	data := input
	for {
		consumed, el, err := p.Feed(data)
		if err != nil {
			return out, err
		}
		data = data[consumed:]
		if el.Kind == KindNeedMore {
			if len(data) == 0 {
				return out, nil
			}
			continue
		}
		out = append(out, el)
	}
}

// flatten renders an element sequence for comparison across segmentations.
func flatten(els []Element) string {
	var b strings.Builder
	for _, el := range els {
		switch el.Kind {
		case KindRequestLine:
			fmt.Fprintf(&b, "req(%s %s %s);", el.Method, el.Target, el.Proto)
		case KindStatusLine:
			fmt.Fprintf(&b, "status(%d %s);", el.Status, el.Reason)
		case KindHeader:
			fmt.Fprintf(&b, "hdr(%s=%s);", el.Name, el.Value)
		case KindHeadersEnd:
			b.WriteString("headend;")
		case KindBodyChunk:
			// Raw body bytes, not per-chunk markers: how the bytes were
			// segmented across Feed calls must not affect the rendering.
			b.Write(el.Data)
		case KindBodyEnd:
			b.WriteString(";end;")
		}
	}
	return b.String()
}

func TestParser_SimpleRequest(t *testing.T) {
	p := NewRequestParser(Limits{})
	els, err := collect(t, p, []byte("GET /x HTTP/1.1\r\nHost: a\r\n\r\n"))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	want := "req(GET /x HTTP/1.1);hdr(Host=a);headend;;end;"
	if got := flatten(els); got != want {
		t.Errorf("elements = %q, want %q", got, want)
	}
	if !p.KeepAlive() {
		t.Error("HTTP/1.1 request without Connection header should keep alive")
	}
}

func TestParser_ChunkBoundaryIndependence(t *testing.T) {
	input := []byte("POST /submit HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Content-Length: 11\r\n" +
		"Accept: */*\r\n" +
		"\r\n" +
		"hello world")

	// Reference: single feed.
	ref, err := collect(t, NewRequestParser(Limits{}), input)
	if err != nil {
		t.Fatalf("reference parse: %v", err)
	}
	want := flatten(ref)

	// Every split point, fed as two chunks.
	for cut := 0; cut <= len(input); cut++ {
		p := NewRequestParser(Limits{})
		a, err := collect(t, p, input[:cut])
		if err != nil {
			t.Fatalf("cut %d first half: %v", cut, err)
		}
		b, err := collect(t, p, input[cut:])
		if err != nil {
			t.Fatalf("cut %d second half: %v", cut, err)
		}
		if got := flatten(a) + flatten(b); got != want {
			t.Errorf("cut %d: elements = %q, want %q", cut, got, want)
		}
	}

	// Byte-at-a-time.
	p := NewRequestParser(Limits{})
	var got string
	for i := range input {
		els, err := collect(t, p, input[i:i+1])
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		got += flatten(els)
	}
	if got != want {
		t.Errorf("byte-at-a-time elements = %q, want %q", got, want)
	}
}

func TestParser_ChunkedBody(t *testing.T) {
	input := []byte("POST /u HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")

	for _, step := range []int{1, 3, len(input)} {
		p := NewRequestParser(Limits{})
		var els []Element
		for off := 0; off < len(input); off += step {
			end := off + step
			if end > len(input) {
				end = len(input)
			}
			part, err := collect(t, p, input[off:end])
			if err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
			els = append(els, part...)
		}
		got := flatten(els)
		want := "req(POST /u HTTP/1.1);hdr(Host=a);hdr(Transfer-Encoding=chunked);headend;Wikipedia;end;"
		if got != want {
			t.Errorf("step %d: elements = %q, want %q", step, got, want)
		}
	}
}

func TestParser_AmbiguousFramingRejected(t *testing.T) {
	tests := []struct {
		name  string
		input string
		cause Cause
	}{
		{
			name: "both content-length and chunked",
			input: "POST /x HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\n" +
				"Transfer-Encoding: chunked\r\n\r\n",
			cause: CauseAmbiguousFraming,
		},
		{
			name:  "body method with neither",
			input: "POST /x HTTP/1.1\r\nHost: a\r\n\r\n",
			cause: CauseAmbiguousFraming,
		},
		{
			name:  "repeated content-length",
			input: "POST /x HTTP/1.1\r\nContent-Length: 4\r\nContent-Length: 5\r\n\r\n",
			cause: CauseInvalidContentLength,
		},
		{
			name:  "non-chunked transfer coding",
			input: "POST /x HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n",
			cause: CauseInvalidChunkFraming,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := collect(t, NewRequestParser(Limits{}), []byte(tt.input))
			if err == nil {
				t.Fatal("ambiguous request was accepted")
			}
			if !errors.Is(err, ErrParse) {
				t.Fatalf("error %v does not match ErrParse", err)
			}
			var pe *Error
			if !errors.As(err, &pe) || pe.Cause != tt.cause {
				t.Errorf("cause = %v, want %v", err, tt.cause)
			}
		})
	}
}

func TestParser_MalformedStartLines(t *testing.T) {
	for _, input := range []string{
		"GET/x HTTP/1.1\r\n\r\n",
		"GET /x HTTP/2.0\r\n\r\n",
		"GET /x y HTTP/1.1\r\n\r\n",
		"\x00ET /x HTTP/1.1\r\n\r\n",
	} {
		_, err := collect(t, NewRequestParser(Limits{}), []byte(input))
		var pe *Error
		if !errors.As(err, &pe) || pe.Cause != CauseMalformedStartLine {
			t.Errorf("input %q: err = %v, want malformed start line", input, err)
		}
	}
}

func TestParser_HeaderLimits(t *testing.T) {
	p := NewRequestParser(Limits{MaxHeadBytes: 64})
	long := "GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 100) + "\r\n\r\n"
	_, err := collect(t, p, []byte(long))
	var pe *Error
	if !errors.As(err, &pe) || pe.Cause != CauseHeaderTooLarge {
		t.Fatalf("err = %v, want header too large", err)
	}

	// The limit must hold even when the oversized line never sees a newline.
	p = NewRequestParser(Limits{MaxHeadBytes: 64})
	_, err = collect(t, p, []byte("GET / HTTP/1.1\r\nX-Pad: "+strings.Repeat("a", 100)))
	if !errors.As(err, &pe) || pe.Cause != CauseHeaderTooLarge {
		t.Fatalf("unterminated line: err = %v, want header too large", err)
	}
}

func TestParser_BodyLimit(t *testing.T) {
	p := NewRequestParser(Limits{MaxBodyBytes: 8})
	input := "POST / HTTP/1.1\r\nContent-Length: 9\r\n\r\n123456789"
	_, err := collect(t, p, []byte(input))
	var pe *Error
	if !errors.As(err, &pe) || pe.Cause != CauseBodyTooLarge {
		t.Fatalf("declared oversize: err = %v, want body too large", err)
	}

	// Chunked bodies only reveal their size while streaming.
	p = NewRequestParser(Limits{MaxBodyBytes: 4})
	input = "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n6\r\nabcdef\r\n0\r\n\r\n"
	_, err = collect(t, p, []byte(input))
	if !errors.As(err, &pe) || pe.Cause != CauseBodyTooLarge {
		t.Fatalf("streamed oversize: err = %v, want body too large", err)
	}
}

func TestParser_KeepAliveSemantics(t *testing.T) {
	tests := []struct {
		head string
		want bool
	}{
		{"GET / HTTP/1.1\r\nHost: a\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nConnection: close\r\n\r\n", false},
		{"GET / HTTP/1.0\r\nHost: a\r\n\r\n", false},
		{"GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", true},
	}
	for _, tt := range tests {
		p := NewRequestParser(Limits{})
		if _, err := collect(t, p, []byte(tt.head)); err != nil {
			t.Fatalf("%q: %v", tt.head, err)
		}
		if got := p.KeepAlive(); got != tt.want {
			t.Errorf("%q: KeepAlive = %v, want %v", tt.head, got, tt.want)
		}
	}
}

func TestParser_Response(t *testing.T) {
	p := NewResponseParser(Limits{})
	els, err := collect(t, p, []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	want := "status(200 OK);hdr(Content-Length=2);headend;hi;end;"
	if got := flatten(els); got != want {
		t.Errorf("elements = %q, want %q", got, want)
	}
}

func TestParser_ResponseNoBodyStatuses(t *testing.T) {
	for _, head := range []string{
		"HTTP/1.1 204 No Content\r\n\r\n",
		"HTTP/1.1 304 Not Modified\r\nContent-Length: 10\r\n\r\n",
	} {
		p := NewResponseParser(Limits{})
		els, err := collect(t, p, []byte(head))
		if err != nil {
			t.Fatalf("%q: %v", head, err)
		}
		last := els[len(els)-1]
		if last.Kind != KindBodyEnd {
			t.Errorf("%q: last element %v, want body end without data", head, last.Kind)
		}
	}

	// HEAD responses are bodyless regardless of Content-Length.
	p := NewResponseParser(Limits{})
	p.ExpectNoBody(true)
	els, err := collect(t, p, []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"))
	if err != nil {
		t.Fatalf("HEAD response: %v", err)
	}
	if els[len(els)-1].Kind != KindBodyEnd {
		t.Error("HEAD response should end without body data")
	}
}

func TestParser_ResponseCloseDelimited(t *testing.T) {
	p := NewResponseParser(Limits{})
	els, err := collect(t, p, []byte("HTTP/1.1 200 OK\r\nServer: x\r\n\r\npartial data"))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if els[len(els)-1].Kind != KindBodyChunk {
		t.Fatalf("expected streaming body, got %v", els[len(els)-1].Kind)
	}

	el, err := p.Eof()
	if err != nil {
		t.Fatalf("Eof: %v", err)
	}
	if el.Kind != KindBodyEnd {
		t.Errorf("Eof element = %v, want body end", el.Kind)
	}
}

func TestParser_EofMidMessage(t *testing.T) {
	p := NewRequestParser(Limits{})
	if _, err := collect(t, p, []byte("GET /x HT")); err != nil {
		t.Fatalf("partial feed: %v", err)
	}
	_, err := p.Eof()
	var pe *Error
	if !errors.As(err, &pe) || pe.Cause != CauseUnexpectedEOF {
		t.Fatalf("Eof mid-message = %v, want unexpected EOF", err)
	}

	// A clean close between messages is not an error.
	p = NewRequestParser(Limits{})
	el, err := p.Eof()
	if err != nil || el.Kind != KindNeedMore {
		t.Errorf("idle Eof = (%v, %v), want clean need-more", el.Kind, err)
	}
}

func TestParser_KeepAliveMessageSequence(t *testing.T) {
	p := NewRequestParser(Limits{})
	input := []byte("GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n")
	els, err := collect(t, p, input)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	want := "req(GET /a HTTP/1.1);hdr(Host=x);headend;;end;" +
		"req(GET /b HTTP/1.1);hdr(Host=x);headend;;end;"
	if got := flatten(els); got != want {
		t.Errorf("elements = %q, want %q", got, want)
	}
}

func Benchmark_Parser_SimpleRequest(b *testing.B) {
	input := []byte("GET /path/to/resource HTTP/1.1\r\nHost: example.com\r\n" +
		"User-Agent: bench\r\nAccept: */*\r\n\r\n")
	p := NewRequestParser(Limits{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data := input
		for {
			consumed, el, err := p.Feed(data)
			if err != nil {
				b.Fatal(err)
			}
			data = data[consumed:]
			if el.Kind == KindBodyEnd {
				break
			}
		}
	}
}
