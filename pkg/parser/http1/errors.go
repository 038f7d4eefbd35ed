package http1

import (
	"errors"
	"fmt"
)

// ErrParse is the sentinel all parse errors match with errors.Is().
var ErrParse = errors.New("http parse error")

// Cause classifies a parse failure. The proxy maps causes to synthetic
// response codes (400 for client-side causes, 502 for backend-side ones).
type Cause int

const (
	// CauseMalformedStartLine covers unparseable request or status lines.
	CauseMalformedStartLine Cause = iota

	// CauseMalformedHeader covers header lines without a colon-separated
	// name, or names containing forbidden characters.
	CauseMalformedHeader

	// CauseHeaderTooLarge is returned when the head (start line plus
	// headers) exceeds the configured byte limit.
	CauseHeaderTooLarge

	// CauseTooManyHeaders is returned when the header-count limit is hit.
	CauseTooManyHeaders

	// CauseInvalidContentLength covers non-numeric or conflicting
	// repeated Content-Length fields.
	CauseInvalidContentLength

	// CauseInvalidChunkFraming covers bad chunk-size lines, missing chunk
	// CRLFs and unsupported transfer codings.
	CauseInvalidChunkFraming

	// CauseAmbiguousFraming is returned when both Content-Length and
	// Transfer-Encoding are present, or when a method that requires
	// explicit body framing declares neither.
	CauseAmbiguousFraming

	// CauseBodyTooLarge is returned when the body exceeds the configured
	// limit, whether declared up front or discovered while streaming.
	CauseBodyTooLarge

	// CauseUnexpectedEOF is returned when the peer closes mid-message.
	CauseUnexpectedEOF
)

var causeNames = map[Cause]string{
	CauseMalformedStartLine:   "malformed start line",
	CauseMalformedHeader:      "malformed header",
	CauseHeaderTooLarge:       "header block too large",
	CauseTooManyHeaders:       "too many headers",
	CauseInvalidContentLength: "invalid content-length",
	CauseInvalidChunkFraming:  "invalid chunked framing",
	CauseAmbiguousFraming:     "ambiguous body framing",
	CauseBodyTooLarge:         "body too large",
	CauseUnexpectedEOF:        "unexpected end of stream",
}

// String returns the human-readable cause name.
func (c Cause) String() string {
	if s, ok := causeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

// Error is a classified parse failure.
type Error struct {
	// Cause is the failure classification.
	Cause Cause

	// Detail is a short description of the offending input.
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("http parse error: %s", e.Cause)
	}
	return fmt.Sprintf("http parse error: %s: %s", e.Cause, e.Detail)
}

// Is implements error matching for errors.Is().
func (e *Error) Is(target error) bool {
	return target == ErrParse
}

func parseErr(cause Cause, detail string) *Error {
	return &Error{Cause: cause, Detail: detail}
}
