// Package http1 implements an incremental HTTP/1.x parser and serializer for
// the proxy data path.
//
// The parser consumes arbitrarily segmented byte chunks and emits a stream of
// elements (request/status line, one header at a time, end of headers, body
// chunks, end of body). It never looks at more than one message element per
// call and holds no more than one incomplete line of input internally, so the
// element sequence produced for a message is identical for every possible
// segmentation of its bytes.
//
// Framing is resolved conservatively: a message carrying both Content-Length
// and Transfer-Encoding, repeated conflicting Content-Length fields, or a
// Transfer-Encoding other than chunked is rejected as a protocol error
// rather than guessed at, since that ambiguity is the classic
// request-smuggling vector.
//
// The serializer rebuilds a request head with proxy-required edits
// (X-Forwarded-For, connection control) while leaving the order of untouched
// header fields exactly as received, which keeps header-order-sensitive
// backends working.
package http1
