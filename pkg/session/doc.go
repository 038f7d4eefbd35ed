// Package session implements the per-connection proxy state machine.
//
// A Session owns one accepted front connection and at most one backend
// connection at a time. It is driven entirely by readiness events from
// the worker's reactor loop: no method blocks, every read and write
// tolerates short counts, and all session state is confined to the
// loop goroutine. The one exception is TLS termination, which runs a
// per-session bridge goroutine around crypto/tls and hands results
// back to the loop through reactor.Wake.
//
// HTTP sessions parse the request head, rewrite proxy headers, and
// stream body and response bytes through fixed buffers borrowed from
// the slot allocator. Response bytes are forwarded byte-exact; the
// response parser is consulted only for message framing so the session
// knows when a keep-alive cycle completes. Raw TCP sessions relay
// bytes both ways with half-close handling and no parsing.
package session
