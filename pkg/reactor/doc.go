// Package reactor implements the single-goroutine readiness event loop that
// drives a proxy worker.
//
// All registered file descriptors (listeners, session sockets, the control
// channel) are polled with epoll; each ready event invokes the handler
// registered for that descriptor. Handlers run on the loop goroutine and
// must never block: socket I/O is non-blocking and EAGAIN is a normal
// outcome that re-arms interest rather than waiting.
//
// The loop also owns time: periodic tickers (used for session timeout
// sweeps) fire between dispatch rounds, and deferred functions queued with
// Defer run after the current round, which is the hook used for atomic
// configuration-snapshot swaps.
package reactor
