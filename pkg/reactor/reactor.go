package reactor

import (
	"errors"
	"time"
)

// Event is a bitmask of readiness conditions delivered to a handler.
type Event uint32

const (
	// Readable means data (or an accepted connection) can be read.
	Readable Event = 1 << iota

	// Writable means a write that previously would have blocked can retry.
	Writable

	// Errored means the descriptor is in an error or hangup condition; the
	// owner must tear the connection down.
	Errored
)

// Has reports whether ev contains all bits of mask.
func (ev Event) Has(mask Event) bool { return ev&mask == mask }

// Handler receives readiness events for one registered descriptor.
type Handler func(fd int, ev Event)

// ErrNotRegistered is returned when modifying or removing an unknown fd.
var ErrNotRegistered = errors.New("fd not registered with reactor")

// ticker is a periodic job run between dispatch rounds.
type ticker struct {
	every time.Duration
	next  time.Time
	fn    func()
}

// Loop is the readiness event loop. All methods except Wake must be called
// from the loop goroutine (or before Run starts); the loop shares no state
// across goroutines otherwise.
type Loop interface {
	// Register adds fd with an initial interest set.
	Register(fd int, interest Event, h Handler) error

	// Modify replaces the interest set of a registered fd.
	Modify(fd int, interest Event) error

	// Deregister removes fd from the poll set. It does not close the fd.
	Deregister(fd int) error

	// AddTicker schedules fn to run every interval, between dispatch
	// rounds. Used for timeout sweeps.
	AddTicker(every time.Duration, fn func())

	// Defer queues fn to run on the loop goroutine after the current
	// dispatch round. Snapshot swaps go through here so no handler ever
	// observes a half-applied configuration.
	Defer(fn func())

	// Wake is the only goroutine-safe method: it queues fn like Defer and
	// interrupts a blocked poll. Auxiliary goroutines (TLS bridges) hand
	// results back to the loop with it.
	Wake(fn func())

	// Run blocks, dispatching events until Shutdown is called.
	Run() error

	// Shutdown makes Run return after the current round.
	Shutdown()

	// Close releases the poller. The loop must not be running.
	Close() error
}
