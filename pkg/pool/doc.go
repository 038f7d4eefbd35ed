// Package pool provides the fixed-capacity session-slot and buffer allocator
// used by proxy workers.
//
// A worker owns exactly one Allocator. Every accepted connection acquires one
// slot, which carries a pair of fixed-size byte buffers (front and back
// direction). Slots are addressed by integer Handle, never by pointer, and
// each slot carries a generation counter so a handle that outlives its slot
// is detected as stale instead of silently aliasing a recycled session.
//
// The allocator never grows and never queues: acquiring past capacity fails
// immediately, which is how the worker applies backpressure to accept().
package pool
