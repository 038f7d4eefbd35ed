package pool

import (
	"errors"
	"fmt"
)

// Common allocator errors that can be checked with errors.Is().
var (
	// ErrCapacity is returned by Acquire when every slot is in use.
	ErrCapacity = errors.New("session slot capacity exhausted")

	// ErrStaleHandle is returned when a handle's generation does not match
	// the slot it points at, meaning the slot was released and possibly
	// recycled since the handle was issued.
	ErrStaleHandle = errors.New("stale session slot handle")
)

// Handle identifies one acquired slot. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// Index returns the slot index for use as a stable session identifier.
func (h Handle) Index() uint32 { return h.index }

// Generation returns the slot generation the handle was issued under.
func (h Handle) Generation() uint32 { return h.gen }

// String formats the handle as "index@generation" for logs.
func (h Handle) String() string { return fmt.Sprintf("%d@%d", h.index, h.gen) }

type slot struct {
	gen   uint32
	live  bool
	front Buffer
	back  Buffer
}

// Allocator is a fixed-capacity pool of session slots and their buffers.
// It is not safe for concurrent use; a worker accesses it only from its
// event-loop goroutine.
type Allocator struct {
	slots []slot
	free  []uint32
	inUse int
}

// NewAllocator creates an allocator with the given slot capacity, each slot
// carrying two buffers of bufferSize bytes. All buffer memory is allocated
// up front from one contiguous region so per-session churn allocates nothing.
func NewAllocator(capacity, bufferSize int) (*Allocator, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("allocator capacity must be positive, got %d", capacity)
	}
	if bufferSize <= 0 {
		return nil, fmt.Errorf("allocator buffer size must be positive, got %d", bufferSize)
	}

	a := &Allocator{
		slots: make([]slot, capacity),
		free:  make([]uint32, 0, capacity),
	}

	arena := make([]byte, 2*capacity*bufferSize)
	for i := range a.slots {
		off := 2 * i * bufferSize
		a.slots[i].gen = 1
		a.slots[i].front.data = arena[off : off+bufferSize : off+bufferSize]
		a.slots[i].back.data = arena[off+bufferSize : off+2*bufferSize : off+2*bufferSize]
	}

	// Free list is popped from the tail; fill it in reverse so slot 0 is
	// handed out first.
	for i := capacity - 1; i >= 0; i-- {
		a.free = append(a.free, uint32(i))
	}
	return a, nil
}

// Acquire claims a free slot and returns its handle. The slot's buffers are
// reset. Acquire fails with ErrCapacity when the pool is exhausted; callers
// must not retry in a loop, they should stop accepting until a release.
func (a *Allocator) Acquire() (Handle, error) {
	if len(a.free) == 0 {
		return Handle{}, ErrCapacity
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	s := &a.slots[idx]
	s.live = true
	s.front.Reset()
	s.back.Reset()
	a.inUse++
	return Handle{index: idx, gen: s.gen}, nil
}

// Release returns a slot to the pool. The slot's generation is bumped so any
// handle still referring to it becomes stale. Releasing with a stale handle
// fails with ErrStaleHandle; a slot is only ever returned once.
func (a *Allocator) Release(h Handle) error {
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	s.live = false
	s.gen++
	if s.gen == 0 { // generation 0 is reserved for the zero Handle
		s.gen = 1
	}
	a.free = append(a.free, h.index)
	a.inUse--
	return nil
}

// Valid reports whether h still refers to a live slot.
func (a *Allocator) Valid(h Handle) bool {
	_, err := a.lookup(h)
	return err == nil
}

// Buffers returns the front- and back-direction buffers of a live slot.
func (a *Allocator) Buffers(h Handle) (front, back *Buffer, err error) {
	s, err := a.lookup(h)
	if err != nil {
		return nil, nil, err
	}
	return &s.front, &s.back, nil
}

// InUse returns the number of currently acquired slots.
func (a *Allocator) InUse() int { return a.inUse }

// Capacity returns the fixed slot capacity.
func (a *Allocator) Capacity() int { return len(a.slots) }

func (a *Allocator) lookup(h Handle) (*slot, error) {
	if int(h.index) >= len(a.slots) {
		return nil, fmt.Errorf("slot index %d out of range: %w", h.index, ErrStaleHandle)
	}
	s := &a.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil, ErrStaleHandle
	}
	return s, nil
}
