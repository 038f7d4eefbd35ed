package pool

// Buffer is a fixed-size byte region with read and write cursors, used as a
// relay buffer between two sockets. Bytes are appended at the write cursor
// (Writable/Advance) and drained from the read cursor (Readable/Consume).
// When fully drained the cursors snap back to the start of the region, so a
// session that keeps up with its peer never shifts memory.
type Buffer struct {
	data  []byte
	start int
	end   int
}

// Writable returns the unused tail of the buffer for a read(2) to fill.
// An empty result means the buffer is full and the source must be paused.
func (b *Buffer) Writable() []byte { return b.data[b.end:] }

// Advance records that n bytes were written into Writable.
func (b *Buffer) Advance(n int) { b.end += n }

// Readable returns the buffered bytes not yet consumed.
func (b *Buffer) Readable() []byte { return b.data[b.start:b.end] }

// Consume discards n leading bytes of Readable.
func (b *Buffer) Consume(n int) {
	b.start += n
	if b.start == b.end {
		b.start = 0
		b.end = 0
	}
}

// Append copies p into the buffer and reports how many bytes fit.
func (b *Buffer) Append(p []byte) int {
	n := copy(b.data[b.end:], p)
	b.end += n
	return n
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return b.end - b.start }

// Cap returns the fixed capacity of the region.
func (b *Buffer) Cap() int { return len(b.data) }

// Empty reports whether no bytes are buffered.
func (b *Buffer) Empty() bool { return b.start == b.end }

// Full reports whether no space remains at the write cursor. A buffer can be
// Full without holding Cap bytes if the reader lags; Compact reclaims that.
func (b *Buffer) Full() bool { return b.end == len(b.data) }

// Compact shifts unconsumed bytes to the start of the region, freeing the
// tail for writing. It is a memmove; callers only invoke it when Full
// returns true but Len is below Cap.
func (b *Buffer) Compact() {
	if b.start == 0 {
		return
	}
	copy(b.data, b.data[b.start:b.end])
	b.end -= b.start
	b.start = 0
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.start = 0
	b.end = 0
}
