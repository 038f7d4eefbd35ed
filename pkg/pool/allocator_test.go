package pool

import (
	"bytes"
	"errors"
	"testing"
)

func TestAllocator_AcquireRelease(t *testing.T) {
	a, err := NewAllocator(4, 64)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	h, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := a.InUse(); got != 1 {
		t.Errorf("InUse = %d, want 1", got)
	}
	if !a.Valid(h) {
		t.Error("handle should be valid while slot is live")
	}

	front, back, err := a.Buffers(h)
	if err != nil {
		t.Fatalf("Buffers: %v", err)
	}
	if front.Cap() != 64 || back.Cap() != 64 {
		t.Errorf("buffer caps = %d/%d, want 64/64", front.Cap(), back.Cap())
	}

	if err := a.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if a.InUse() != 0 {
		t.Errorf("InUse after release = %d, want 0", a.InUse())
	}
}

func TestAllocator_CapacityRefusal(t *testing.T) {
	a, err := NewAllocator(2, 16)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	h1, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if _, err := a.Acquire(); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	// Third acquisition must be refused, not queued.
	if _, err := a.Acquire(); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Acquire past capacity = %v, want ErrCapacity", err)
	}

	// After exactly one release, exactly one acquisition succeeds again.
	if err := a.Release(h1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := a.Acquire(); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if _, err := a.Acquire(); !errors.Is(err, ErrCapacity) {
		t.Fatalf("second Acquire after single release = %v, want ErrCapacity", err)
	}
}

func TestAllocator_StaleHandleDetected(t *testing.T) {
	a, err := NewAllocator(1, 16)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	h, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := a.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Double release must fail.
	if err := a.Release(h); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("double Release = %v, want ErrStaleHandle", err)
	}

	// The slot is recycled under a new generation; the old handle must not
	// alias the new session.
	h2, err := a.Acquire()
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if h2.Index() != h.Index() {
		t.Fatalf("expected slot reuse, got index %d then %d", h.Index(), h2.Index())
	}
	if h2.Generation() == h.Generation() {
		t.Error("recycled slot kept its generation; stale handles would alias")
	}
	if a.Valid(h) {
		t.Error("stale handle reported valid")
	}
	if _, _, err := a.Buffers(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Buffers with stale handle = %v, want ErrStaleHandle", err)
	}
}

func TestAllocator_BuffersResetOnReuse(t *testing.T) {
	a, err := NewAllocator(1, 16)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	h, _ := a.Acquire()
	front, _, _ := a.Buffers(h)
	front.Append([]byte("leftover"))
	a.Release(h)

	h2, _ := a.Acquire()
	front2, back2, _ := a.Buffers(h2)
	if front2.Len() != 0 || back2.Len() != 0 {
		t.Errorf("reused slot buffers not reset: front=%d back=%d", front2.Len(), back2.Len())
	}
}

func TestBuffer_Cursors(t *testing.T) {
	a, _ := NewAllocator(1, 8)
	h, _ := a.Acquire()
	b, _, _ := a.Buffers(h)

	n := b.Append([]byte("abcdef"))
	if n != 6 {
		t.Fatalf("Append = %d, want 6", n)
	}
	if !bytes.Equal(b.Readable(), []byte("abcdef")) {
		t.Fatalf("Readable = %q", b.Readable())
	}

	b.Consume(4)
	if !bytes.Equal(b.Readable(), []byte("ef")) {
		t.Fatalf("Readable after Consume = %q", b.Readable())
	}

	// Write cursor is at the end; only 2 bytes fit until compaction.
	if got := len(b.Writable()); got != 2 {
		t.Fatalf("Writable len = %d, want 2", got)
	}
	b.Compact()
	if got := len(b.Writable()); got != 6 {
		t.Fatalf("Writable len after Compact = %d, want 6", got)
	}
	if !bytes.Equal(b.Readable(), []byte("ef")) {
		t.Fatalf("Readable after Compact = %q", b.Readable())
	}

	// Full drain snaps cursors back without compaction.
	b.Consume(2)
	if !b.Empty() || len(b.Writable()) != 8 {
		t.Errorf("drained buffer did not reset cursors")
	}
}

func TestBuffer_FullAppliesBackpressure(t *testing.T) {
	a, _ := NewAllocator(1, 4)
	h, _ := a.Acquire()
	b, _, _ := a.Buffers(h)

	if n := b.Append([]byte("abcdef")); n != 4 {
		t.Fatalf("Append into 4-byte buffer = %d, want 4", n)
	}
	if !b.Full() {
		t.Error("buffer should be full")
	}
	if len(b.Writable()) != 0 {
		t.Error("full buffer should expose no writable space")
	}
}

func Benchmark_Allocator_AcquireRelease(b *testing.B) {
	a, err := NewAllocator(1024, 4096)
	if err != nil {
		b.Fatalf("NewAllocator: %v", err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, err := a.Acquire()
		if err != nil {
			b.Fatal(err)
		}
		if err := a.Release(h); err != nil {
			b.Fatal(err)
		}
	}
}
