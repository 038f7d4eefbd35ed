//go:build linux

package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func testPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestLoop(t *testing.T) Loop {
	t.Helper()
	l, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLoop_DispatchesReadable(t *testing.T) {
	l := newTestLoop(t)
	a, b := testPair(t)

	var got []byte
	err := l.Register(a, Readable, func(fd int, ev Event) {
		if !ev.Has(Readable) {
			t.Errorf("event = %v, want readable", ev)
		}
		buf := make([]byte, 16)
		n, err := unix.Read(fd, buf)
		if err != nil {
			t.Errorf("read: %v", err)
		}
		got = append(got, buf[:n]...)
		l.Shutdown()
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := unix.Write(b, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("read %q, want ping", got)
	}
}

func TestLoop_ModifyInterest(t *testing.T) {
	l := newTestLoop(t)
	a, _ := testPair(t)

	var sawWritable bool
	if err := l.Register(a, Readable, func(fd int, ev Event) {}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := l.Modify(a, Writable); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if err := l.Deregister(a); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := l.Modify(a, Readable); err != ErrNotRegistered {
		t.Errorf("Modify after Deregister = %v, want ErrNotRegistered", err)
	}

	// An idle empty socket registered for write readiness fires at once.
	c, _ := testPair(t)
	l.Register(c, Writable, func(fd int, ev Event) {
		if ev.Has(Writable) {
			sawWritable = true
		}
		l.Shutdown()
	})
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawWritable {
		t.Error("writable readiness never delivered")
	}
}

func TestLoop_PeerCloseDeliversEvent(t *testing.T) {
	l := newTestLoop(t)
	a, b := testPair(t)

	fired := false
	l.Register(a, Readable, func(fd int, ev Event) {
		// Close shows up as readable (EOF) and possibly errored.
		fired = true
		l.Shutdown()
	})
	unix.Close(b)

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !fired {
		t.Error("peer close produced no event")
	}
}

func TestLoop_DeferRunsBetweenRounds(t *testing.T) {
	l := newTestLoop(t)
	a, b := testPair(t)

	order := []string{}
	l.Register(a, Readable, func(fd int, ev Event) {
		var buf [8]byte
		unix.Read(fd, buf[:])
		order = append(order, "handler")
		l.Defer(func() {
			order = append(order, "deferred")
			l.Shutdown()
		})
	})
	unix.Write(b, []byte("x"))

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != "handler" || order[1] != "deferred" {
		t.Errorf("order = %v, want handler then deferred", order)
	}
}

func TestLoop_TickerFires(t *testing.T) {
	l := newTestLoop(t)

	ticks := 0
	l.AddTicker(10*time.Millisecond, func() {
		ticks++
		if ticks >= 2 {
			l.Shutdown()
		}
	})

	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ticker never fired")
	}
	if ticks < 2 {
		t.Errorf("ticks = %d, want >= 2", ticks)
	}
}

func TestLoop_WakeFromOtherGoroutine(t *testing.T) {
	l := newTestLoop(t)

	ran := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Wake(func() {
			close(ran)
			l.Shutdown()
		})
	}()

	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wake never interrupted the poll")
	}
	<-ran
}
