//go:build linux

package reactor

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 256

// epollLoop implements Loop on Linux epoll, level-triggered. Level
// triggering keeps the partial-I/O contract simple: a handler that stops
// reading mid-buffer is re-notified on the next poll instead of having to
// drain to EAGAIN in one pass.
type epollLoop struct {
	epfd     int
	handlers map[int]Handler

	tickers  []*ticker
	deferred []func()

	// wake side: eventfd plus a small mutex-guarded queue. This is the one
	// place another goroutine may touch the loop; everything else is
	// loop-goroutine only.
	wakeFD int
	wakeMu sync.Mutex
	waked  []func()

	stopping bool
}

// NewLoop creates an epoll-backed event loop.
func NewLoop() (Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	l := &epollLoop{
		epfd:     epfd,
		handlers: make(map[int]Handler),
		wakeFD:   wakeFD,
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add wake fd: %w", err)
	}
	return l, nil
}

func epollEvents(interest Event) uint32 {
	var ev uint32
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	// EPOLLERR and EPOLLHUP are always delivered; EPOLLRDHUP lets a relay
	// see a half-close promptly.
	return ev | unix.EPOLLRDHUP
}

func (l *epollLoop) Register(fd int, interest Event, h Handler) error {
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollEvents(interest),
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	l.handlers[fd] = h
	return nil
}

func (l *epollLoop) Modify(fd int, interest Event) error {
	if _, ok := l.handlers[fd]; !ok {
		return ErrNotRegistered
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollEvents(interest),
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (l *epollLoop) Deregister(fd int) error {
	if _, ok := l.handlers[fd]; !ok {
		return ErrNotRegistered
	}
	delete(l.handlers, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (l *epollLoop) AddTicker(every time.Duration, fn func()) {
	l.tickers = append(l.tickers, &ticker{every: every, next: time.Now().Add(every), fn: fn})
}

func (l *epollLoop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

func (l *epollLoop) Wake(fn func()) {
	l.wakeMu.Lock()
	l.waked = append(l.waked, fn)
	l.wakeMu.Unlock()

	var one = [8]byte{7: 1}
	for {
		_, err := unix.Write(l.wakeFD, one[:])
		if err != unix.EINTR {
			return
		}
	}
}

// pollTimeout returns how long the poll may sleep before the next ticker is
// due, capped so shutdown and Wake latencies stay bounded.
func (l *epollLoop) pollTimeout(now time.Time) int {
	const maxSleep = time.Second
	sleep := maxSleep
	for _, t := range l.tickers {
		if d := t.next.Sub(now); d < sleep {
			sleep = d
		}
	}
	if sleep < 0 {
		return 0
	}
	return int(sleep / time.Millisecond)
}

func (l *epollLoop) Run() error {
	events := make([]unix.EpollEvent, maxEvents)

	for !l.stopping {
		n, err := unix.EpollWait(l.epfd, events, l.pollTimeout(time.Now()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			e := events[i]
			fd := int(e.Fd)

			if fd == l.wakeFD {
				l.drainWake()
				continue
			}

			h, ok := l.handlers[fd]
			if !ok {
				// Deregistered by an earlier handler in this same round.
				continue
			}

			var ev Event
			if e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
				ev |= Readable
			}
			if e.Events&unix.EPOLLOUT != 0 {
				ev |= Writable
			}
			if e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				ev |= Errored
			}
			h(fd, ev)
		}

		l.runDeferred()
		l.runTickers(time.Now())
	}
	return nil
}

func (l *epollLoop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakeFD, buf[:]); err != nil {
			break
		}
	}
	l.wakeMu.Lock()
	jobs := l.waked
	l.waked = nil
	l.wakeMu.Unlock()
	for _, fn := range jobs {
		fn()
	}
}

func (l *epollLoop) runDeferred() {
	// Deferred jobs may queue more deferred jobs; those run next round.
	jobs := l.deferred
	l.deferred = nil
	for _, fn := range jobs {
		fn()
	}
}

func (l *epollLoop) runTickers(now time.Time) {
	for _, t := range l.tickers {
		if now.Before(t.next) {
			continue
		}
		t.next = now.Add(t.every)
		t.fn()
	}
}

func (l *epollLoop) Shutdown() {
	l.stopping = true
	// A Wake forces poll return if Shutdown is invoked off-loop.
	l.Wake(func() {})
}

func (l *epollLoop) Close() error {
	if err := unix.Close(l.wakeFD); err != nil {
		return err
	}
	return unix.Close(l.epfd)
}
