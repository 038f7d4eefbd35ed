package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"mercator-hq/ganymede/pkg/config"
	"mercator-hq/ganymede/pkg/control"
)

// workerProc is the supervisor's handle on one worker process: the
// child itself plus the control channel inherited as fd 3.
type workerProc struct {
	id  int
	cmd *exec.Cmd

	// mu serializes order/ack cycles on the channel. Orders reach a
	// worker one at a time, in the order they were submitted.
	mu sync.Mutex
	ch *control.Channel

	// retired marks a planned exit (soft stop, upgrade) so the monitor
	// goroutine does not respawn it. Guarded by retiredMu, not mu: the
	// monitor must be able to read it while an order is in flight.
	retiredMu sync.Mutex
	retired   bool

	exited  chan struct{}
	exitErr error
}

func (wp *workerProc) retire() {
	wp.retiredMu.Lock()
	wp.retired = true
	wp.retiredMu.Unlock()
}

func (wp *workerProc) isRetired() bool {
	wp.retiredMu.Lock()
	defer wp.retiredMu.Unlock()
	return wp.retired
}

// workerArgs renders the data-plane tuning as flags for the hidden
// worker subcommand. Everything else reaches the worker as orders.
func workerArgs(id int, cfg *config.Config) []string {
	p := cfg.Proxy
	return []string{
		"worker",
		"--id", strconv.Itoa(id),
		"--max-sessions", strconv.Itoa(p.MaxSessions),
		"--buffer-size", strconv.Itoa(p.BufferSize),
		"--front-timeout", p.FrontTimeout.String(),
		"--back-timeout", p.BackTimeout.String(),
		"--drain-timeout", p.DrainTimeout.String(),
		"--max-retries", strconv.Itoa(p.MaxRetries),
		"--max-idle-per-backend", strconv.Itoa(p.MaxIdlePerBackend),
		"--max-head-bytes", strconv.Itoa(p.MaxHeadBytes),
		"--max-header-count", strconv.Itoa(p.MaxHeaderCount),
		"--log-level", cfg.Telemetry.Logging.Level,
		"--log-format", cfg.Telemetry.Logging.Format,
	}
}

// spawnWorker starts one worker process connected over a socketpair.
// The worker end becomes the child's fd 3.
func spawnWorker(id int, cfg *config.Config) (*workerProc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable path: %w", err)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create control socketpair: %w", err)
	}

	workerEnd := os.NewFile(uintptr(fds[1]), "worker-control")
	ch, err := control.FromFD(uintptr(fds[0]), "supervisor-control")
	if err != nil {
		workerEnd.Close()
		return nil, err
	}

	cmd := exec.Command(exe, workerArgs(id, cfg)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{workerEnd}

	if err := cmd.Start(); err != nil {
		workerEnd.Close()
		ch.Close()
		return nil, fmt.Errorf("failed to start worker %d: %w", id, err)
	}
	workerEnd.Close()

	wp := &workerProc{
		id:     id,
		cmd:    cmd,
		ch:     ch,
		exited: make(chan struct{}),
	}
	go func() {
		wp.exitErr = cmd.Wait()
		close(wp.exited)
	}()
	return wp, nil
}

// pid returns the worker's process ID.
func (wp *workerProc) pid() int {
	if wp.cmd == nil || wp.cmd.Process == nil {
		return 0
	}
	return wp.cmd.Process.Pid
}

// request sends one order and waits for its final acknowledgement.
func (wp *workerProc) request(m *control.Message) (*control.Ack, error) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if err := wp.ch.WriteMessage(m); err != nil {
		return nil, fmt.Errorf("worker %d: failed to send %s: %w", wp.id, m.Type, err)
	}
	a, err := wp.ch.WaitAck(m.ID)
	if err != nil {
		return nil, fmt.Errorf("worker %d: no acknowledgement for %s: %w", wp.id, m.Type, err)
	}
	return a, nil
}

// requestFD sends one order with a descriptor attached and waits for
// its final acknowledgement.
func (wp *workerProc) requestFD(m *control.Message, fd int) (*control.Ack, error) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if err := wp.ch.WriteMessageFD(m, fd); err != nil {
		return nil, fmt.Errorf("worker %d: failed to send %s: %w", wp.id, m.Type, err)
	}
	a, err := wp.ch.WaitAck(m.ID)
	if err != nil {
		return nil, fmt.Errorf("worker %d: no acknowledgement for %s: %w", wp.id, m.Type, err)
	}
	return a, nil
}

// apply sends an order and converts an error ack into a Go error.
func (wp *workerProc) apply(m *control.Message) error {
	a, err := wp.request(m)
	if err != nil {
		return err
	}
	if a.Status != control.StatusOK {
		return fmt.Errorf("worker %d rejected %s: %s", wp.id, m.Type, a.Detail)
	}
	return nil
}

// kill forcibly ends the worker and waits for the process to be reaped.
func (wp *workerProc) kill() {
	wp.retire()
	if wp.cmd != nil && wp.cmd.Process != nil {
		wp.cmd.Process.Kill()
		<-wp.exited
	}
	wp.ch.Close()
}

// softStop asks the worker to drain and waits up to timeout for the
// process to exit, killing it if the deadline passes.
func (wp *workerProc) softStop(timeout time.Duration) error {
	wp.retire()

	m := control.NewMessage(control.OrderSoftStop)
	if err := wp.apply(m); err != nil {
		wp.kill()
		return err
	}

	select {
	case <-wp.exited:
	case <-time.After(timeout):
		wp.cmd.Process.Kill()
		<-wp.exited
	}
	wp.ch.Close()
	return nil
}
