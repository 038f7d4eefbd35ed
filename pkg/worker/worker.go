package worker

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"mercator-hq/ganymede/pkg/control"
	"mercator-hq/ganymede/pkg/parser/http1"
	"mercator-hq/ganymede/pkg/pool"
	"mercator-hq/ganymede/pkg/reactor"
	"mercator-hq/ganymede/pkg/routing"
	"mercator-hq/ganymede/pkg/routing/strategies"
	"mercator-hq/ganymede/pkg/security/tls"
	"mercator-hq/ganymede/pkg/session"
)

// Options configures a worker. Zero values fall back to defaults.
type Options struct {
	// ID is the worker's index, echoed in status reports.
	ID int

	// ControlFD is the descriptor connected to the supervisor. The
	// worker sets it non-blocking and owns it from then on.
	ControlFD int

	// MaxSessions caps concurrent sessions; accepting pauses at the cap.
	MaxSessions int

	// BufferSize is the per-direction session buffer size in bytes.
	BufferSize int

	FrontTimeout time.Duration
	BackTimeout  time.Duration

	// DrainTimeout bounds how long soft_stop waits for in-flight
	// sessions before forcing them closed.
	DrainTimeout time.Duration

	ParserLimits http1.Limits

	// MaxRetries is the listener-level default for backend connect
	// attempts per request.
	MaxRetries int

	// MaxIdlePerBackend caps pooled keep-alive connections per backend.
	MaxIdlePerBackend int

	Logger  *slog.Logger
	Metrics session.Metrics
}

const (
	defaultMaxSessions  = 1024
	defaultBufferSize   = 16 * 1024
	defaultFrontTimeout = 60 * time.Second
	defaultBackTimeout  = 30 * time.Second
	defaultDrainTimeout = 30 * time.Second
	defaultMaxIdle      = 4

	// sweepInterval is how often session deadlines are checked.
	sweepInterval = time.Second
)

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.FrontTimeout <= 0 {
		opts.FrontTimeout = defaultFrontTimeout
	}
	if opts.BackTimeout <= 0 {
		opts.BackTimeout = defaultBackTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.MaxIdlePerBackend <= 0 {
		opts.MaxIdlePerBackend = defaultMaxIdle
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Worker runs one event loop serving the listeners and clusters the
// supervisor ordered it to serve.
//
// Example usage:
//
//	w, err := worker.New(worker.Options{ControlFD: 3})
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//	return w.Run()
type Worker struct {
	opts     Options
	logger   *slog.Logger
	loop     reactor.Loop
	alloc    *pool.Allocator
	balancer *routing.Balancer
	connPool *routing.ConnPool
	certs    *tls.Store
	env      *session.Env

	snap      *routing.Snapshot
	listeners map[string]*listener
	sessions  map[*session.Session]struct{}

	// Control-plane plumbing. ctlOut holds acks not yet written to the
	// (non-blocking) control descriptor.
	ctlFD       int
	ctlBuf      []byte
	ctlInterest reactor.Event
	ctlOut      []byte
	dec         *control.Decoder
	pendingFDs  []int

	runState      control.RunState
	drainAckID    string
	drainDeadline time.Time
	started       time.Time
}

// New builds a worker around an inherited control descriptor.
func New(o Options) (*Worker, error) {
	opts := o.withDefaults()

	loop, err := reactor.NewLoop()
	if err != nil {
		return nil, fmt.Errorf("failed to create event loop: %w", err)
	}
	alloc, err := pool.NewAllocator(opts.MaxSessions, opts.BufferSize)
	if err != nil {
		loop.Close()
		return nil, fmt.Errorf("failed to create session allocator: %w", err)
	}

	w := &Worker{
		opts:      opts,
		logger:    opts.Logger.With("component", "worker", "worker_id", opts.ID),
		loop:      loop,
		alloc:     alloc,
		balancer:  routing.NewBalancer(strategies.DefaultSet()),
		connPool:  routing.NewConnPool(opts.MaxIdlePerBackend),
		certs:     tls.NewStore(),
		snap:      routing.NewSnapshot(),
		listeners: make(map[string]*listener),
		sessions:  make(map[*session.Session]struct{}),
		ctlFD:     opts.ControlFD,
		ctlBuf:    make([]byte, 64*1024),
		dec:       control.NewDecoder(),
		runState:  control.RunStateRunning,
		started:   time.Now(),
	}
	w.env = &session.Env{
		Loop:     loop,
		Alloc:    alloc,
		Balancer: w.balancer,
		ConnPool: w.connPool,
		Snapshot: func() *routing.Snapshot { return w.snap },
		Scratch:  make([]byte, opts.BufferSize),
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		OnClosed: w.onSessionClosed,
	}

	if err := unix.SetNonblock(w.ctlFD, true); err != nil {
		w.cleanup()
		return nil, fmt.Errorf("failed to set control descriptor non-blocking: %w", err)
	}
	w.ctlInterest = reactor.Readable
	if err := loop.Register(w.ctlFD, w.ctlInterest, w.onControlEvent); err != nil {
		w.cleanup()
		return nil, fmt.Errorf("failed to register control descriptor: %w", err)
	}
	return w, nil
}

// Run drives the event loop until a stop order arrives or the
// supervisor's end of the control channel closes.
func (w *Worker) Run() error {
	w.loop.AddTicker(sweepInterval, w.sweep)
	w.logger.Info("worker running",
		"pid", os.Getpid(),
		"max_sessions", w.opts.MaxSessions,
	)
	err := w.loop.Run()
	w.logger.Info("worker stopped", "run_state", string(w.runState))
	return err
}

// Close releases every descriptor the worker owns. Call after Run
// returns.
func (w *Worker) Close() error {
	w.cleanup()
	return w.loop.Close()
}

func (w *Worker) cleanup() {
	for id := range w.listeners {
		w.dropListener(id)
	}
	for _, fd := range w.connPool.DrainAll() {
		unix.Close(fd)
	}
	for _, fd := range w.pendingFDs {
		unix.Close(fd)
	}
	w.pendingFDs = nil
	if w.ctlFD >= 0 {
		w.loop.Deregister(w.ctlFD)
		unix.Close(w.ctlFD)
		w.ctlFD = -1
	}
}

// sweep enforces session deadlines and the drain deadline. Runs on the
// loop goroutine between dispatch rounds.
func (w *Worker) sweep() {
	now := time.Now()
	for s := range w.sessions {
		if s.Expired(now) {
			s.OnTimeout()
		}
	}
	if w.runState == control.RunStateDraining && now.After(w.drainDeadline) {
		w.logger.Warn("drain deadline elapsed, forcing remaining sessions closed",
			"remaining", len(w.sessions),
		)
		for s := range w.sessions {
			s.Drain()
		}
	}
}

// onSessionClosed is installed as Env.OnClosed. Frees the accept gate
// and advances a drain in progress.
func (w *Worker) onSessionClosed(s *session.Session) {
	delete(w.sessions, s)
	if w.runState == control.RunStateRunning {
		w.resumeListeners()
	}
	w.checkDrained()
}

// checkDrained finishes a soft stop once the last session is gone.
func (w *Worker) checkDrained() {
	if w.runState != control.RunStateDraining || len(w.sessions) > 0 {
		return
	}
	w.runState = control.RunStateExited
	if w.drainAckID != "" {
		w.sendAck(control.AckOK(w.drainAckID, "drained"))
		w.drainAckID = ""
	}
	w.loop.Shutdown()
}

// hardStop abandons in-flight sessions and exits the loop.
func (w *Worker) hardStop() {
	w.runState = control.RunStateExited
	for s := range w.sessions {
		s.Drain()
	}
	w.loop.Shutdown()
}

func (w *Worker) statusReport() *control.StatusReport {
	return &control.StatusReport{
		WorkerID:       w.opts.ID,
		PID:            os.Getpid(),
		RunState:       w.runState,
		ActiveSessions: len(w.sessions),
		UptimeSeconds:  int64(time.Since(w.started).Seconds()),
	}
}

func (w *Worker) metricsReport() *control.MetricsReport {
	rep := &control.MetricsReport{
		WorkerID:       w.opts.ID,
		ActiveSessions: len(w.sessions),
		PooledIdle:     w.connPool.Idle(),
		PoolReuses:     w.connPool.Reuses(),
		Clusters:       make(map[string]control.ClusterMetrics),
	}
	for _, name := range w.snap.Clusters() {
		c, _ := w.snap.Cluster(name)
		cm := control.ClusterMetrics{Backends: len(c.Backends)}
		for _, b := range c.Backends {
			if b.Status() == routing.Healthy {
				cm.Healthy++
			}
			cm.ActiveSessions += b.Active()
		}
		rep.Clusters[name] = cm
	}
	return rep
}

func (w *Worker) configDump() *control.ConfigDump {
	dump := &control.ConfigDump{}
	for _, l := range w.listeners {
		dump.Listeners = append(dump.Listeners, l.spec)
	}
	for _, name := range w.snap.Clusters() {
		c, _ := w.snap.Cluster(name)
		dump.Clusters = append(dump.Clusters, control.ClusterSpec{
			Name:       c.Name,
			Policy:     string(c.Policy),
			StickyKey:  c.StickyKey,
			MaxRetries: c.MaxRetries,
		})
		for _, b := range c.Backends {
			dump.Backends = append(dump.Backends, control.BackendSpec{
				Cluster: b.Cluster,
				Address: b.Address,
				Weight:  b.Weight,
			})
		}
	}
	return dump
}
