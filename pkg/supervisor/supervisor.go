package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"mercator-hq/ganymede/pkg/config"
	"mercator-hq/ganymede/pkg/control"
	"mercator-hq/ganymede/pkg/state"
	"mercator-hq/ganymede/pkg/telemetry/health"
	"mercator-hq/ganymede/pkg/telemetry/metrics"
)

// Options configures a supervisor.
type Options struct {
	// ConfigPath is the file the configuration was loaded from. Watch
	// mode monitors it for changes; empty disables watching regardless
	// of the config setting.
	ConfigPath string

	Logger    *slog.Logger
	Collector *metrics.Collector
}

// Supervisor is the control plane process.
//
// Example usage:
//
//	sup, err := supervisor.New(cfg, supervisor.Options{ConfigPath: path})
//	if err != nil {
//	    return err
//	}
//	defer sup.Close()
//	return sup.Run(ctx)
type Supervisor struct {
	cfg       *config.Config
	cfgPath   string
	logger    *slog.Logger
	collector *metrics.Collector
	stateLog  *state.Log
	checker   *health.Checker

	// mu guards the topology, the worker set and the listener set, and
	// serializes order application across control connections.
	mu        sync.Mutex
	topo      *topology
	workers   map[int]*workerProc
	listeners map[string]*boundListener
	nextID    int
	stopping  bool
	hardStop  bool

	ctlLn      *net.UnixListener
	metricsSrv *http.Server
	cron       *cron.Cron
	watcher    *fsnotify.Watcher

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a supervisor for a validated configuration.
func New(cfg *config.Config, opts Options) (*Supervisor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := opts.Collector
	if collector == nil {
		collector = metrics.NewCollector()
	}

	s := &Supervisor{
		cfg:       cfg,
		cfgPath:   opts.ConfigPath,
		logger:    logger.With("component", "supervisor"),
		collector: collector,
		checker: health.New(health.Config{
			Timeout: cfg.Health.Timeout,
			Fall:    cfg.Health.Fall,
			Rise:    cfg.Health.Rise,
		}),
		topo:      newTopology(),
		workers:   make(map[int]*workerProc),
		listeners: make(map[string]*boundListener),
		nextID:    1,
		done:      make(chan struct{}),
	}

	if cfg.StatePath != "" {
		log, err := state.Open(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		s.stateLog = log
	}
	return s, nil
}

// Run starts the workers and serves the control socket until the
// context is cancelled or a stop order arrives.
func (s *Supervisor) Run(ctx context.Context) error {
	orders, err := s.startupOrders(ctx)
	if err != nil {
		return err
	}

	// Build the model and bind listeners before any worker exists, so
	// the first worker already receives the full configuration.
	s.mu.Lock()
	for _, m := range orders {
		if m.Type == control.OrderAddListener {
			if err := s.bindOrder(m); err != nil {
				s.mu.Unlock()
				return err
			}
		}
		s.topo.apply(m)
	}
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		if _, err := s.startWorker(); err != nil {
			return err
		}
	}

	if err := s.serveControlSocket(); err != nil {
		return err
	}
	if s.cfg.Telemetry.Metrics.Enabled {
		s.serveMetrics()
	}
	if s.cfg.Health.Enabled {
		s.startHealthChecks()
	}
	if s.cfg.Watch && s.cfgPath != "" {
		if err := s.watchConfig(); err != nil {
			s.logger.Warn("config watching disabled", "error", err)
		}
	}

	s.logger.Info("supervisor running",
		"workers", s.cfg.Workers,
		"control_socket", s.cfg.ControlSocket,
		"listeners", len(s.listeners),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
		return s.Shutdown()
	case <-s.done:
		s.mu.Lock()
		hard := s.hardStop
		s.mu.Unlock()
		if hard {
			return s.Close()
		}
		return s.Shutdown()
	}
}

// startupOrders decides what configuration the workers start with: the
// state log when it has entries (runtime drift outlives restarts), the
// configuration file otherwise.
func (s *Supervisor) startupOrders(ctx context.Context) ([]*control.Message, error) {
	if s.stateLog != nil {
		replayed, err := s.stateLog.Replay(ctx)
		if err != nil {
			return nil, err
		}
		if len(replayed) > 0 {
			s.logger.Info("restoring configuration from state log", "orders", len(replayed))
			return replayed, nil
		}
	}

	orders := config.InitialOrders(s.cfg)
	if s.stateLog != nil {
		for _, m := range orders {
			if err := s.stateLog.Append(ctx, m); err != nil {
				return nil, err
			}
		}
	}
	return orders, nil
}

// bindOrder binds the socket for an add_listener order. Called with
// s.mu held.
func (s *Supervisor) bindOrder(m *control.Message) error {
	if _, ok := s.listeners[m.Listener.ID]; ok {
		return fmt.Errorf("listener %s already bound", m.Listener.ID)
	}
	b, err := bindListener(*m.Listener)
	if err != nil {
		return err
	}
	s.listeners[m.Listener.ID] = b
	return nil
}

// startWorker spawns a worker, replays the active configuration into
// it and registers it. The new worker starts accepting as soon as its
// listeners arrive.
func (s *Supervisor) startWorker() (*workerProc, error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor is stopping")
	}
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	wp, err := spawnWorker(id, s.cfg)
	if err != nil {
		return nil, err
	}
	s.logger.Info("worker started", "worker_id", id, "pid", wp.pid())

	if err := s.replayInto(wp); err != nil {
		wp.kill()
		return nil, err
	}

	s.mu.Lock()
	s.workers[id] = wp
	s.mu.Unlock()

	go s.monitorWorker(wp)
	return wp, nil
}

// replayInto brings one worker up to the active configuration.
func (s *Supervisor) replayInto(wp *workerProc) error {
	s.mu.Lock()
	orders := s.topo.replay()
	listeners := make([]*boundListener, 0, len(s.listeners))
	for _, b := range s.listeners {
		listeners = append(listeners, b)
	}
	s.mu.Unlock()

	for _, m := range orders {
		if err := wp.apply(m); err != nil {
			return fmt.Errorf("failed to replay configuration: %w", err)
		}
	}
	for _, b := range listeners {
		if err := b.transferTo(wp); err != nil {
			return fmt.Errorf("failed to transfer listener: %w", err)
		}
	}
	return nil
}

// monitorWorker respawns a worker that exits without being retired.
func (s *Supervisor) monitorWorker(wp *workerProc) {
	<-wp.exited

	s.mu.Lock()
	delete(s.workers, wp.id)
	stopping := s.stopping
	s.mu.Unlock()
	s.collector.ForgetWorker(wp.id)

	if wp.isRetired() || stopping {
		return
	}

	s.logger.Error("worker exited unexpectedly",
		"worker_id", wp.id,
		"pid", wp.pid(),
		"error", wp.exitErr,
	)
	s.collector.WorkerRestarted()

	if _, err := s.startWorker(); err != nil {
		s.logger.Error("failed to respawn worker", "error", err)
	}
}

// Shutdown drains all workers and releases every resource. The drain
// timeout from the proxy configuration bounds the wait.
func (s *Supervisor) Shutdown() error {
	s.beginStop()

	s.mu.Lock()
	workers := make([]*workerProc, 0, len(s.workers))
	for _, wp := range s.workers {
		workers = append(workers, wp)
	}
	s.mu.Unlock()

	timeout := s.cfg.Proxy.DrainTimeout + 5*time.Second
	var wg sync.WaitGroup
	for _, wp := range workers {
		wg.Add(1)
		go func(wp *workerProc) {
			defer wg.Done()
			if err := wp.softStop(timeout); err != nil {
				s.logger.Warn("worker drain failed", "worker_id", wp.id, "error", err)
			}
		}(wp)
	}
	wg.Wait()

	return s.Close()
}

// beginStop flips the stopping flag and halts background activity so
// respawns and reloads stop racing the teardown.
func (s *Supervisor) beginStop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.ctlLn != nil {
		s.ctlLn.Close()
	}
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.metricsSrv.Shutdown(ctx)
		cancel()
	}
}

// Close kills any remaining workers and releases sockets and the state
// log. Close is idempotent and safe after Shutdown.
func (s *Supervisor) Close() error {
	var errs error

	s.closeOnce.Do(func() {
		s.beginStop()

		s.mu.Lock()
		workers := make([]*workerProc, 0, len(s.workers))
		for _, wp := range s.workers {
			workers = append(workers, wp)
		}
		s.workers = make(map[int]*workerProc)
		listeners := s.listeners
		s.listeners = make(map[string]*boundListener)
		s.mu.Unlock()

		for _, wp := range workers {
			wp.kill()
		}
		for _, b := range listeners {
			errs = multierr.Append(errs, b.close())
		}
		if s.stateLog != nil {
			errs = multierr.Append(errs, s.stateLog.Close())
		}
	})

	return errs
}
