package health

import (
	"context"
	"net"
	"sync"
	"time"
)

// Transition is the verdict change produced by observing a probe result.
type Transition int

const (
	// TransitionNone means the backend's verdict did not change.
	TransitionNone Transition = iota

	// TransitionUp means the backend crossed the rise threshold and is
	// now considered healthy.
	TransitionUp

	// TransitionDown means the backend crossed the fall threshold and
	// is now considered unhealthy.
	TransitionDown
)

// Config controls probe behavior and transition thresholds.
type Config struct {
	// Timeout bounds a single TCP connect attempt.
	// If 0, defaults to 3 seconds.
	Timeout time.Duration

	// Fall is the number of consecutive failed probes before a healthy
	// backend is declared down. If 0, defaults to 3.
	Fall int

	// Rise is the number of consecutive successful probes before an
	// unhealthy backend is declared up. If 0, defaults to 2.
	Rise int
}

// backendState tracks consecutive probe outcomes for one address.
// New backends start healthy so a single slow probe does not eject
// them before traffic ever flowed.
type backendState struct {
	healthy   bool
	successes int
	failures  int
}

// Checker probes backends over TCP and applies fall/rise hysteresis.
//
// Example usage:
//
//	checker := health.New(health.Config{Fall: 3, Rise: 2})
//	err := checker.Probe(ctx, "127.0.0.1:8080")
//	switch checker.Observe("127.0.0.1:8080", err) {
//	case health.TransitionDown:
//	    // stop routing to the backend
//	case health.TransitionUp:
//	    // resume routing to the backend
//	}
type Checker struct {
	cfg    Config
	dialer net.Dialer

	mu       sync.Mutex
	backends map[string]*backendState
}

// New creates a checker. Zero fields in cfg get defaults.
func New(cfg Config) *Checker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Fall == 0 {
		cfg.Fall = 3
	}
	if cfg.Rise == 0 {
		cfg.Rise = 2
	}
	return &Checker{
		cfg:      cfg,
		backends: make(map[string]*backendState),
	}
}

// Probe attempts a TCP connect to address and returns the connect
// error, nil on success. The connection is closed immediately.
func (c *Checker) Probe(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Observe feeds one probe result into the backend's state and returns
// the transition it caused, if any. A result that breaks a streak
// resets the opposite counter.
func (c *Checker) Observe(address string, probeErr error) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.backends[address]
	if !ok {
		st = &backendState{healthy: true}
		c.backends[address] = st
	}

	if probeErr == nil {
		st.failures = 0
		st.successes++
		if !st.healthy && st.successes >= c.cfg.Rise {
			st.healthy = true
			return TransitionUp
		}
		return TransitionNone
	}

	st.successes = 0
	st.failures++
	if st.healthy && st.failures >= c.cfg.Fall {
		st.healthy = false
		return TransitionDown
	}
	return TransitionNone
}

// Healthy reports the current verdict for address. Unknown addresses
// are considered healthy.
func (c *Checker) Healthy(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.backends[address]
	if !ok {
		return true
	}
	return st.healthy
}

// Forget drops all state for a backend that was removed from the
// configuration.
func (c *Checker) Forget(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.backends, address)
}
