package session

import (
	stdtls "crypto/tls"
	"log/slog"
	"time"

	"mercator-hq/ganymede/pkg/control"
	"mercator-hq/ganymede/pkg/parser/http1"
	"mercator-hq/ganymede/pkg/pool"
	"mercator-hq/ganymede/pkg/reactor"
	"mercator-hq/ganymede/pkg/routing"
)

// Metrics is the narrow slice of the telemetry collector a session
// reports into. A nil implementation is replaced by a no-op.
type Metrics interface {
	SessionOpened(protocol string)
	SessionClosed(protocol string, bytesIn, bytesOut int64, duration time.Duration)
	RequestCompleted(cluster string, status int)
	BackendConnected(cluster string, reused bool)
	BackendConnectFailed(cluster string)
	SyntheticResponse(status int)
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened(string)                              {}
func (nopMetrics) SessionClosed(string, int64, int64, time.Duration) {}
func (nopMetrics) RequestCompleted(string, int)                      {}
func (nopMetrics) BackendConnected(string, bool)                     {}
func (nopMetrics) BackendConnectFailed(string)                       {}
func (nopMetrics) SyntheticResponse(int)                             {}

// Env is the worker context shared by every session on one loop. All
// fields are read from the loop goroutine only.
type Env struct {
	Loop     reactor.Loop
	Alloc    *pool.Allocator
	Balancer *routing.Balancer
	ConnPool *routing.ConnPool

	// Snapshot returns the current routing snapshot. Sessions pin the
	// snapshot they resolve against for the duration of one request.
	Snapshot func() *routing.Snapshot

	// Scratch is a read buffer shared across sessions. Safe because the
	// loop is single-threaded and bytes are consumed before returning.
	Scratch []byte

	Logger  *slog.Logger
	Metrics Metrics

	// OnClosed lets the owning worker drop the session from its table.
	OnClosed func(*Session)

	// Now is replaceable for timeout tests.
	Now func() time.Time
}

func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Env) metrics() Metrics {
	if e.Metrics != nil {
		return e.Metrics
	}
	return nopMetrics{}
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ListenerConfig is the routing rule a session inherits from its
// accepting listener.
type ListenerConfig struct {
	ID          string
	Protocol    control.Protocol
	Cluster     string
	PublicAddr  string
	ExpectProxy bool

	// TLS is required for ProtocolHTTPS listeners.
	TLS *stdtls.Config

	ParserLimits http1.Limits

	// FrontTimeout bounds client inactivity; BackTimeout bounds the
	// wait for a backend connect or response.
	FrontTimeout time.Duration
	BackTimeout  time.Duration

	// MaxRetries bounds backend connect attempts per request when the
	// cluster does not set its own.
	MaxRetries int
}

const defaultMaxRetries = 3

func (c *ListenerConfig) maxRetries(cluster *routing.Cluster) int {
	if cluster != nil && cluster.MaxRetries > 0 {
		return cluster.MaxRetries
	}
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return defaultMaxRetries
}
