package config

import "time"

// Config is the root configuration structure for Ganymede. It contains
// the supervisor settings, the initial proxy topology (listeners and
// clusters), and the ambient sections for health checking and
// telemetry.
type Config struct {
	// ControlSocket is the unix socket path the supervisor listens on
	// for control connections (the ctl subcommands).
	// Default: "/tmp/ganymede.sock"
	ControlSocket string `yaml:"control_socket"`

	// StatePath is the SQLite file recording applied configuration
	// orders. An empty string disables persistence; the active
	// configuration is then lost on restart.
	// Default: "data/state.db"
	StatePath string `yaml:"state_path"`

	// Workers is the number of worker processes to run.
	// Default: 1
	Workers int `yaml:"workers"`

	// Watch enables hot reloading: the supervisor watches the
	// configuration file and applies changes as orders.
	// Default: false
	Watch bool `yaml:"watch"`

	// Proxy contains per-worker session and buffer tuning.
	Proxy ProxyConfig `yaml:"proxy"`

	// Listeners is the initial set of listening sockets.
	Listeners []ListenerConfig `yaml:"listeners"`

	// Clusters is the initial set of backend clusters.
	Clusters []ClusterConfig `yaml:"clusters"`

	// Health contains backend health check configuration.
	Health HealthConfig `yaml:"health"`

	// Telemetry contains logging and metrics configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProxyConfig tunes the per-worker data plane.
type ProxyConfig struct {
	// MaxSessions caps concurrent sessions per worker. Accepting
	// pauses at the cap and resumes when a session closes.
	// Default: 1024
	MaxSessions int `yaml:"max_sessions"`

	// BufferSize is the size in bytes of each per-direction session
	// buffer. Memory use is roughly MaxSessions * 2 * BufferSize.
	// Default: 16384
	BufferSize int `yaml:"buffer_size"`

	// FrontTimeout bounds client-side inactivity.
	// Default: 60s
	FrontTimeout time.Duration `yaml:"front_timeout"`

	// BackTimeout bounds the wait for a backend connect or response.
	// Default: 30s
	BackTimeout time.Duration `yaml:"back_timeout"`

	// DrainTimeout bounds how long a soft stop waits for in-flight
	// sessions before forcing them closed.
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// MaxRetries bounds backend connect attempts per request, unless a
	// cluster sets its own.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// MaxIdlePerBackend caps pooled keep-alive connections kept per
	// backend.
	// Default: 4
	MaxIdlePerBackend int `yaml:"max_idle_per_backend"`

	// MaxHeadBytes bounds an HTTP request or response head (request
	// line plus headers).
	// Default: 65536
	MaxHeadBytes int `yaml:"max_head_bytes"`

	// MaxHeaderCount bounds the number of header fields in one head.
	// Default: 128
	MaxHeaderCount int `yaml:"max_header_count"`
}

// ListenerConfig describes one listening socket.
type ListenerConfig struct {
	// ID names the listener in control orders and logs. Required,
	// unique.
	ID string `yaml:"id"`

	// Protocol is "http", "https" or "tcp". Required.
	Protocol string `yaml:"protocol"`

	// Address is the host:port to bind. Required.
	Address string `yaml:"address"`

	// Cluster names the cluster this listener routes to. Required for
	// tcp listeners; http listeners may also rely on it as the single
	// route.
	Cluster string `yaml:"cluster"`

	// PublicAddress is the externally visible address, used in logs
	// when the bind address sits behind NAT.
	PublicAddress string `yaml:"public_address"`

	// ExpectProxy makes the listener require a PROXY protocol header
	// on every accepted connection.
	// Default: false
	ExpectProxy bool `yaml:"expect_proxy"`

	// CertFile and KeyFile hold the PEM certificate and key for https
	// listeners. Required when Protocol is "https".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ClusterConfig describes one backend cluster.
type ClusterConfig struct {
	// Name is unique across clusters. Required.
	Name string `yaml:"name"`

	// Policy selects the balancing strategy: "round-robin",
	// "least-connections" or "sticky".
	// Default: "round-robin"
	Policy string `yaml:"policy"`

	// StickyKey names the HTTP header hashed by the sticky policy.
	// The client IP is used when empty.
	StickyKey string `yaml:"sticky_key"`

	// MaxRetries overrides proxy.max_retries for this cluster.
	MaxRetries int `yaml:"max_retries"`

	// Backends is the cluster membership.
	Backends []BackendConfig `yaml:"backends"`
}

// BackendConfig describes one cluster member.
type BackendConfig struct {
	// Address is the dialable host:port. Required.
	Address string `yaml:"address"`

	// Weight scales the backend's round-robin share.
	// Default: 1
	Weight int `yaml:"weight"`
}

// HealthConfig configures active backend health checks.
type HealthConfig struct {
	// Enabled turns TCP connect probing on.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Interval is the time between probe rounds.
	// Default: 10s
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds one probe's connect attempt.
	// Default: 3s
	Timeout time.Duration `yaml:"timeout"`

	// Fall is the number of consecutive failed probes before a backend
	// is taken out of rotation.
	// Default: 3
	Fall int `yaml:"fall"`

	// Rise is the number of consecutive successful probes before a
	// backend returns to rotation.
	// Default: 2
	Rise int `yaml:"rise"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "json" or "text".
	// Default: "json"
	Format string `yaml:"format"`

	// Output is "stdout", "stderr" or a file path.
	// Default: "stderr"
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus scrape endpoint served by
// the supervisor.
type MetricsConfig struct {
	// Enabled turns the endpoint on.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Address is the host:port the endpoint listens on.
	// Default: "127.0.0.1:9090"
	Address string `yaml:"address"`

	// Path is the scrape path.
	// Default: "/metrics"
	Path string `yaml:"path"`
}

// FindCluster returns the cluster with the given name, if present.
func (c *Config) FindCluster(name string) (*ClusterConfig, bool) {
	for i := range c.Clusters {
		if c.Clusters[i].Name == name {
			return &c.Clusters[i], true
		}
	}
	return nil, false
}

// FindListener returns the listener with the given ID, if present.
func (c *Config) FindListener(id string) (*ListenerConfig, bool) {
	for i := range c.Listeners {
		if c.Listeners[i].ID == id {
			return &c.Listeners[i], true
		}
	}
	return nil, false
}
