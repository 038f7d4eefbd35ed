package config

import "time"

// Default values for configuration fields.
const (
	// Supervisor defaults
	DefaultControlSocket = "/tmp/ganymede.sock"
	DefaultStatePath     = "data/state.db"
	DefaultWorkers       = 1

	// Proxy defaults
	DefaultMaxSessions       = 1024
	DefaultBufferSize        = 16384
	DefaultFrontTimeout      = 60 * time.Second
	DefaultBackTimeout       = 30 * time.Second
	DefaultDrainTimeout      = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultMaxIdlePerBackend = 4
	DefaultMaxHeadBytes      = 64 * 1024
	DefaultMaxHeaderCount    = 128

	// Cluster defaults
	DefaultPolicy        = "round-robin"
	DefaultBackendWeight = 1

	// Health defaults
	DefaultHealthInterval = 10 * time.Second
	DefaultHealthTimeout  = 3 * time.Second
	DefaultHealthFall     = 3
	DefaultHealthRise     = 2

	// Telemetry defaults
	DefaultLoggingLevel   = "info"
	DefaultLoggingFormat  = "json"
	DefaultLoggingOutput  = "stderr"
	DefaultMetricsAddress = "127.0.0.1:9090"
	DefaultMetricsPath    = "/metrics"
)

// ApplyDefaults fills in default values for any configuration fields
// that are not set. It modifies the configuration in place.
func ApplyDefaults(cfg *Config) {
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = DefaultControlSocket
	}
	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	applyProxyDefaults(&cfg.Proxy)

	for i := range cfg.Clusters {
		applyClusterDefaults(&cfg.Clusters[i])
	}

	applyHealthDefaults(&cfg.Health)
	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyProxyDefaults(cfg *ProxyConfig) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.FrontTimeout <= 0 {
		cfg.FrontTimeout = DefaultFrontTimeout
	}
	if cfg.BackTimeout <= 0 {
		cfg.BackTimeout = DefaultBackTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxIdlePerBackend <= 0 {
		cfg.MaxIdlePerBackend = DefaultMaxIdlePerBackend
	}
	if cfg.MaxHeadBytes <= 0 {
		cfg.MaxHeadBytes = DefaultMaxHeadBytes
	}
	if cfg.MaxHeaderCount <= 0 {
		cfg.MaxHeaderCount = DefaultMaxHeaderCount
	}
}

func applyClusterDefaults(cfg *ClusterConfig) {
	if cfg.Policy == "" {
		cfg.Policy = DefaultPolicy
	}
	for i := range cfg.Backends {
		if cfg.Backends[i].Weight <= 0 {
			cfg.Backends[i].Weight = DefaultBackendWeight
		}
	}
}

func applyHealthDefaults(cfg *HealthConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHealthTimeout
	}
	if cfg.Fall <= 0 {
		cfg.Fall = DefaultHealthFall
	}
	if cfg.Rise <= 0 {
		cfg.Rise = DefaultHealthRise
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = DefaultLoggingOutput
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = DefaultMetricsAddress
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}
