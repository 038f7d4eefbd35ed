package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any
// errors. The configuration is not modified by environment variables; use
// LoadConfigWithEnvOverrides for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides. Environment variables follow the
// naming convention GANYMEDE_SECTION_FIELD (e.g., GANYMEDE_CONTROL_SOCKET).
// Environment variables always take precedence over file-based configuration.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables use the format GANYMEDE_SECTION_FIELD.
func applyEnvOverrides(cfg *Config) {
	// Supervisor overrides
	if val := os.Getenv("GANYMEDE_CONTROL_SOCKET"); val != "" {
		cfg.ControlSocket = val
	}
	if val := os.Getenv("GANYMEDE_STATE_PATH"); val != "" {
		cfg.StatePath = val
	}
	if val := os.Getenv("GANYMEDE_WORKERS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Workers = i
		}
	}
	if val := os.Getenv("GANYMEDE_WATCH"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Watch = b
		}
	}

	// Proxy overrides
	if val := os.Getenv("GANYMEDE_PROXY_MAX_SESSIONS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Proxy.MaxSessions = i
		}
	}
	if val := os.Getenv("GANYMEDE_PROXY_BUFFER_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Proxy.BufferSize = i
		}
	}
	if val := os.Getenv("GANYMEDE_PROXY_FRONT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Proxy.FrontTimeout = d
		}
	}
	if val := os.Getenv("GANYMEDE_PROXY_BACK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Proxy.BackTimeout = d
		}
	}
	if val := os.Getenv("GANYMEDE_PROXY_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Proxy.DrainTimeout = d
		}
	}
	if val := os.Getenv("GANYMEDE_PROXY_MAX_RETRIES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Proxy.MaxRetries = i
		}
	}

	// Health overrides
	if val := os.Getenv("GANYMEDE_HEALTH_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Health.Enabled = b
		}
	}
	if val := os.Getenv("GANYMEDE_HEALTH_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Health.Interval = d
		}
	}
	if val := os.Getenv("GANYMEDE_HEALTH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Health.Timeout = d
		}
	}

	// Telemetry overrides
	if val := os.Getenv("GANYMEDE_TELEMETRY_LOGGING_LEVEL"); val != "" {
		cfg.Telemetry.Logging.Level = val
	}
	if val := os.Getenv("GANYMEDE_TELEMETRY_LOGGING_FORMAT"); val != "" {
		cfg.Telemetry.Logging.Format = val
	}
	if val := os.Getenv("GANYMEDE_TELEMETRY_METRICS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Metrics.Enabled = b
		}
	}
	if val := os.Getenv("GANYMEDE_TELEMETRY_METRICS_ADDRESS"); val != "" {
		cfg.Telemetry.Metrics.Address = val
	}
}
