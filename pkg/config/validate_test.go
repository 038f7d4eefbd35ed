package config

import (
	"strings"
	"testing"
)

// validConfig returns a configuration that passes validation; tests
// mutate one aspect at a time.
func validConfig() *Config {
	cfg := &Config{
		Clusters: []ClusterConfig{
			{Name: "app", Backends: []BackendConfig{{Address: "127.0.0.1:8080"}}},
		},
		Listeners: []ListenerConfig{
			{ID: "web", Protocol: "http", Address: "127.0.0.1:8000", Cluster: "app"},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "no workers",
			mutate: func(c *Config) { c.Workers = 0 },
			field:  "workers",
		},
		{
			name:   "tiny buffer",
			mutate: func(c *Config) { c.Proxy.BufferSize = 100 },
			field:  "proxy.buffer_size",
		},
		{
			name:   "head larger than buffer",
			mutate: func(c *Config) { c.Proxy.MaxHeadBytes = c.Proxy.BufferSize + 1 },
			field:  "proxy.max_head_bytes",
		},
		{
			name:   "listener without id",
			mutate: func(c *Config) { c.Listeners[0].ID = "" },
			field:  "listeners[0].id",
		},
		{
			name: "duplicate listener id",
			mutate: func(c *Config) {
				c.Listeners = append(c.Listeners, ListenerConfig{
					ID: "web", Protocol: "http", Address: "127.0.0.1:8001", Cluster: "app",
				})
			},
			field: "listeners[1].id",
		},
		{
			name: "duplicate listener address",
			mutate: func(c *Config) {
				c.Listeners = append(c.Listeners, ListenerConfig{
					ID: "web2", Protocol: "http", Address: "127.0.0.1:8000", Cluster: "app",
				})
			},
			field: "listeners[1].address",
		},
		{
			name:   "unknown protocol",
			mutate: func(c *Config) { c.Listeners[0].Protocol = "quic" },
			field:  "listeners[0].protocol",
		},
		{
			name:   "hostname instead of IP",
			mutate: func(c *Config) { c.Listeners[0].Address = "localhost:8000" },
			field:  "listeners[0].address",
		},
		{
			name:   "listener with unknown cluster",
			mutate: func(c *Config) { c.Listeners[0].Cluster = "ghost" },
			field:  "listeners[0].cluster",
		},
		{
			name: "tcp listener without cluster",
			mutate: func(c *Config) {
				c.Listeners[0].Protocol = "tcp"
				c.Listeners[0].Cluster = ""
			},
			field: "listeners[0].cluster",
		},
		{
			name: "https without certificate",
			mutate: func(c *Config) {
				c.Listeners[0].Protocol = "https"
			},
			field: "listeners[0].cert_file",
		},
		{
			name:   "duplicate cluster",
			mutate: func(c *Config) { c.Clusters = append(c.Clusters, ClusterConfig{Name: "app", Policy: "round-robin"}) },
			field:  "clusters[1].name",
		},
		{
			name:   "unknown policy",
			mutate: func(c *Config) { c.Clusters[0].Policy = "fastest" },
			field:  "clusters[0].policy",
		},
		{
			name:   "backend without address",
			mutate: func(c *Config) { c.Clusters[0].Backends[0].Address = "" },
			field:  "clusters[0].backends[0].address",
		},
		{
			name:   "bad logging level",
			mutate: func(c *Config) { c.Telemetry.Logging.Level = "verbose" },
			field:  "telemetry.logging.level",
		},
		{
			name: "metrics on with bad address",
			mutate: func(c *Config) {
				c.Telemetry.Metrics.Enabled = true
				c.Telemetry.Metrics.Address = "nope"
			},
			field: "telemetry.metrics.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate accepted an invalid configuration")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name field %q", err.Error(), tt.field)
			}
		})
	}
}

func TestValidationErrorCollectsAll(t *testing.T) {
	cfg := validConfig()
	cfg.Workers = 0
	cfg.Listeners[0].Protocol = "quic"
	cfg.Clusters[0].Policy = "fastest"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted an invalid configuration")
	}
	verr, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want ValidationError", err)
	}
	if len(verr.Errors) != 3 {
		t.Errorf("collected %d errors, want 3: %v", len(verr.Errors), verr)
	}
}
