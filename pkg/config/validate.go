package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"mercator-hq/ganymede/pkg/control"
	"mercator-hq/ganymede/pkg/routing"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "proxy.buffer_size").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	if cfg.ControlSocket == "" {
		errs = append(errs, FieldError{
			Field:   "control_socket",
			Message: "control socket path is required",
		})
	}
	if cfg.Workers < 1 {
		errs = append(errs, FieldError{
			Field:   "workers",
			Message: "at least one worker is required",
		})
	}

	errs = append(errs, validateProxy(&cfg.Proxy)...)
	errs = append(errs, validateListeners(cfg)...)
	errs = append(errs, validateClusters(cfg.Clusters)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateProxy(cfg *ProxyConfig) []FieldError {
	var errs []FieldError

	// Two buffers per session; a tiny buffer cannot stage a head.
	if cfg.BufferSize < 1024 {
		errs = append(errs, FieldError{
			Field:   "proxy.buffer_size",
			Message: fmt.Sprintf("must be at least 1024 bytes, got %d", cfg.BufferSize),
		})
	}
	if cfg.MaxHeadBytes > cfg.BufferSize {
		errs = append(errs, FieldError{
			Field:   "proxy.max_head_bytes",
			Message: fmt.Sprintf("must not exceed buffer_size (%d), got %d", cfg.BufferSize, cfg.MaxHeadBytes),
		})
	}
	return errs
}

func validateListeners(cfg *Config) []FieldError {
	var errs []FieldError
	seen := make(map[string]bool)
	addrs := make(map[string]string)

	for i, l := range cfg.Listeners {
		field := fmt.Sprintf("listeners[%d]", i)

		if l.ID == "" {
			errs = append(errs, FieldError{Field: field + ".id", Message: "listener id is required"})
		} else if seen[l.ID] {
			errs = append(errs, FieldError{
				Field:   field + ".id",
				Message: fmt.Sprintf("duplicate listener id %q", l.ID),
			})
		}
		seen[l.ID] = true

		if _, err := control.ParseProtocol(l.Protocol); err != nil {
			errs = append(errs, FieldError{Field: field + ".protocol", Message: err.Error()})
		}

		if l.Address == "" {
			errs = append(errs, FieldError{Field: field + ".address", Message: "listen address is required"})
		} else if _, err := netip.ParseAddrPort(l.Address); err != nil {
			errs = append(errs, FieldError{
				Field:   field + ".address",
				Message: fmt.Sprintf("invalid address %q: must be host:port with a literal IP", l.Address),
			})
		} else if prev, dup := addrs[l.Address]; dup {
			errs = append(errs, FieldError{
				Field:   field + ".address",
				Message: fmt.Sprintf("address %q already used by listener %q", l.Address, prev),
			})
		} else {
			addrs[l.Address] = l.ID
		}

		if l.Cluster != "" {
			if _, ok := cfg.FindCluster(l.Cluster); !ok {
				errs = append(errs, FieldError{
					Field:   field + ".cluster",
					Message: fmt.Sprintf("unknown cluster %q", l.Cluster),
				})
			}
		} else if control.Protocol(l.Protocol) == control.ProtocolTCP {
			errs = append(errs, FieldError{
				Field:   field + ".cluster",
				Message: "tcp listeners require a cluster",
			})
		}

		if control.Protocol(l.Protocol) == control.ProtocolHTTPS {
			errs = append(errs, validateCertFiles(field, l.CertFile, l.KeyFile)...)
		}
	}
	return errs
}

func validateCertFiles(field, certFile, keyFile string) []FieldError {
	var errs []FieldError
	if certFile == "" {
		errs = append(errs, FieldError{
			Field:   field + ".cert_file",
			Message: "https listeners require a certificate file",
		})
	} else if _, err := os.Stat(certFile); err != nil {
		errs = append(errs, FieldError{
			Field:   field + ".cert_file",
			Message: fmt.Sprintf("certificate file not accessible: %v", err),
		})
	}
	if keyFile == "" {
		errs = append(errs, FieldError{
			Field:   field + ".key_file",
			Message: "https listeners require a key file",
		})
	} else if _, err := os.Stat(keyFile); err != nil {
		errs = append(errs, FieldError{
			Field:   field + ".key_file",
			Message: fmt.Sprintf("key file not accessible: %v", err),
		})
	}
	return errs
}

func validateClusters(clusters []ClusterConfig) []FieldError {
	var errs []FieldError
	seen := make(map[string]bool)

	for i, c := range clusters {
		field := fmt.Sprintf("clusters[%d]", i)

		if c.Name == "" {
			errs = append(errs, FieldError{Field: field + ".name", Message: "cluster name is required"})
		} else if seen[c.Name] {
			errs = append(errs, FieldError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate cluster name %q", c.Name),
			})
		}
		seen[c.Name] = true

		if !routing.ValidPolicy(routing.Policy(c.Policy)) {
			errs = append(errs, FieldError{
				Field:   field + ".policy",
				Message: fmt.Sprintf("unknown policy %q", c.Policy),
			})
		}

		for j, b := range c.Backends {
			bfield := fmt.Sprintf("%s.backends[%d]", field, j)
			if b.Address == "" {
				errs = append(errs, FieldError{Field: bfield + ".address", Message: "backend address is required"})
			} else if _, err := netip.ParseAddrPort(b.Address); err != nil {
				errs = append(errs, FieldError{
					Field:   bfield + ".address",
					Message: fmt.Sprintf("invalid address %q: must be host:port with a literal IP", b.Address),
				})
			}
		}
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("unknown level %q: must be debug, info, warn or error", cfg.Logging.Level),
		})
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("unknown format %q: must be json or text", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled {
		if _, err := netip.ParseAddrPort(cfg.Metrics.Address); err != nil {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.address",
				Message: fmt.Sprintf("invalid address %q", cfg.Metrics.Address),
			})
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.path",
				Message: "scrape path must start with /",
			})
		}
	}
	return errs
}
