// Package config defines the Ganymede configuration schema, loading,
// defaulting and validation.
//
// Configuration is a YAML file describing the supervisor (control
// socket, worker count, state log), the initial set of listeners and
// clusters, and the ambient concerns (health checking, logging,
// metrics). Environment variables with the GANYMEDE_ prefix override
// file values, and always win.
//
// The file describes the STARTING configuration only. At runtime the
// active configuration drifts from the file as control orders arrive;
// the state log, not this package, is the record of that drift. When
// watch mode is enabled the supervisor diffs a changed file against
// its active configuration and applies the difference as orders.
//
// Example usage:
//
//	cfg, err := config.LoadConfigWithEnvOverrides("/etc/ganymede/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.ControlSocket)
package config
