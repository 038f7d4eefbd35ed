// Package logging builds the process-wide structured logger.
//
// Ganymede logs through log/slog everywhere; this package only decides
// the handler (JSON or text), the level, and the destination, from the
// telemetry section of the configuration. Workers inherit the same
// settings through their command line.
package logging
