// Package supervisor runs the control plane: it owns the listening
// sockets, spawns and respawns worker processes, serves the control
// socket, persists applied orders, and drives health checks, config
// reloads and zero-downtime worker upgrades.
//
// Workers never touch configuration files or the state log. The
// supervisor translates everything into control orders and replays
// them whenever a worker starts, so a respawned worker converges on
// the same active configuration as its siblings.
package supervisor
