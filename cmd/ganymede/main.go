// Ganymede is a hot-reloadable reverse proxy for HTTP/1 and raw TCP
// traffic.
//
// A supervisor process owns the listening sockets and the control
// socket; worker processes own the data plane, one event loop each.
// Configuration changes arrive as orders over the control socket and
// apply without dropping connections.
//
// Usage:
//
//	# Start with a configuration file
//	ganymede run --config /etc/ganymede/config.yaml
//
//	# Check a configuration file without starting
//	ganymede validate --config config.yaml
//
//	# Operate on a running instance
//	ganymede ctl status
//	ganymede ctl backend add --cluster app --address 10.0.0.5:8080
//	ganymede ctl upgrade
//
//	# Show version information
//	ganymede version
package main

func main() {
	Execute()
}
