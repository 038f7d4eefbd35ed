// Package worker implements the proxy worker process: one event loop,
// one session slab, and a control descriptor inherited from the
// supervisor.
//
// A worker owns no configuration of its own. Everything it serves,
// listeners, clusters, backends and certificates, arrives as control
// orders on the inherited descriptor and is applied between event-loop
// rounds, in arrival order. Listening sockets are usually passed in
// over the same descriptor with transfer_listener so that an upgraded
// worker can take over a port without a bind/listen gap.
//
// All worker state is confined to the loop goroutine. The control
// descriptor is registered with the loop like any session descriptor,
// so order application never races a session event.
package worker
