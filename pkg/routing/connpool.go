package routing

import "github.com/eapache/queue"

// idleConn is one pooled backend connection, identified by raw descriptor
// because the worker's data path operates on fds, not net.Conns.
type idleConn struct {
	fd      int
	backend *Backend
}

// ConnPool caches idle backend connections for reuse across sessions of the
// same worker. Reuse is FIFO so pooled connections age out evenly and a
// backend's idle-timeout is hit by the oldest connection first. A pooled
// connection that turns out dead on reuse is simply discarded by the caller
// and a fresh connect attempted; the pool itself never dials.
type ConnPool struct {
	byAddr      map[string]*queue.Queue
	maxIdle     int
	idle        int
	reuses      int64
	discards    int64
}

// NewConnPool creates a pool keeping at most maxIdlePerBackend connections
// per backend address. Zero or negative disables pooling.
func NewConnPool(maxIdlePerBackend int) *ConnPool {
	return &ConnPool{
		byAddr:  make(map[string]*queue.Queue),
		maxIdle: maxIdlePerBackend,
	}
}

// Get pops the oldest idle connection to the backend, if any.
func (p *ConnPool) Get(backend *Backend) (fd int, ok bool) {
	q := p.byAddr[backend.Address]
	if q == nil || q.Length() == 0 {
		return -1, false
	}
	ic := q.Remove().(idleConn)
	p.idle--
	p.reuses++
	return ic.fd, true
}

// Put parks a healthy, drained connection for reuse. It reports false when
// the per-backend budget is full or pooling is disabled; the caller then
// owns closing the fd.
func (p *ConnPool) Put(backend *Backend, fd int) bool {
	if p.maxIdle <= 0 {
		return false
	}
	q := p.byAddr[backend.Address]
	if q == nil {
		q = queue.New()
		p.byAddr[backend.Address] = q
	}
	if q.Length() >= p.maxIdle {
		return false
	}
	q.Add(idleConn{fd: fd, backend: backend})
	p.idle++
	return true
}

// DrainBackend removes every pooled connection to an address, returning the
// fds for the caller to close. Used when a backend is removed or marked
// unhealthy.
func (p *ConnPool) DrainBackend(address string) []int {
	q := p.byAddr[address]
	if q == nil {
		return nil
	}
	delete(p.byAddr, address)
	fds := make([]int, 0, q.Length())
	for q.Length() > 0 {
		ic := q.Remove().(idleConn)
		fds = append(fds, ic.fd)
		p.idle--
		p.discards++
	}
	return fds
}

// DrainAll empties the pool, returning all fds for closing. Used on worker
// drain.
func (p *ConnPool) DrainAll() []int {
	var fds []int
	for addr := range p.byAddr {
		fds = append(fds, p.DrainBackend(addr)...)
	}
	return fds
}

// Idle returns the number of pooled connections.
func (p *ConnPool) Idle() int { return p.idle }

// Reuses returns how many pooled connections were handed back out.
func (p *ConnPool) Reuses() int64 { return p.reuses }
