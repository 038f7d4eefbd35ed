package routing

import (
	"errors"
	"testing"
)

// firstHealthy is a trivial strategy for balancer-level tests; policy
// behavior itself is covered in the strategies package.
type firstHealthy struct{}

func (firstHealthy) Select(_ *Cluster, _ string, healthy []*Backend) *Backend { return healthy[0] }
func (firstHealthy) Name() string                                             { return "first" }

func testBalancer() *Balancer {
	return NewBalancer(map[Policy]Strategy{PolicyRoundRobin: firstHealthy{}})
}

func TestBalancer_AllUnhealthyFailsImmediately(t *testing.T) {
	c := testCluster("app", "10.0.0.1:80", "10.0.0.2:80")
	for _, b := range c.Backends {
		b.SetStatus(Unhealthy)
	}

	_, err := testBalancer().Pick(c, "", nil)
	if !errors.Is(err, ErrNoBackendAvailable) {
		t.Fatalf("Pick with all unhealthy = %v, want ErrNoBackendAvailable", err)
	}
	var nbe *NoBackendError
	if !errors.As(err, &nbe) || nbe.Cluster != "app" || nbe.Total != 2 {
		t.Errorf("error detail = %+v", err)
	}
}

func TestBalancer_ExcludesFailedBackends(t *testing.T) {
	c := testCluster("app", "10.0.0.1:80", "10.0.0.2:80")

	b1, _ := c.FindBackend("10.0.0.1:80")
	got, err := testBalancer().Pick(c, "", []*Backend{b1})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.Address != "10.0.0.2:80" {
		t.Errorf("Pick with exclusion = %s, want the other backend", got.Address)
	}

	b2, _ := c.FindBackend("10.0.0.2:80")
	if _, err := testBalancer().Pick(c, "", []*Backend{b1, b2}); !errors.Is(err, ErrNoBackendAvailable) {
		t.Errorf("Pick with all excluded = %v, want ErrNoBackendAvailable", err)
	}
}

func TestBalancer_DrainingExcluded(t *testing.T) {
	c := testCluster("app", "10.0.0.1:80", "10.0.0.2:80")
	b1, _ := c.FindBackend("10.0.0.1:80")
	b1.SetStatus(Draining)

	got, err := testBalancer().Pick(c, "", nil)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.Address != "10.0.0.2:80" {
		t.Errorf("draining backend selected")
	}
}

func TestConnPool_FIFOReuse(t *testing.T) {
	b := NewBackend("app", "10.0.0.1:80", 1)
	p := NewConnPool(4)

	if !p.Put(b, 11) || !p.Put(b, 12) {
		t.Fatal("Put refused below budget")
	}
	fd, ok := p.Get(b)
	if !ok || fd != 11 {
		t.Errorf("Get = (%d, %v), want oldest fd 11", fd, ok)
	}
	fd, ok = p.Get(b)
	if !ok || fd != 12 {
		t.Errorf("Get = (%d, %v), want fd 12", fd, ok)
	}
	if _, ok := p.Get(b); ok {
		t.Error("Get on empty pool succeeded")
	}
}

func TestConnPool_BudgetAndDrain(t *testing.T) {
	b := NewBackend("app", "10.0.0.1:80", 1)
	p := NewConnPool(2)

	p.Put(b, 1)
	p.Put(b, 2)
	if p.Put(b, 3) {
		t.Error("Put above per-backend budget accepted")
	}
	if p.Idle() != 2 {
		t.Errorf("Idle = %d, want 2", p.Idle())
	}

	fds := p.DrainBackend(b.Address)
	if len(fds) != 2 || p.Idle() != 0 {
		t.Errorf("DrainBackend = %v, idle %d", fds, p.Idle())
	}

	// Disabled pooling refuses everything.
	off := NewConnPool(0)
	if off.Put(b, 9) {
		t.Error("disabled pool accepted a connection")
	}
}
