package routing

import (
	"errors"
	"testing"
)

func testCluster(name string, addrs ...string) *Cluster {
	c := &Cluster{Name: name, Policy: PolicyRoundRobin, MaxRetries: 3}
	for _, a := range addrs {
		c.Backends = append(c.Backends, NewBackend(name, a, 1))
	}
	return c
}

func TestSnapshot_ClusterUniqueness(t *testing.T) {
	s := NewSnapshot()
	s, err := s.WithCluster(testCluster("app"))
	if err != nil {
		t.Fatalf("WithCluster: %v", err)
	}
	if _, err := s.WithCluster(testCluster("app")); !errors.Is(err, ErrDuplicateCluster) {
		t.Errorf("duplicate cluster = %v, want ErrDuplicateCluster", err)
	}
}

func TestSnapshot_MutationsDoNotTouchOriginal(t *testing.T) {
	s0 := NewSnapshot()
	s0, _ = s0.WithCluster(testCluster("app", "10.0.0.1:80"))

	s1, err := s0.WithBackend("app", "10.0.0.2:80", 1)
	if err != nil {
		t.Fatalf("WithBackend: %v", err)
	}

	c0, _ := s0.Cluster("app")
	c1, _ := s1.Cluster("app")
	if len(c0.Backends) != 1 {
		t.Errorf("original snapshot gained a backend: %d members", len(c0.Backends))
	}
	if len(c1.Backends) != 2 {
		t.Errorf("new snapshot has %d members, want 2", len(c1.Backends))
	}

	s2, err := s1.WithoutBackend("app", "10.0.0.1:80")
	if err != nil {
		t.Fatalf("WithoutBackend: %v", err)
	}
	c2, _ := s2.Cluster("app")
	if len(c1.Backends) != 2 || len(c2.Backends) != 1 {
		t.Errorf("removal leaked into prior snapshot: s1=%d s2=%d", len(c1.Backends), len(c2.Backends))
	}
}

func TestSnapshot_BackendStateSharedAcrossSnapshots(t *testing.T) {
	s0 := NewSnapshot()
	s0, _ = s0.WithCluster(testCluster("app", "10.0.0.1:80"))
	s1, _ := s0.WithBackend("app", "10.0.0.2:80", 1)

	// Mark the shared backend unhealthy via the old snapshot's pointer;
	// the new snapshot must observe it, because health follows the
	// backend, not the snapshot.
	c0, _ := s0.Cluster("app")
	c0.Backends[0].SetStatus(Unhealthy)

	c1, _ := s1.Cluster("app")
	b, ok := c1.FindBackend("10.0.0.1:80")
	if !ok {
		t.Fatal("backend missing from new snapshot")
	}
	if b.Status() != Unhealthy {
		t.Error("health transition not visible through new snapshot")
	}
}

func TestSnapshot_UnknownReferences(t *testing.T) {
	s := NewSnapshot()
	if _, err := s.WithBackend("ghost", "10.0.0.1:80", 1); !errors.Is(err, ErrUnknownCluster) {
		t.Errorf("WithBackend on missing cluster = %v, want ErrUnknownCluster", err)
	}
	if _, err := s.WithoutCluster("ghost"); !errors.Is(err, ErrUnknownCluster) {
		t.Errorf("WithoutCluster on missing cluster = %v, want ErrUnknownCluster", err)
	}

	s, _ = s.WithCluster(testCluster("app", "10.0.0.1:80"))
	if _, err := s.WithoutBackend("app", "10.9.9.9:80"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("WithoutBackend on missing member = %v, want ErrUnknownBackend", err)
	}
}

func TestSnapshot_ReAddAdjustsWeight(t *testing.T) {
	s := NewSnapshot()
	s, _ = s.WithCluster(testCluster("app", "10.0.0.1:80"))
	s, err := s.WithBackend("app", "10.0.0.1:80", 5)
	if err != nil {
		t.Fatalf("WithBackend re-add: %v", err)
	}
	c, _ := s.Cluster("app")
	if len(c.Backends) != 1 {
		t.Fatalf("re-add duplicated the member: %d", len(c.Backends))
	}
	if c.Backends[0].Weight != 5 {
		t.Errorf("weight = %d, want 5", c.Backends[0].Weight)
	}
}
