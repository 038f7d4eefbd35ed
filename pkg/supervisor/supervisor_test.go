package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"mercator-hq/ganymede/pkg/config"
	"mercator-hq/ganymede/pkg/control"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.StatePath = filepath.Join(t.TempDir(), "state.db")

	s, err := New(cfg, Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("creating supervisor: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeWorker attaches an in-process peer to a workerProc so order
// routing can be tested without spawning a child process.
func fakeWorker(t *testing.T, id int, handler func(*control.Message) *control.Ack) *workerProc {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	supEnd, err := control.FromFD(uintptr(fds[0]), "test-supervisor")
	if err != nil {
		t.Fatalf("wrapping supervisor end: %v", err)
	}
	wrkEnd, err := control.FromFD(uintptr(fds[1]), "test-worker")
	if err != nil {
		t.Fatalf("wrapping worker end: %v", err)
	}
	t.Cleanup(func() {
		supEnd.Close()
		wrkEnd.Close()
	})

	go func() {
		for {
			m, fd, err := wrkEnd.ReadMessageFD()
			if err != nil {
				return
			}
			if fd >= 0 {
				unix.Close(fd)
			}
			wrkEnd.WriteAck(handler(m))
		}
	}()

	return &workerProc{id: id, ch: supEnd, exited: make(chan struct{})}
}

func ackAll(m *control.Message) *control.Ack {
	return control.AckOK(m.ID, "")
}

func addClusterOrder(name string) *control.Message {
	m := control.NewMessage(control.OrderAddCluster)
	m.Cluster = &control.ClusterSpec{Name: name, Policy: "round-robin"}
	return m
}

func addBackendOrder(cluster, address string, weight int) *control.Message {
	m := control.NewMessage(control.OrderAddBackend)
	m.Backend = &control.BackendSpec{Cluster: cluster, Address: address, Weight: weight}
	return m
}

func TestTopologyReplayOrdersClustersBeforeBackends(t *testing.T) {
	topo := newTopology()
	topo.apply(addBackendOrder("app", "127.0.0.1:8080", 1))
	topo.apply(addClusterOrder("app"))
	topo.apply(addBackendOrder("app", "127.0.0.1:8081", 2))

	lm := control.NewMessage(control.OrderAddListener)
	lm.Listener = &control.ListenerSpec{ID: "web", Protocol: control.ProtocolHTTP, Address: "127.0.0.1:8000"}
	topo.apply(lm)

	orders := topo.replay()
	if len(orders) != 3 {
		t.Fatalf("replay produced %d orders, want 3", len(orders))
	}
	if orders[0].Type != control.OrderAddCluster {
		t.Errorf("first replay order = %s, want add_cluster", orders[0].Type)
	}
	for _, m := range orders {
		if m.Type == control.OrderAddListener {
			t.Error("replay must not contain add_listener; listeners travel with their sockets")
		}
	}
}

func TestTopologyReweightUpdatesExistingBackend(t *testing.T) {
	topo := newTopology()
	topo.apply(addClusterOrder("app"))
	topo.apply(addBackendOrder("app", "127.0.0.1:8080", 1))
	topo.apply(addBackendOrder("app", "127.0.0.1:8080", 5))

	if n := len(topo.backends["app"]); n != 1 {
		t.Fatalf("cluster has %d backends, want 1", n)
	}
	if w := topo.backendWeight("app", "127.0.0.1:8080"); w != 5 {
		t.Errorf("weight = %d, want 5", w)
	}
}

func TestTopologyRemoveClusterDropsBackends(t *testing.T) {
	topo := newTopology()
	topo.apply(addClusterOrder("app"))
	topo.apply(addBackendOrder("app", "127.0.0.1:8080", 1))

	m := control.NewMessage(control.OrderRemoveCluster)
	m.Cluster = &control.ClusterSpec{Name: "app"}
	topo.apply(m)

	if len(topo.clusters) != 0 || len(topo.backends) != 0 {
		t.Error("remove_cluster left state behind")
	}
	if addrs := topo.backendAddresses(); len(addrs) != 0 {
		t.Errorf("backendAddresses = %v, want empty", addrs)
	}
}

func TestApplyConfigOrderRecordsModelAndLog(t *testing.T) {
	s := testSupervisor(t)
	s.workers[1] = fakeWorker(t, 1, ackAll)

	ctx := context.Background()
	if err := s.applyConfigOrder(ctx, addClusterOrder("app")); err != nil {
		t.Fatalf("add_cluster: %v", err)
	}
	if err := s.applyConfigOrder(ctx, addBackendOrder("app", "127.0.0.1:8080", 1)); err != nil {
		t.Fatalf("add_backend: %v", err)
	}

	if _, ok := s.topo.clusters["app"]; !ok {
		t.Error("cluster missing from model")
	}
	replayed, err := s.stateLog.Replay(ctx)
	if err != nil {
		t.Fatalf("replaying state: %v", err)
	}
	if len(replayed) != 2 {
		t.Errorf("state log has %d orders, want 2", len(replayed))
	}
}

func TestRejectedOrderLeavesModelAndLogUntouched(t *testing.T) {
	s := testSupervisor(t)
	s.workers[1] = fakeWorker(t, 1, func(m *control.Message) *control.Ack {
		return control.AckError(m.ID, "no such cluster")
	})

	ctx := context.Background()
	if err := s.applyConfigOrder(ctx, addBackendOrder("app", "127.0.0.1:8080", 1)); err == nil {
		t.Fatal("expected error from rejected order")
	}

	if len(s.topo.backends) != 0 {
		t.Error("rejected order reached the model")
	}
	replayed, err := s.stateLog.Replay(ctx)
	if err != nil {
		t.Fatalf("replaying state: %v", err)
	}
	if len(replayed) != 0 {
		t.Errorf("state log has %d orders, want 0", len(replayed))
	}
}

func TestTransientOrdersSkipModelAndLog(t *testing.T) {
	s := testSupervisor(t)
	s.workers[1] = fakeWorker(t, 1, ackAll)

	if err := s.applyConfigOrder(context.Background(), addClusterOrder("app")); err != nil {
		t.Fatalf("add_cluster: %v", err)
	}
	if err := s.applyTransient(addBackendOrder("app", "127.0.0.1:8080", 1)); err != nil {
		t.Fatalf("transient add_backend: %v", err)
	}

	if len(s.topo.backends["app"]) != 0 {
		t.Error("transient order reached the model")
	}
	replayed, err := s.stateLog.Replay(context.Background())
	if err != nil {
		t.Fatalf("replaying state: %v", err)
	}
	if len(replayed) != 1 {
		t.Errorf("state log has %d orders, want 1 (the cluster)", len(replayed))
	}
}

func TestStartupOrdersPreferStateLog(t *testing.T) {
	s := testSupervisor(t)
	s.cfg.Clusters = []config.ClusterConfig{{
		Name:     "from-file",
		Policy:   "round-robin",
		Backends: []config.BackendConfig{{Address: "127.0.0.1:9000", Weight: 1}},
	}}

	ctx := context.Background()
	if err := s.stateLog.Append(ctx, addClusterOrder("from-log")); err != nil {
		t.Fatalf("seeding state log: %v", err)
	}

	orders, err := s.startupOrders(ctx)
	if err != nil {
		t.Fatalf("startupOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].Cluster.Name != "from-log" {
		t.Errorf("startup orders = %+v, want the logged cluster", orders)
	}
}

func TestStartupOrdersFallBackToConfigAndPersist(t *testing.T) {
	s := testSupervisor(t)
	s.cfg.Clusters = []config.ClusterConfig{{
		Name:     "app",
		Policy:   "round-robin",
		Backends: []config.BackendConfig{{Address: "127.0.0.1:9000", Weight: 1}},
	}}

	ctx := context.Background()
	orders, err := s.startupOrders(ctx)
	if err != nil {
		t.Fatalf("startupOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("startup orders = %d, want cluster + backend", len(orders))
	}

	replayed, err := s.stateLog.Replay(ctx)
	if err != nil {
		t.Fatalf("replaying state: %v", err)
	}
	if len(replayed) != 2 {
		t.Errorf("state log has %d orders after first start, want 2", len(replayed))
	}
}

func TestTransferListenerDeliversSocket(t *testing.T) {
	spec := control.ListenerSpec{ID: "web", Protocol: control.ProtocolHTTP, Address: "127.0.0.1:0"}
	b, err := bindListener(spec)
	if err != nil {
		t.Fatalf("binding: %v", err)
	}
	defer b.close()

	// A hand-rolled peer instead of fakeWorker: this test needs to keep
	// the received descriptor instead of closing it.
	received := make(chan int, 1)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	supEnd, err := control.FromFD(uintptr(fds[0]), "sup")
	if err != nil {
		t.Fatalf("wrapping: %v", err)
	}
	wrkEnd, err := control.FromFD(uintptr(fds[1]), "wrk")
	if err != nil {
		t.Fatalf("wrapping: %v", err)
	}
	t.Cleanup(func() {
		supEnd.Close()
		wrkEnd.Close()
	})
	go func() {
		m, fd, err := wrkEnd.ReadMessageFD()
		if err != nil {
			return
		}
		received <- fd
		wrkEnd.WriteAck(control.AckOK(m.ID, ""))
	}()
	wp := &workerProc{id: 1, ch: supEnd, exited: make(chan struct{})}

	if err := b.transferTo(wp); err != nil {
		t.Fatalf("transferTo: %v", err)
	}

	fd := <-received
	if fd < 0 {
		t.Fatal("no descriptor arrived with the transfer order")
	}
	defer unix.Close(fd)

	// The duplicate must accept connections on the same address.
	f := os.NewFile(uintptr(fd), "transferred")
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		t.Fatalf("wrapping transferred descriptor: %v", err)
	}
	defer ln.Close()
	if ln.Addr().String() != b.ln.Addr().String() {
		t.Errorf("transferred socket bound to %s, want %s", ln.Addr(), b.ln.Addr())
	}
}

func TestDispatchDumpStateRendersModel(t *testing.T) {
	s := testSupervisor(t)
	s.topo.apply(addClusterOrder("app"))
	s.topo.apply(addBackendOrder("app", "127.0.0.1:8080", 2))

	m := control.NewMessage(control.OrderDumpState)
	a := s.submit(context.Background(), m)
	if a.Status != control.StatusOK {
		t.Fatalf("dump_state ack = %s: %s", a.Status, a.Detail)
	}
	if len(a.Data) == 0 {
		t.Fatal("dump_state ack carries no data")
	}
}

func TestDispatchRejectsWorkerOnlyOrders(t *testing.T) {
	s := testSupervisor(t)

	m := control.NewMessage(control.OrderTransferListener)
	m.Listener = &control.ListenerSpec{ID: "web", Protocol: control.ProtocolHTTP, Address: "127.0.0.1:0"}
	a := s.submit(context.Background(), m)
	if a.Status != control.StatusError {
		t.Errorf("transfer_listener ack = %s, want error", a.Status)
	}
}
