package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/ganymede/pkg/control"
)

func TestCollectorSessionCounters(t *testing.T) {
	c := NewCollector()

	c.SessionOpened("http")
	c.SessionOpened("http")
	c.SessionOpened("tcp")
	c.SessionClosed("http", 512, 2048, 150*time.Millisecond)

	if got := testutil.ToFloat64(c.sessionsOpened.WithLabelValues("http")); got != 2 {
		t.Errorf("opened http sessions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.sessionsOpened.WithLabelValues("tcp")); got != 1 {
		t.Errorf("opened tcp sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.sessionsClosed.WithLabelValues("http")); got != 1 {
		t.Errorf("closed http sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.bytesIn); got != 512 {
		t.Errorf("bytes in = %v, want 512", got)
	}
	if got := testutil.ToFloat64(c.bytesOut); got != 2048 {
		t.Errorf("bytes out = %v, want 2048", got)
	}
}

func TestCollectorRequestStatusClasses(t *testing.T) {
	c := NewCollector()

	c.RequestCompleted("app", 200)
	c.RequestCompleted("app", 204)
	c.RequestCompleted("app", 502)
	c.RequestCompleted("app", 7)

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("app", "2xx")); got != 2 {
		t.Errorf("2xx requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("app", "5xx")); got != 1 {
		t.Errorf("5xx requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("app", "other")); got != 1 {
		t.Errorf("other requests = %v, want 1", got)
	}
}

func TestCollectorBackendCounters(t *testing.T) {
	c := NewCollector()

	c.BackendConnected("app", false)
	c.BackendConnected("app", true)
	c.BackendConnectFailed("app")
	c.SyntheticResponse(503)

	if got := testutil.ToFloat64(c.backendConnects.WithLabelValues("app", "true")); got != 1 {
		t.Errorf("reused connects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.backendConnects.WithLabelValues("app", "false")); got != 1 {
		t.Errorf("fresh connects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.backendFailures.WithLabelValues("app")); got != 1 {
		t.Errorf("connect failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.syntheticTotal.WithLabelValues("503")); got != 1 {
		t.Errorf("synthetic 503 = %v, want 1", got)
	}
}

func TestCollectorWorkerReport(t *testing.T) {
	c := NewCollector()

	c.ObserveWorkerReport(&control.MetricsReport{
		WorkerID:       2,
		ActiveSessions: 7,
		PooledIdle:     3,
		Clusters: map[string]control.ClusterMetrics{
			"app": {Backends: 4, Healthy: 3},
		},
	})

	if got := testutil.ToFloat64(c.workerSessions.WithLabelValues("2")); got != 7 {
		t.Errorf("worker sessions = %v, want 7", got)
	}
	if got := testutil.ToFloat64(c.pooledIdle.WithLabelValues("2")); got != 3 {
		t.Errorf("pooled idle = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.healthyBackends.WithLabelValues("app")); got != 3 {
		t.Errorf("healthy backends = %v, want 3", got)
	}

	c.ForgetWorker(2)
	if n := testutil.CollectAndCount(c.workerSessions); n != 0 {
		t.Errorf("worker gauges after forget = %d, want 0", n)
	}
}

func TestCollectorBackendHealthGauge(t *testing.T) {
	c := NewCollector()

	c.SetBackendUp("app", "127.0.0.1:8080", true)
	if got := testutil.ToFloat64(c.backendUp.WithLabelValues("app", "127.0.0.1:8080")); got != 1 {
		t.Errorf("backend up = %v, want 1", got)
	}

	c.SetBackendUp("app", "127.0.0.1:8080", false)
	if got := testutil.ToFloat64(c.backendUp.WithLabelValues("app", "127.0.0.1:8080")); got != 0 {
		t.Errorf("backend up after down = %v, want 0", got)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	c := NewCollector()
	c.SessionOpened("http")
	c.OrderProcessed("add_backend", true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "ganymede_sessions_opened_total") {
		t.Error("exposition missing session counter")
	}
	if !strings.Contains(body, "ganymede_orders_total") {
		t.Error("exposition missing orders counter")
	}
}
