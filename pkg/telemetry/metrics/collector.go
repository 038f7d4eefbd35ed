package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/ganymede/pkg/control"
)

const namespace = "ganymede"

// Collector owns every Prometheus metric in Ganymede and the registry
// they live in.
//
// Example usage:
//
//	collector := metrics.NewCollector()
//	http.Handle("/metrics", collector.Handler())
type Collector struct {
	registry *prometheus.Registry

	// Session metrics, fed by the data plane.
	sessionsOpened  *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	bytesIn         prometheus.Counter
	bytesOut        prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	syntheticTotal  *prometheus.CounterVec
	backendConnects *prometheus.CounterVec
	backendFailures *prometheus.CounterVec

	// Control plane metrics, fed by the supervisor.
	ordersTotal     *prometheus.CounterVec
	reloadsTotal    prometheus.Counter
	workerRestarts  prometheus.Counter
	workerSessions  *prometheus.GaugeVec
	pooledIdle      *prometheus.GaugeVec
	healthyBackends *prometheus.GaugeVec
	backendUp       *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions accepted, by listener protocol.",
		}, []string{"protocol"}),

		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by listener protocol.",
		}, []string{"protocol"}),

		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session lifetime from accept to close.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
		}),

		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_in_total",
			Help:      "Bytes received from clients.",
		}),

		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_out_total",
			Help:      "Bytes sent to clients.",
		}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed HTTP request cycles, by cluster and status class.",
		}, []string{"cluster", "class"}),

		syntheticTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthetic_responses_total",
			Help:      "Responses generated by the proxy itself, by status.",
		}, []string{"status"}),

		backendConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_connects_total",
			Help:      "Backend connections established, by cluster and reuse.",
		}, []string{"cluster", "reused"}),

		backendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_connect_failures_total",
			Help:      "Backend connect attempts that failed, by cluster.",
		}, []string{"cluster"}),

		ordersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Control orders processed, by type and outcome.",
		}, []string{"type", "outcome"}),

		reloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration file reloads applied.",
		}),

		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Worker processes restarted after unexpected exits.",
		}),

		workerSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_active_sessions",
			Help:      "Active sessions per worker, from the last report.",
		}, []string{"worker"}),

		pooledIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pooled_idle_connections",
			Help:      "Idle pooled backend connections per worker.",
		}, []string{"worker"}),

		healthyBackends: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_healthy_backends",
			Help:      "Healthy backends per cluster, from the last report.",
		}, []string{"cluster"}),

		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "Health probe verdict per backend (1 up, 0 down).",
		}, []string{"cluster", "backend"}),
	}

	registry.MustRegister(
		c.sessionsOpened, c.sessionsClosed, c.sessionDuration,
		c.bytesIn, c.bytesOut,
		c.requestsTotal, c.syntheticTotal,
		c.backendConnects, c.backendFailures,
		c.ordersTotal, c.reloadsTotal, c.workerRestarts,
		c.workerSessions, c.pooledIdle,
		c.healthyBackends, c.backendUp,
	)
	return c
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SessionOpened implements session.Metrics.
func (c *Collector) SessionOpened(protocol string) {
	c.sessionsOpened.WithLabelValues(protocol).Inc()
}

// SessionClosed implements session.Metrics.
func (c *Collector) SessionClosed(protocol string, bytesIn, bytesOut int64, duration time.Duration) {
	c.sessionsClosed.WithLabelValues(protocol).Inc()
	c.sessionDuration.Observe(duration.Seconds())
	c.bytesIn.Add(float64(bytesIn))
	c.bytesOut.Add(float64(bytesOut))
}

// RequestCompleted implements session.Metrics.
func (c *Collector) RequestCompleted(cluster string, status int) {
	c.requestsTotal.WithLabelValues(cluster, statusClass(status)).Inc()
}

// BackendConnected implements session.Metrics.
func (c *Collector) BackendConnected(cluster string, reused bool) {
	c.backendConnects.WithLabelValues(cluster, strconv.FormatBool(reused)).Inc()
}

// BackendConnectFailed implements session.Metrics.
func (c *Collector) BackendConnectFailed(cluster string) {
	c.backendFailures.WithLabelValues(cluster).Inc()
}

// SyntheticResponse implements session.Metrics.
func (c *Collector) SyntheticResponse(status int) {
	c.syntheticTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// OrderProcessed counts one control order outcome.
func (c *Collector) OrderProcessed(orderType string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.ordersTotal.WithLabelValues(orderType, outcome).Inc()
}

// ConfigReloaded counts one applied configuration file reload.
func (c *Collector) ConfigReloaded() {
	c.reloadsTotal.Inc()
}

// WorkerRestarted counts an unexpected worker exit that was respawned.
func (c *Collector) WorkerRestarted() {
	c.workerRestarts.Inc()
}

// ObserveWorkerReport mirrors one worker's metrics report into gauges.
func (c *Collector) ObserveWorkerReport(rep *control.MetricsReport) {
	worker := strconv.Itoa(rep.WorkerID)
	c.workerSessions.WithLabelValues(worker).Set(float64(rep.ActiveSessions))
	c.pooledIdle.WithLabelValues(worker).Set(float64(rep.PooledIdle))
	for cluster, cm := range rep.Clusters {
		c.healthyBackends.WithLabelValues(cluster).Set(float64(cm.Healthy))
	}
}

// SetBackendUp records a health probe verdict.
func (c *Collector) SetBackendUp(cluster, backend string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	c.backendUp.WithLabelValues(cluster, backend).Set(v)
}

// ForgetWorker drops a departed worker's gauges.
func (c *Collector) ForgetWorker(workerID int) {
	worker := strconv.Itoa(workerID)
	c.workerSessions.DeleteLabelValues(worker)
	c.pooledIdle.DeleteLabelValues(worker)
}

// statusClass folds an HTTP status into its class label ("2xx"...).
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
