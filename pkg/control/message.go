package control

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OrderType identifies what a control message asks the receiver to do.
type OrderType string

const (
	OrderAddListener       OrderType = "add_listener"
	OrderRemoveListener    OrderType = "remove_listener"
	OrderAddCluster        OrderType = "add_cluster"
	OrderRemoveCluster     OrderType = "remove_cluster"
	OrderAddBackend        OrderType = "add_backend"
	OrderRemoveBackend     OrderType = "remove_backend"
	OrderUpdateCertificate OrderType = "update_certificate"
	OrderSoftStop          OrderType = "soft_stop"
	OrderHardStop          OrderType = "hard_stop"
	OrderStatus            OrderType = "status"
	OrderMetrics           OrderType = "metrics"
	OrderDumpState         OrderType = "dump_state"
	OrderTransferListener  OrderType = "transfer_listener"

	// OrderUpgradeWorker is handled by the supervisor only: it rotates
	// worker processes, handing listening sockets to the replacement.
	OrderUpgradeWorker OrderType = "upgrade_worker"
)

// Protocol names the client-facing protocol a listener speaks.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolTCP   Protocol = "tcp"
)

// ParseProtocol validates a protocol name from configuration or the wire.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolTCP:
		return Protocol(s), nil
	}
	return "", fmt.Errorf("unknown listener protocol %q", s)
}

// ListenerSpec describes a listening socket and its routing rule.
type ListenerSpec struct {
	ID            string   `json:"id"`
	Protocol      Protocol `json:"protocol"`
	Address       string   `json:"address"`
	Cluster       string   `json:"cluster,omitempty"`
	PublicAddress string   `json:"public_address,omitempty"`
	ExpectProxy   bool     `json:"expect_proxy,omitempty"`
}

// ClusterSpec describes a named group of backends and its balancing policy.
type ClusterSpec struct {
	Name       string `json:"name"`
	Policy     string `json:"policy,omitempty"`
	StickyKey  string `json:"sticky_key,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// BackendSpec describes one cluster member.
type BackendSpec struct {
	Cluster string `json:"cluster"`
	Address string `json:"address"`
	Weight  int    `json:"weight,omitempty"`
}

// CertificateSpec carries PEM material for one HTTPS listener. The
// bytes are base64-encoded on the wire by encoding/json.
type CertificateSpec struct {
	Listener string `json:"listener"`
	CertPEM  []byte `json:"cert_pem"`
	KeyPEM   []byte `json:"key_pem"`
}

// Message is one control order. Exactly one payload field is set,
// matching Type; Validate enforces the pairing.
type Message struct {
	ID          string           `json:"id"`
	Type        OrderType        `json:"type"`
	Listener    *ListenerSpec    `json:"listener,omitempty"`
	Cluster     *ClusterSpec     `json:"cluster,omitempty"`
	Backend     *BackendSpec     `json:"backend,omitempty"`
	Certificate *CertificateSpec `json:"certificate,omitempty"`
	ListenerID  string           `json:"listener_id,omitempty"`
}

// NewID generates a tagged request ID, e.g. "CTL-1a2b3c4d".
func NewID(tag string) string {
	return tag + "-" + uuid.NewString()[:8]
}

// NewMessage builds an order with a fresh request ID. The caller fills
// in the payload field matching the type.
func NewMessage(t OrderType) *Message {
	return &Message{ID: NewID("CTL"), Type: t}
}

// Validate checks that the message carries the payload its type needs.
// Inapplicable orders are rejected here before any state is touched.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("control message has no id")
	}
	switch m.Type {
	case OrderAddListener:
		if m.Listener == nil {
			return fmt.Errorf("%s: missing listener payload", m.Type)
		}
		if m.Listener.ID == "" || m.Listener.Address == "" {
			return fmt.Errorf("%s: listener id and address are required", m.Type)
		}
		if _, err := ParseProtocol(string(m.Listener.Protocol)); err != nil {
			return fmt.Errorf("%s: %w", m.Type, err)
		}
	case OrderRemoveListener:
		if m.ListenerID == "" {
			return fmt.Errorf("%s: missing listener_id", m.Type)
		}
	case OrderAddCluster:
		if m.Cluster == nil || m.Cluster.Name == "" {
			return fmt.Errorf("%s: missing cluster payload", m.Type)
		}
	case OrderRemoveCluster:
		if m.Cluster == nil || m.Cluster.Name == "" {
			return fmt.Errorf("%s: missing cluster payload", m.Type)
		}
	case OrderAddBackend, OrderRemoveBackend:
		if m.Backend == nil || m.Backend.Cluster == "" || m.Backend.Address == "" {
			return fmt.Errorf("%s: missing backend payload", m.Type)
		}
	case OrderUpdateCertificate:
		if m.Certificate == nil || m.Certificate.Listener == "" {
			return fmt.Errorf("%s: missing certificate payload", m.Type)
		}
		if len(m.Certificate.CertPEM) == 0 || len(m.Certificate.KeyPEM) == 0 {
			return fmt.Errorf("%s: certificate and key are required", m.Type)
		}
	case OrderTransferListener:
		if m.Listener == nil || m.Listener.ID == "" {
			return fmt.Errorf("%s: missing listener payload", m.Type)
		}
	case OrderSoftStop, OrderHardStop, OrderStatus, OrderMetrics, OrderDumpState, OrderUpgradeWorker:
		// no payload
	default:
		return fmt.Errorf("unknown order type %q", m.Type)
	}
	return nil
}

// AckStatus is the outcome of an order.
type AckStatus string

const (
	StatusOK         AckStatus = "ok"
	StatusError      AckStatus = "error"
	StatusProcessing AckStatus = "processing"
)

// Ack answers a control message. Data holds an order-specific payload
// (a StatusReport, a metrics snapshot, a state dump).
type Ack struct {
	ID     string          `json:"id"`
	Status AckStatus       `json:"status"`
	Detail string          `json:"detail,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// AckOK builds a success acknowledgement for the given request ID.
func AckOK(id, detail string) *Ack {
	return &Ack{ID: id, Status: StatusOK, Detail: detail}
}

// AckError builds a failure acknowledgement. The active configuration
// is left unchanged by the receiver when this is sent.
func AckError(id, detail string) *Ack {
	return &Ack{ID: id, Status: StatusError, Detail: detail}
}

// AckProcessing builds an intermediate acknowledgement for long-running
// orders such as soft_stop; a final ok or error follows.
func AckProcessing(id, detail string) *Ack {
	return &Ack{ID: id, Status: StatusProcessing, Detail: detail}
}

// AckData builds a success acknowledgement carrying a JSON payload.
func AckData(id string, v any) (*Ack, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding ack data: %w", err)
	}
	return &Ack{ID: id, Status: StatusOK, Data: raw}, nil
}

// RunState is a worker's lifecycle phase as reported by status orders.
type RunState string

const (
	RunStateRunning  RunState = "running"
	RunStateDraining RunState = "draining"
	RunStateExited   RunState = "exited"
)

// StatusReport is the payload of an ok Ack to a status order.
type StatusReport struct {
	WorkerID       int      `json:"worker_id"`
	PID            int      `json:"pid"`
	RunState       RunState `json:"run_state"`
	ActiveSessions int      `json:"active_sessions"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
}

// ClusterMetrics is one cluster's slice of a MetricsReport.
type ClusterMetrics struct {
	Backends       int `json:"backends"`
	Healthy        int `json:"healthy"`
	ActiveSessions int `json:"active_sessions"`
}

// MetricsReport is the payload of an ok Ack to a metrics order.
type MetricsReport struct {
	WorkerID       int                       `json:"worker_id"`
	ActiveSessions int                       `json:"active_sessions"`
	PooledIdle     int                       `json:"pooled_idle"`
	PoolReuses     int64                     `json:"pool_reuses"`
	Clusters       map[string]ClusterMetrics `json:"clusters,omitempty"`
}

// ConfigDump is the payload of an ok Ack to a dump_state order: the
// receiver's whole active configuration, expressed as the specs that
// would rebuild it.
type ConfigDump struct {
	Listeners []ListenerSpec `json:"listeners,omitempty"`
	Clusters  []ClusterSpec  `json:"clusters,omitempty"`
	Backends  []BackendSpec  `json:"backends,omitempty"`
}
