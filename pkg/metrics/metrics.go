// Package metrics records passive listener and connection events as
// Prometheus metrics and keeps plain counters for snapshots.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/irctrakz/passivetap/pkg/passive"
	"github.com/irctrakz/passivetap/pkg/stack"
)

// Metrics implements passive.Recorder.
type Metrics struct {
	AcceptsTotal          *prometheus.CounterVec
	AcceptFailuresTotal   *prometheus.CounterVec
	ListenerFailuresTotal *prometheus.CounterVec
	ClosedTotal           *prometheus.CounterVec
	BytesReadTotal        *prometheus.CounterVec
	SpuriousTotal         *prometheus.CounterVec
	ActiveConnections     *prometheus.GaugeVec

	reg prometheus.Registerer

	accepts          atomic.Uint64
	acceptFailures   atomic.Uint64
	listenerFailures atomic.Uint64
	closed           atomic.Uint64
	bytesRead        atomic.Uint64
	spurious         atomic.Uint64
	active           atomic.Int64

	mu            sync.Mutex
	failsByReason map[string]uint64
	failsByStep   map[string]uint64
	bytesByRole   map[string]uint64
}

var _ passive.Recorder = (*Metrics)(nil)

func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcceptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passive_accepts_total",
			Help: "Observed flows accepted as connection pairs",
		}, []string{"iface"}),
		AcceptFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passive_accept_failures_total",
			Help: "Observed flows that could not be set up, by reason",
		}, []string{"iface", "reason"}),
		ListenerFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passive_listener_failures_total",
			Help: "Listener creation failures, by step",
		}, []string{"iface", "step"}),
		ClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passive_connections_closed_total",
			Help: "Monitored connections closed",
		}, []string{"iface", "role"}),
		BytesReadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passive_bytes_read_total",
			Help: "Payload bytes read from monitored connections",
		}, []string{"iface", "role"}),
		SpuriousTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passive_spurious_readiness_total",
			Help: "Read watchers that fired with nothing to read",
		}, []string{"iface"}),
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "passive_active_connections",
			Help: "Monitored connections currently open",
		}, []string{"iface"}),
		failsByReason: map[string]uint64{},
		failsByStep:   map[string]uint64{},
		bytesByRole:   map[string]uint64{},
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m.reg = reg
	reg.MustRegister(
		m.AcceptsTotal,
		m.AcceptFailuresTotal,
		m.ListenerFailuresTotal,
		m.ClosedTotal,
		m.BytesReadTotal,
		m.SpuriousTotal,
		m.ActiveConnections,
	)
	return m
}

func (m *Metrics) ListenerFailed(iface string, step passive.Step) {
	m.listenerFailures.Add(1)
	m.ListenerFailuresTotal.WithLabelValues(iface, string(step)).Inc()
	m.mu.Lock()
	m.failsByStep[string(step)]++
	m.mu.Unlock()
}

// Accepted counts one flow; each flow adds a connection pair.
func (m *Metrics) Accepted(iface string) {
	m.accepts.Add(1)
	m.active.Add(2)
	m.AcceptsTotal.WithLabelValues(iface).Inc()
	m.ActiveConnections.WithLabelValues(iface).Add(2)
}

func (m *Metrics) AcceptFailed(iface, reason string) {
	m.acceptFailures.Add(1)
	m.AcceptFailuresTotal.WithLabelValues(iface, reason).Inc()
	m.mu.Lock()
	m.failsByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) ConnectionClosed(iface, role string) {
	m.closed.Add(1)
	m.active.Add(-1)
	m.ClosedTotal.WithLabelValues(iface, role).Inc()
	m.ActiveConnections.WithLabelValues(iface).Dec()
}

func (m *Metrics) BytesRead(iface, role string, n int) {
	if n <= 0 {
		return
	}
	m.bytesRead.Add(uint64(n))
	m.BytesReadTotal.WithLabelValues(iface, role).Add(float64(n))
	m.mu.Lock()
	m.bytesByRole[role] += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) SpuriousReadiness(iface string) {
	m.spurious.Add(1)
	m.SpuriousTotal.WithLabelValues(iface).Inc()
}

// RegisterStack exports the stack counters, read on scrape.
func (m *Metrics) RegisterStack(stats func() stack.Stats) {
	counter := func(name, help string, get func(stack.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(get(stats())) })
	}
	m.reg.MustRegister(
		counter("passive_stack_packets_total", "Frames handed to the stack", func(s stack.Stats) uint64 { return s.Packets }),
		counter("passive_stack_flows_accepted_total", "Flows matched to a listener", func(s stack.Stats) uint64 { return s.FlowsAccepted }),
		counter("passive_stack_flows_ignored_total", "Flows matching no listener", func(s stack.Stats) uint64 { return s.FlowsIgnored }),
		counter("passive_stack_handshake_timeouts_total", "Flows whose handshake did not complete in time", func(s stack.Stats) uint64 { return s.HandshakeTimeouts }),
		counter("passive_stack_backlog_drops_total", "Flows dropped on a full accept queue", func(s stack.Stats) uint64 { return s.BacklogDrops }),
		counter("passive_stack_bytes_dropped_total", "Payload bytes dropped on full receive buffers", func(s stack.Stats) uint64 { return s.BytesDropped }),
	)
}

type Snapshot struct {
	Accepts          uint64            `json:"accepts"`
	AcceptFailures   uint64            `json:"accept_failures"`
	FailuresByReason map[string]uint64 `json:"accept_failures_by_reason"`
	ListenerFailures uint64            `json:"listener_failures"`
	FailuresByStep   map[string]uint64 `json:"listener_failures_by_step"`
	Closed           uint64            `json:"closed"`
	Active           int64             `json:"active"`
	BytesRead        uint64            `json:"bytes_read"`
	BytesByRole      map[string]uint64 `json:"bytes_by_role"`
	Spurious         uint64            `json:"spurious_readiness"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	reasons := copyMap(m.failsByReason)
	steps := copyMap(m.failsByStep)
	roles := copyMap(m.bytesByRole)
	m.mu.Unlock()
	return Snapshot{
		Accepts:          m.accepts.Load(),
		AcceptFailures:   m.acceptFailures.Load(),
		FailuresByReason: reasons,
		ListenerFailures: m.listenerFailures.Load(),
		FailuresByStep:   steps,
		Closed:           m.closed.Load(),
		Active:           m.active.Load(),
		BytesRead:        m.bytesRead.Load(),
		BytesByRole:      roles,
		Spurious:         m.spurious.Load(),
	}
}

func copyMap(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
